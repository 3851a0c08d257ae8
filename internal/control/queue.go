package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultQueueSize bounds the commands waiting for the bus.
const DefaultQueueSize = 256

var (
	// ErrQueueFull is returned when a command is dropped because the
	// buffer is full.
	ErrQueueFull = errors.New("control: queue full")

	// ErrQueueClosed is returned by Publish after Close.
	ErrQueueClosed = errors.New("control: queue closed")
)

// Queue hands commands to another Publisher from a single background
// worker, so the caller never waits on the bus. Commands are delivered in
// the order they were queued.
type Queue struct {
	next   Publisher
	logger *slog.Logger
	ch     chan model.ControlCommand
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the worker. A size of zero or less uses DefaultQueueSize.
func NewQueue(next Publisher, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		next:   next,
		logger: logger,
		ch:     make(chan model.ControlCommand, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Publish queues cmd without blocking.
func (q *Queue) Publish(_ context.Context, cmd model.ControlCommand) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: dropped %s for agent %s", ErrQueueFull, cmd.Action, cmd.AgentID)
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for cmd := range q.ch {
		if err := q.next.Publish(context.Background(), cmd); err != nil {
			q.logger.Warn("control: publish command", "audit_id", cmd.AuditID, "workspace_id", cmd.WorkspaceID,
				"agent_id", cmd.AgentID, "action", cmd.Action, "error", err)
		}
	}
}

// Close stops accepting commands, publishes what is already queued and
// then closes the underlying publisher.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	<-q.done
	return q.next.Close()
}
