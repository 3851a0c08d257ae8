package control

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kansoku/internal/model"
)

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	agents []string
	closed bool
}

func (g *gatedPublisher) Publish(_ context.Context, cmd model.ControlCommand) error {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agents = append(g.agents, cmd.AgentID)
	return nil
}

func (g *gatedPublisher) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func TestQueue_PublishDoesNotWaitForTheBus(t *testing.T) {
	defer goleak.VerifyNone(t)

	next := &gatedPublisher{release: make(chan struct{})}
	q := NewQueue(next, 8, slog.New(slog.NewTextHandler(io.Discard, nil)))

	start := time.Now()
	for _, a := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(context.Background(), model.ControlCommand{AgentID: a}))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(next.release)
	require.NoError(t, q.Close())
	assert.Equal(t, []string{"a", "b", "c"}, next.agents, "queued commands are flushed in order on close")
	assert.True(t, next.closed)

	require.ErrorIs(t, q.Publish(context.Background(), model.ControlCommand{AgentID: "late"}), ErrQueueClosed)
	require.NoError(t, q.Close(), "closing twice is harmless")
}

func TestQueue_FullDropsWithError(t *testing.T) {
	defer goleak.VerifyNone(t)

	next := &gatedPublisher{release: make(chan struct{})}
	q := NewQueue(next, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var full error
	// The worker holds one command at the gate and the buffer holds one more.
	for i := range 3 {
		if err := q.Publish(context.Background(), model.ControlCommand{AgentID: "a", Action: model.ActionThrottle}); err != nil {
			full = err
			assert.GreaterOrEqual(t, i, 1)
			break
		}
	}
	require.ErrorIs(t, full, ErrQueueFull)

	close(next.release)
	require.NoError(t, q.Close())
}
