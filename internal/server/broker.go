package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/storage"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before it starts missing them.
const subscriberBuffer = 64

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers.
// Each subscriber sees only its own workspace's notifications.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start listens on every kansoku channel. It blocks until ctx is
// cancelled, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.ListenAll(ctx); err != nil {
		b.logger.Error("broker: listen", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channels", storage.Channels)

	for {
		n, err := b.db.WaitForNotification(ctx)
		if errors.Is(err, storage.ErrMalformedNotification) {
			b.logger.Warn("broker: dropping malformed notification", "error", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.deliver(n)
	}
}

func (b *Broker) dispatch(channel, payload string) {
	n, err := storage.ParseNotification(channel, payload)
	if err != nil {
		b.logger.Warn("broker: dropping malformed notification", "channel", channel, "error", err)
		return
	}
	b.deliver(n)
}

func (b *Broker) deliver(n storage.Notification) {
	b.broadcast(n.WorkspaceID, formatSSE(n.Event(), n.Payload))
}

// Subscribe returns a channel that receives SSE-formatted events for one
// workspace. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(workspaceID uuid.UUID) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = workspaceID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to the workspace's subscribers. A subscriber
// with a full buffer misses the event rather than blocking the others.
func (b *Broker) broadcast(workspaceID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, ws := range b.subscribers {
		if ws != workspaceID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
