package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Postgres LISTEN/NOTIFY channels carrying workspace events to the SSE broker.
const (
	ChannelAlerts        = "kansoku_alerts"
	ChannelInterventions = "kansoku_interventions"
)

// Channels lists every channel ListenAll subscribes to.
var Channels = []string{ChannelAlerts, ChannelInterventions}

// MaxNotifyPayload is the largest payload Postgres accepts for pg_notify
// (8000 bytes including the terminator).
const MaxNotifyPayload = 7999

var (
	ErrUnknownChannel        = errors.New("storage: unknown notify channel")
	ErrNotifyPayloadTooLarge = errors.New("storage: notify payload too large")
	ErrMalformedNotification = errors.New("storage: malformed notification")
)

// Notification is one message received on a kansoku channel. WorkspaceID
// and Kind are read from the payload header; Payload is kept verbatim so
// subscribers see exactly what the sender encoded.
type Notification struct {
	Channel     string
	WorkspaceID uuid.UUID
	Kind        string
	Payload     string
}

// Event is the SSE event name: the payload kind, or the channel when the
// sender did not set one.
func (n Notification) Event() string {
	if n.Kind != "" {
		return n.Kind
	}
	return n.Channel
}

// ParseNotification decodes the routing header of a payload. Payloads that
// are not JSON objects or lack a workspace_id are rejected, since they
// cannot be routed to a single tenant.
func ParseNotification(channel, payload string) (Notification, error) {
	var hdr struct {
		WorkspaceID uuid.UUID `json:"workspace_id"`
		Kind        string    `json:"kind"`
	}
	if err := json.Unmarshal([]byte(payload), &hdr); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if hdr.WorkspaceID == uuid.Nil {
		return Notification{}, fmt.Errorf("%w: missing workspace_id", ErrMalformedNotification)
	}
	return Notification{Channel: channel, WorkspaceID: hdr.WorkspaceID, Kind: hdr.Kind, Payload: payload}, nil
}

func checkNotify(channel, payload string) error {
	if !slices.Contains(Channels, channel) {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrNotifyPayloadTooLarge, len(payload))
	}
	return nil
}

// ListenAll subscribes the dedicated notify connection to every kansoku
// channel. Returns an error if no notify connection is configured.
func (db *DB) ListenAll(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	for _, channel := range Channels {
		if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return fmt.Errorf("storage: listen %s: %w", channel, err)
		}
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel. A payload that cannot be routed comes back with an error
// wrapping ErrMalformedNotification; the connection stays usable.
func (db *DB) WaitForNotification(ctx context.Context) (Notification, error) {
	if db.notifyConn == nil {
		return Notification{}, fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return Notification{}, fmt.Errorf("storage: wait for notification: %w", err)
	}
	return ParseNotification(n.Channel, n.Payload)
}

// Notify publishes payload on a kansoku channel. The payload must carry a
// workspace_id header so the broker can route it.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if err := checkNotify(channel, payload); err != nil {
		return err
	}
	if _, err := ParseNotification(channel, payload); err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
