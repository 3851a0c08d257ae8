package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_WritesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "t", slog.New(slog.NewTextHandler(io.Discard, nil)))

	cmd := model.ControlCommand{
		WorkspaceID: uuid.New(),
		AgentID:     "agent-7",
		Action:      model.ActionPauseAgent,
		AuditID:     uuid.New(),
		State:       model.AgentControl{IsActive: false},
		IssuedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), cmd))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, cmd.WorkspaceID.String()+"/agent-7", string(msg.Key))
	assert.Equal(t, "pause_agent", string(msg.Headers[0].Value))

	var got model.ControlCommand
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, cmd.AuditID, got.AuditID)
	assert.False(t, got.State.IsActive)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newKafkaPublisher(&fakeWriter{err: boom}, "t", slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := p.Publish(context.Background(), model.ControlCommand{AgentID: "a"})
	require.ErrorIs(t, err, boom)
}

func TestNew_NoBrokersIsNoop(t *testing.T) {
	p := New("  ", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, ok := p.(Noop)
	assert.True(t, ok)
	assert.NoError(t, p.Publish(context.Background(), model.ControlCommand{}))
}
