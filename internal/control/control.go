// Package control publishes agent control commands after interventions
// commit, so agent runtimes can react without polling the API.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultTopic is the topic control commands are written to.
const DefaultTopic = "kansoku.control"

// Publisher sends control commands.
type Publisher interface {
	Publish(ctx context.Context, cmd model.ControlCommand) error
	Close() error
}

// Noop discards commands. Used when no brokers are configured.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, model.ControlCommand) error { return nil }

// Close does nothing.
func (Noop) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes commands as JSON to a Kafka topic, keyed by
// workspace and agent so one agent's commands stay ordered on a partition.
type KafkaPublisher struct {
	w       messageWriter
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaPublisher creates a publisher for a comma-separated broker list.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, topic: topic, timeout: 5 * time.Second, logger: logger}
}

// Publish writes one command.
func (p *KafkaPublisher) Publish(ctx context.Context, cmd model.ControlCommand) error {
	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("control: marshal command: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(cmd.WorkspaceID.String() + "/" + cmd.AgentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(cmd.Action)},
		},
		Time: cmd.IssuedAt,
	})
	if err != nil {
		return fmt.Errorf("control: publish to %s: %w", p.topic, err)
	}
	p.logger.Debug("control: command published", "topic", p.topic, "workspace_id", cmd.WorkspaceID,
		"agent_id", cmd.AgentID, "action", cmd.Action)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// New returns a queued KafkaPublisher when brokers is set, otherwise Noop.
func New(brokers, topic string, logger *slog.Logger) Publisher {
	if strings.TrimSpace(brokers) == "" {
		return Noop{}
	}
	return NewQueue(NewKafkaPublisher(brokers, topic, logger), DefaultQueueSize, logger)
}
