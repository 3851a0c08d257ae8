// Package notify delivers alert and intervention notifications to webhooks
// and Slack. Delivery is best-effort: failures are logged and counted and
// never reported back to the caller's state machine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/slack-go/slack"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// DefaultTimeout bounds each delivery attempt.
const DefaultTimeout = 5 * time.Second

// Notification kinds.
const (
	KindAlert        = "alert"
	KindIntervention = "intervention"
	KindRevert       = "revert"
)

// Message is the JSON body posted to generic webhooks.
type Message struct {
	Text        string          `json:"text"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	AgentID     *string         `json:"agent_id,omitempty"`
	Kind        string          `json:"kind"`
	Value       decimal.Decimal `json:"value"`
	Threshold   decimal.Decimal `json:"threshold"`
}

// Targets are the destinations for one notification. Empty fields are skipped.
type Targets struct {
	WebhookURL string
	SlackURL   string
}

// Dispatcher posts notifications.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup

	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a dispatcher. A nil client uses a fresh http.Client.
func New(client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	meter := telemetry.Meter("notify")
	delivered, _ := meter.Int64Counter("kansoku.notifications.delivered",
		metric.WithDescription("Notifications delivered, by channel"),
	)
	failed, _ := meter.Int64Counter("kansoku.notifications.failed",
		metric.WithDescription("Notifications that could not be delivered, by channel"),
	)
	return &Dispatcher{
		client:    client,
		timeout:   DefaultTimeout,
		logger:    logger,
		delivered: delivered,
		failed:    failed,
	}
}

// Dispatch sends msg to every target and returns how many deliveries
// failed. It detaches from the caller's cancellation so a job hitting its
// deadline does not abort in-flight posts.
func (d *Dispatcher) Dispatch(ctx context.Context, t Targets, msg Message) int {
	ctx = context.WithoutCancel(ctx)
	failures := 0
	if t.WebhookURL != "" {
		if err := d.Webhook(ctx, t.WebhookURL, msg); err != nil {
			failures++
			d.record(ctx, "webhook", msg, err)
		} else {
			d.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "webhook")))
		}
	}
	if t.SlackURL != "" {
		if err := d.Slack(ctx, t.SlackURL, msg); err != nil {
			failures++
			d.record(ctx, "slack", msg, err)
		} else {
			d.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "slack")))
		}
	}
	return failures
}

// Go runs Dispatch in the background. Wait blocks until every background
// delivery has finished.
func (d *Dispatcher) Go(ctx context.Context, t Targets, msg Message) {
	if t.WebhookURL == "" && t.SlackURL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(ctx, t, msg)
	}()
}

// Wait blocks until background deliveries started with Go are done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) record(ctx context.Context, channel string, msg Message, err error) {
	d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	d.logger.Warn("notify: delivery failed",
		"channel", channel,
		"kind", msg.Kind,
		"workspace_id", msg.WorkspaceID,
		"error", err,
	)
}

// Webhook posts msg as JSON. Any 2xx counts as delivered.
func (d *Dispatcher) Webhook(ctx context.Context, url string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kansoku-notify/1")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Slack posts msg.Text to a Slack incoming webhook.
func (d *Dispatcher) Slack(ctx context.Context, url string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := slack.PostWebhookCustomHTTPContext(ctx, url, d.client, &slack.WebhookMessage{Text: msg.Text})
	if err != nil {
		return fmt.Errorf("notify: post slack: %w", err)
	}
	return nil
}

// Route picks the delivery targets for a workspace. The webhook is the
// first non-empty of override, the workspace's alert webhook and global.
// Slack is used only when the tier allows it and the workspace has a
// Slack webhook.
func Route(ws model.Workspace, t model.WorkspaceTier, override *string, global string) Targets {
	var out Targets
	switch {
	case override != nil && *override != "":
		out.WebhookURL = *override
	case ws.AlertWebhookURL != nil && *ws.AlertWebhookURL != "":
		out.WebhookURL = *ws.AlertWebhookURL
	default:
		out.WebhookURL = global
	}
	if t.SlackEnabled && ws.SlackWebhookURL != nil {
		out.SlackURL = *ws.SlackWebhookURL
	}
	return out
}

// Envelope is the pg_notify payload fanned out to SSE subscribers.
type Envelope struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Kind        string    `json:"kind"`
	Data        any       `json:"data"`
}

// Payload encodes the envelope for pg_notify.
func (e Envelope) Payload() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("notify: marshal envelope: %w", err)
	}
	return string(b), nil
}
