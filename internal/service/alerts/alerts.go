// Package alerts manages alert rules and evaluates them on a schedule.
//
// Firing is decided in storage: a conditional update claims the rule's
// cooldown and the alert event is inserted in the same transaction, so
// overlapping evaluations never fire a rule twice inside its cooldown.
// Everything after commit (webhooks, Slack, SSE) is best-effort.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/notify"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// ErrInvalidRule wraps rule validation failures.
var ErrInvalidRule = errors.New("alerts: invalid rule")

// Service manages and evaluates alert rules.
type Service struct {
	db            *storage.DB
	tiers         *tier.Registry
	dispatcher    *notify.Dispatcher
	globalWebhook string
	logger        *slog.Logger
	unitBudget    time.Duration
	now           func() time.Time

	fired metric.Int64Counter
}

// New creates an alert service. globalWebhook may be empty.
func New(db *storage.DB, tiers *tier.Registry, dispatcher *notify.Dispatcher, globalWebhook string, logger *slog.Logger) *Service {
	meter := telemetry.Meter("alerts")
	fired, _ := meter.Int64Counter("kansoku.alerts.fired",
		metric.WithDescription("Alert rules fired, by rule type"),
	)
	return &Service{
		db:            db,
		tiers:         tiers,
		dispatcher:    dispatcher,
		globalWebhook: globalWebhook,
		logger:        logger,
		unitBudget:    jobs.DefaultUnitBudget,
		now:           time.Now,
		fired:         fired,
	}
}

// Create validates and stores a rule under the tier's rule ceiling.
func (s *Service) Create(ctx context.Context, workspaceID uuid.UUID, req model.CreateAlertRuleRequest) (model.AlertRule, error) {
	rule, err := req.ToRule(workspaceID)
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	t, err := s.tiers.Get(ctx, workspaceID)
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("alerts: resolve tier: %w", err)
	}
	created, err := s.db.CreateAlertRule(ctx, rule, t.MaxAlertRules)
	if err != nil {
		return model.AlertRule{}, tier.QuotaError(t, err)
	}
	return created, nil
}

// Get returns one rule.
func (s *Service) Get(ctx context.Context, workspaceID, id uuid.UUID) (model.AlertRule, error) {
	return s.db.GetAlertRule(ctx, workspaceID, id)
}

// List returns a workspace's rules.
func (s *Service) List(ctx context.Context, workspaceID uuid.UUID) ([]model.AlertRule, error) {
	return s.db.ListAlertRules(ctx, workspaceID)
}

// Update applies a partial update.
func (s *Service) Update(ctx context.Context, workspaceID, id uuid.UUID, req model.UpdateAlertRuleRequest) (model.AlertRule, error) {
	rule, err := s.db.GetAlertRule(ctx, workspaceID, id)
	if err != nil {
		return model.AlertRule{}, err
	}
	rule, err = req.Apply(rule)
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return s.db.UpdateAlertRule(ctx, rule)
}

// Delete removes a rule. Its history is kept.
func (s *Service) Delete(ctx context.Context, workspaceID, id uuid.UUID) error {
	return s.db.DeleteAlertRule(ctx, workspaceID, id)
}

// Events lists alert history.
func (s *Service) Events(ctx context.Context, workspaceID uuid.UUID, f model.AlertEventFilters) ([]model.AlertEvent, int, error) {
	return s.db.ListAlertEvents(ctx, workspaceID, f)
}

// Ack acknowledges an alert event. Acknowledging twice keeps the first time.
func (s *Service) Ack(ctx context.Context, workspaceID, id uuid.UUID) (model.AlertEvent, error) {
	return s.db.AckAlertEvent(ctx, workspaceID, id, s.now().UTC())
}

// Evaluate checks every enabled rule once. Rules evaluated longest ago go
// first, so a truncated run is picked up where it stopped.
func (s *Service) Evaluate(ctx context.Context, now time.Time) (model.JobSummary, error) {
	var summary model.JobSummary
	rules, err := s.db.ListEnabledAlertRules(ctx)
	if err != nil {
		return summary, err
	}
	now = now.UTC()
	targets := newTargetCache(s.db, s.tiers, s.globalWebhook)

	for i, rule := range rules {
		if !jobs.HasTime(ctx, s.unitBudget) {
			summary.Truncated = true
			summary.Remaining = len(rules) - i
			break
		}
		fired, err := s.evaluateRule(ctx, rule, now, targets)
		if err != nil {
			summary.Failed++
			s.logger.Error("alerts: rule evaluation failed", "rule_id", rule.ID, "workspace_id", rule.WorkspaceID, "error", err)
			continue
		}
		summary.Processed++
		if fired {
			summary.Fired++
		}
	}
	return summary, nil
}

func (s *Service) evaluateRule(ctx context.Context, rule model.AlertRule, now time.Time, targets *targetCache) (bool, error) {
	value, ok, err := Measure(ctx, s.db, rule, now)
	if err != nil {
		return false, err
	}
	if err := s.db.MarkAlertRuleEvaluated(ctx, rule.ID, now); err != nil {
		return false, err
	}
	if !ok || !value.GreaterThan(rule.Threshold) {
		return false, nil
	}

	ev, fired, err := s.db.FireAlert(ctx, rule, value, Message(rule, value), now)
	if err != nil || !fired {
		return false, err
	}
	s.fired.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_type", string(rule.RuleType))))
	s.afterFire(ctx, rule, ev, targets)
	return true, nil
}

func (s *Service) afterFire(ctx context.Context, rule model.AlertRule, ev model.AlertEvent, targets *targetCache) {
	if payload, err := (notify.Envelope{WorkspaceID: ev.WorkspaceID, Kind: notify.KindAlert, Data: ev}).Payload(); err == nil {
		if err := s.db.Notify(context.WithoutCancel(ctx), storage.ChannelAlerts, payload); err != nil {
			s.logger.Warn("alerts: pg_notify failed", "alert_event_id", ev.ID, "error", err)
		}
	}

	t, err := targets.get(ctx, rule.WorkspaceID, rule.WebhookURL)
	if err != nil {
		s.logger.Warn("alerts: resolve notification targets", "workspace_id", rule.WorkspaceID, "error", err)
		return
	}
	s.dispatcher.Go(ctx, t, notify.Message{
		Text:        ev.Message,
		WorkspaceID: ev.WorkspaceID,
		AgentID:     ev.AgentID,
		Kind:        notify.KindAlert,
		Value:       ev.MetricValue,
		Threshold:   ev.Threshold,
	})
}

// Measure computes the rule's current metric. ok is false when there is
// nothing to judge (a workspace that never sent a heartbeat, an unknown
// agent).
func Measure(ctx context.Context, db *storage.DB, rule model.AlertRule, now time.Time) (decimal.Decimal, bool, error) {
	switch rule.RuleType {
	case model.RuleCostPerDay:
		stats, err := db.EventWindowStats(ctx, rule.WorkspaceID, rule.AgentID, model.UTCDay(now), now)
		if err != nil {
			return decimal.Zero, false, err
		}
		return stats.CostUSD, true, nil

	case model.RuleErrorRate:
		since := now.Add(-time.Duration(rule.WindowMinutes) * time.Minute)
		stats, err := db.EventWindowStats(ctx, rule.WorkspaceID, rule.AgentID, since, now)
		if err != nil {
			return decimal.Zero, false, err
		}
		return stats.ErrorRate(), true, nil

	case model.RuleNoHeartbeat:
		last, err := db.LastHeartbeat(ctx, rule.WorkspaceID, rule.AgentID)
		if err != nil {
			return decimal.Zero, false, err
		}
		if last == nil {
			if rule.AgentID == nil {
				return decimal.Zero, false, nil
			}
			agent, err := db.GetAgent(ctx, rule.WorkspaceID, *rule.AgentID)
			if errors.Is(err, storage.ErrNotFound) {
				return decimal.Zero, false, nil
			}
			if err != nil {
				return decimal.Zero, false, err
			}
			last = &agent.CreatedAt
		}
		return minutesSince(*last, now), true, nil
	}
	return decimal.Zero, false, fmt.Errorf("alerts: unknown rule type %q", rule.RuleType)
}

func minutesSince(t, now time.Time) decimal.Decimal {
	d := now.Sub(t)
	if d < 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(d / time.Minute))
}

// Message is the human-readable text for a firing.
func Message(rule model.AlertRule, value decimal.Decimal) string {
	scope := "workspace"
	if rule.AgentID != nil {
		scope = "agent " + *rule.AgentID
	}
	switch rule.RuleType {
	case model.RuleCostPerDay:
		return fmt.Sprintf("Cost today for %s is $%s, above the $%s limit", scope, value.StringFixed(4), rule.Threshold.String())
	case model.RuleErrorRate:
		return fmt.Sprintf("Error rate for %s over the last %d minutes is %s%%, above %s%%",
			scope, rule.WindowMinutes, value.Shift(2).StringFixed(1), rule.Threshold.Shift(2).String())
	case model.RuleNoHeartbeat:
		return fmt.Sprintf("No heartbeat from %s for %s minutes (limit %s)", scope, value.String(), rule.Threshold.String())
	}
	return fmt.Sprintf("%s for %s is %s (threshold %s)", rule.RuleType, scope, value, rule.Threshold)
}
