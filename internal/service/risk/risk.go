// Package risk evaluates safety policies and executes interventions on the
// agents that breach them.
//
// The breach record, the control-state change and the audit row commit in
// one transaction (see storage.ExecuteIntervention). Control commands,
// notifications and SSE fan-out follow after commit and never change state.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/control"
	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/notify"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// Service evaluates risk policies.
type Service struct {
	db            *storage.DB
	tiers         *tier.Registry
	publisher     control.Publisher
	dispatcher    *notify.Dispatcher
	globalWebhook string
	logger        *slog.Logger
	unitBudget    time.Duration
	now           func() time.Time

	interventions metric.Int64Counter
}

// New creates a risk service. A nil publisher means control commands are
// not published.
func New(db *storage.DB, tiers *tier.Registry, publisher control.Publisher, dispatcher *notify.Dispatcher, globalWebhook string, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = control.Noop{}
	}
	meter := telemetry.Meter("risk")
	interventions, _ := meter.Int64Counter("kansoku.interventions",
		metric.WithDescription("Interventions executed, by action and outcome"),
	)
	return &Service{
		db:            db,
		tiers:         tiers,
		publisher:     publisher,
		dispatcher:    dispatcher,
		globalWebhook: globalWebhook,
		logger:        logger,
		unitBudget:    jobs.DefaultUnitBudget,
		now:           time.Now,
		interventions: interventions,
	}
}

// Policies lists a workspace's policies.
func (s *Service) Policies(ctx context.Context, workspaceID uuid.UUID) ([]model.RiskPolicy, error) {
	return s.db.ListRiskPolicies(ctx, workspaceID)
}

// Events lists breach records, optionally for one agent.
func (s *Service) Events(ctx context.Context, workspaceID uuid.UUID, agentID string, limit, offset int) ([]model.RiskEvent, int, error) {
	return s.db.ListRiskEvents(ctx, workspaceID, agentID, limit, offset)
}

// Audit lists audit rows.
func (s *Service) Audit(ctx context.Context, workspaceID uuid.UUID, f model.AuditFilters) ([]model.RiskAuditEntry, int, error) {
	return s.db.ListAudit(ctx, workspaceID, f)
}

// Evaluate checks every enabled policy once.
func (s *Service) Evaluate(ctx context.Context, now time.Time) (model.JobSummary, error) {
	var summary model.JobSummary
	policies, err := s.db.ListEnabledRiskPolicies(ctx)
	if err != nil {
		return summary, err
	}
	now = now.UTC()

	for i, p := range policies {
		if !jobs.HasTime(ctx, s.unitBudget) {
			summary.Truncated = true
			summary.Remaining = len(policies) - i
			break
		}
		if p.InCooldown(now) {
			summary.Skipped++
			continue
		}
		fired, err := s.evaluatePolicy(ctx, p, now)
		if err != nil {
			summary.Failed++
			s.logger.Error("risk: policy evaluation failed", "policy_id", p.ID, "workspace_id", p.WorkspaceID, "error", err)
			continue
		}
		summary.Processed++
		if fired {
			summary.Fired++
		}
	}
	return summary, nil
}

func (s *Service) evaluatePolicy(ctx context.Context, p model.RiskPolicy, now time.Time) (bool, error) {
	value, err := Measure(ctx, s.db, p, now)
	if err != nil {
		return false, err
	}
	if !value.GreaterThan(p.Threshold) {
		return false, nil
	}

	agentID, err := Target(ctx, s.db, p, now)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	mutate, err := Mutation(p, now)
	if err != nil {
		return false, err
	}
	iv, fired, err := s.db.ExecuteIntervention(ctx, p, agentID, value, now, mutate)
	if err != nil || !fired {
		return false, err
	}

	outcome := "success"
	if !iv.Audit.Success {
		outcome = "failed"
		s.logger.Warn("risk: intervention failed", "policy_id", p.ID, "agent_id", agentID,
			"action", p.ActionType, "error", derefString(iv.Audit.Error))
	}
	s.interventions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(p.ActionType)),
		attribute.String("outcome", outcome),
	))
	s.afterIntervention(ctx, iv, value, now)
	return true, nil
}

func (s *Service) afterIntervention(ctx context.Context, iv model.Intervention, value decimal.Decimal, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	audit := iv.Audit

	if audit.Success && audit.ActionTaken != model.ActionAlertOnly {
		s.publish(ctx, audit, now)
	}
	s.fanOut(ctx, audit.WorkspaceID, notify.KindIntervention, iv)

	t, err := s.targets(ctx, audit.WorkspaceID)
	if err != nil {
		s.logger.Warn("risk: resolve notification targets", "workspace_id", audit.WorkspaceID, "error", err)
		return
	}
	agentID := audit.AgentID
	s.dispatcher.Go(ctx, t, notify.Message{
		Text:        InterventionMessage(iv, value),
		WorkspaceID: audit.WorkspaceID,
		AgentID:     &agentID,
		Kind:        notify.KindIntervention,
		Value:       value,
		Threshold:   iv.Policy.Threshold,
	})
}

// Revert undoes the change an audit row recorded and appends the reversal
// as a new audit row. See storage.DB.RevertAudit for which fields qualify.
func (s *Service) Revert(ctx context.Context, workspaceID, auditID uuid.UUID) (model.RiskAuditEntry, error) {
	now := s.now().UTC()
	entry, err := s.db.RevertAudit(ctx, workspaceID, auditID, now)
	if err != nil {
		return model.RiskAuditEntry{}, err
	}
	bg := context.WithoutCancel(ctx)
	s.publish(bg, entry, now)
	s.fanOut(bg, workspaceID, notify.KindRevert, entry)
	s.interventions.Add(bg, 1, metric.WithAttributes(
		attribute.String("action", string(model.ActionRevert)),
		attribute.String("outcome", "success"),
	))
	return entry, nil
}

func (s *Service) publish(ctx context.Context, audit model.RiskAuditEntry, now time.Time) {
	var state model.AgentControl
	if err := json.Unmarshal(audit.AfterState, &state); err != nil {
		s.logger.Warn("risk: decode after state", "audit_id", audit.ID, "error", err)
		return
	}
	cmd := model.ControlCommand{
		WorkspaceID: audit.WorkspaceID,
		AgentID:     audit.AgentID,
		Action:      audit.ActionTaken,
		AuditID:     audit.ID,
		State:       state,
		IssuedAt:    now,
	}
	if err := s.publisher.Publish(ctx, cmd); err != nil {
		s.logger.Warn("risk: publish control command", "audit_id", audit.ID, "error", err)
	}
}

func (s *Service) fanOut(ctx context.Context, workspaceID uuid.UUID, kind string, data any) {
	payload, err := notify.Envelope{WorkspaceID: workspaceID, Kind: kind, Data: data}.Payload()
	if err != nil {
		s.logger.Warn("risk: encode notification", "error", err)
		return
	}
	if err := s.db.Notify(ctx, storage.ChannelInterventions, payload); err != nil {
		s.logger.Warn("risk: pg_notify failed", "workspace_id", workspaceID, "error", err)
	}
}

func (s *Service) targets(ctx context.Context, workspaceID uuid.UUID) (notify.Targets, error) {
	ws, err := s.db.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return notify.Targets{}, err
	}
	t, err := s.tiers.Get(ctx, workspaceID)
	if err != nil {
		return notify.Targets{}, err
	}
	return notify.Route(ws, t, nil, s.globalWebhook), nil
}

// Measure computes the aggregate a policy caps, over the policy's scope.
func Measure(ctx context.Context, db *storage.DB, p model.RiskPolicy, now time.Time) (decimal.Decimal, error) {
	since, metricName := window(p, now)
	stats, err := db.EventWindowStats(ctx, p.WorkspaceID, p.AgentID, since, now)
	if err != nil {
		return decimal.Zero, err
	}
	switch metricName {
	case storage.ContributionCost:
		return stats.CostUSD, nil
	case storage.ContributionErrors:
		return stats.ErrorRate(), nil
	default:
		return decimal.NewFromInt(stats.Tokens()), nil
	}
}

// Target returns the agent an intervention acts on: the policy's agent, or
// for a workspace-scoped policy the agent contributing most to the breached
// metric in the same window.
func Target(ctx context.Context, db *storage.DB, p model.RiskPolicy, now time.Time) (string, error) {
	if p.AgentID != nil {
		return *p.AgentID, nil
	}
	since, metricName := window(p, now)
	return db.TopContributor(ctx, p.WorkspaceID, metricName, since, now)
}

func window(p model.RiskPolicy, now time.Time) (time.Time, string) {
	switch p.PolicyType {
	case model.PolicySpendCap:
		return model.UTCDay(now), storage.ContributionCost
	case model.PolicyErrorRateCap:
		return now.Add(-windowDuration(p)), storage.ContributionErrors
	default:
		return now.Add(-windowDuration(p)), storage.ContributionTokens
	}
}

func windowDuration(p model.RiskPolicy) time.Duration {
	m := p.WindowMinutes
	if m <= 0 {
		m = model.DefaultWindowMinutes
	}
	return time.Duration(m) * time.Minute
}

// InterventionMessage is the human-readable text for an intervention.
func InterventionMessage(iv model.Intervention, value decimal.Decimal) string {
	p := iv.Policy
	if !iv.Audit.Success {
		return fmt.Sprintf("Policy %s breached by %s (%s > %s) but %s failed: %s",
			p.PolicyType, iv.AgentID, value.String(), p.Threshold.String(), p.ActionType, derefString(iv.Audit.Error))
	}
	return fmt.Sprintf("Policy %s breached by %s (%s > %s); action %s applied",
		p.PolicyType, iv.AgentID, value.String(), p.Threshold.String(), p.ActionType)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
