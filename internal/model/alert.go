package model

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertRuleType selects the metric an alert rule watches.
type AlertRuleType string

const (
	RuleCostPerDay  AlertRuleType = "cost_per_day"
	RuleErrorRate   AlertRuleType = "error_rate"
	RuleNoHeartbeat AlertRuleType = "no_heartbeat"
)

// Valid reports whether t is a known rule type.
func (t AlertRuleType) Valid() bool {
	return t == RuleCostPerDay || t == RuleErrorRate || t == RuleNoHeartbeat
}

// Alert rule bounds.
const (
	DefaultWindowMinutes   = 60
	DefaultCooldownMinutes = 60
	MaxWindowMinutes       = 7 * 24 * 60
)

// AlertRule is an owner-defined threshold rule.
type AlertRule struct {
	ID              uuid.UUID       `json:"id"`
	WorkspaceID     uuid.UUID       `json:"workspace_id"`
	AgentID         *string         `json:"agent_id,omitempty"`
	RuleType        AlertRuleType   `json:"rule_type"`
	Threshold       decimal.Decimal `json:"threshold"`
	WindowMinutes   int             `json:"window_minutes"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	Enabled         bool            `json:"enabled"`
	WebhookURL      *string         `json:"webhook_url,omitempty"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	LastEvaluatedAt *time.Time      `json:"last_evaluated_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InCooldown reports whether the rule fired less than CooldownMinutes before now.
func (r AlertRule) InCooldown(now time.Time) bool {
	return inCooldown(r.LastTriggeredAt, r.CooldownMinutes, now)
}

func inCooldown(last *time.Time, cooldownMinutes int, now time.Time) bool {
	if last == nil {
		return false
	}
	return now.Sub(*last) < time.Duration(cooldownMinutes)*time.Minute
}

// CreateAlertRuleRequest is the body for POST /v1/alerts/rules.
type CreateAlertRuleRequest struct {
	AgentID         *string         `json:"agent_id,omitempty"`
	RuleType        AlertRuleType   `json:"rule_type"`
	Threshold       decimal.Decimal `json:"threshold"`
	WindowMinutes   *int            `json:"window_minutes,omitempty"`
	CooldownMinutes *int            `json:"cooldown_minutes,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
	WebhookURL      *string         `json:"webhook_url,omitempty"`
}

// UpdateAlertRuleRequest is the body for PATCH /v1/alerts/rules/{id}.
type UpdateAlertRuleRequest struct {
	Threshold       *decimal.Decimal `json:"threshold,omitempty"`
	WindowMinutes   *int             `json:"window_minutes,omitempty"`
	CooldownMinutes *int             `json:"cooldown_minutes,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
	WebhookURL      *string          `json:"webhook_url,omitempty"`
}

// ToRule applies defaults and validates the request.
func (r CreateAlertRuleRequest) ToRule(workspaceID uuid.UUID) (AlertRule, error) {
	rule := AlertRule{
		ID:              uuid.New(),
		WorkspaceID:     workspaceID,
		AgentID:         r.AgentID,
		RuleType:        r.RuleType,
		Threshold:       r.Threshold,
		WindowMinutes:   DefaultWindowMinutes,
		CooldownMinutes: DefaultCooldownMinutes,
		Enabled:         true,
		WebhookURL:      r.WebhookURL,
	}
	if r.WindowMinutes != nil {
		rule.WindowMinutes = *r.WindowMinutes
	}
	if r.CooldownMinutes != nil {
		rule.CooldownMinutes = *r.CooldownMinutes
	}
	if r.Enabled != nil {
		rule.Enabled = *r.Enabled
	}
	if r.AgentID != nil {
		if err := ValidateAgentID(*r.AgentID); err != nil {
			return AlertRule{}, err
		}
	}
	return rule, rule.Validate()
}

// Apply merges a partial update into the rule and validates the result.
func (r UpdateAlertRuleRequest) Apply(rule AlertRule) (AlertRule, error) {
	if r.Threshold != nil {
		rule.Threshold = *r.Threshold
	}
	if r.WindowMinutes != nil {
		rule.WindowMinutes = *r.WindowMinutes
	}
	if r.CooldownMinutes != nil {
		rule.CooldownMinutes = *r.CooldownMinutes
	}
	if r.Enabled != nil {
		rule.Enabled = *r.Enabled
	}
	if r.WebhookURL != nil {
		if *r.WebhookURL == "" {
			rule.WebhookURL = nil
		} else {
			rule.WebhookURL = r.WebhookURL
		}
	}
	return rule, rule.Validate()
}

// Validate checks rule fields.
func (r AlertRule) Validate() error {
	if !r.RuleType.Valid() {
		return fmt.Errorf("rule_type must be one of cost_per_day, error_rate, no_heartbeat")
	}
	if r.Threshold.IsNegative() {
		return fmt.Errorf("threshold must be non-negative")
	}
	if r.RuleType == RuleErrorRate && r.Threshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("error_rate threshold must be between 0 and 1")
	}
	if r.WindowMinutes < 1 || r.WindowMinutes > MaxWindowMinutes {
		return fmt.Errorf("window_minutes must be between 1 and %d", MaxWindowMinutes)
	}
	if r.CooldownMinutes < 0 || r.CooldownMinutes > MaxWindowMinutes {
		return fmt.Errorf("cooldown_minutes must be between 0 and %d", MaxWindowMinutes)
	}
	if r.WebhookURL != nil {
		if err := ValidateWebhookURL(*r.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWebhookURL requires an absolute http(s) URL.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook_url must be an absolute http or https URL")
	}
	if u.User != nil {
		return fmt.Errorf("webhook_url must not include credentials")
	}
	return nil
}

// AlertEvent is an append-only firing record.
type AlertEvent struct {
	ID             uuid.UUID       `json:"id"`
	RuleID         *uuid.UUID      `json:"rule_id"`
	WorkspaceID    uuid.UUID       `json:"workspace_id"`
	AgentID        *string         `json:"agent_id,omitempty"`
	RuleType       AlertRuleType   `json:"rule_type"`
	MetricValue    decimal.Decimal `json:"metric_value"`
	Threshold      decimal.Decimal `json:"threshold"`
	Message        string          `json:"message"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// AlertEventFilters are the filters for GET /v1/alerts/events.
type AlertEventFilters struct {
	RuleID       *uuid.UUID
	AgentID      string
	Acknowledged *bool
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}
