package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PolicyType selects the aggregate a risk policy caps.
type PolicyType string

const (
	PolicySpendCap     PolicyType = "spend_cap"
	PolicyErrorRateCap PolicyType = "error_rate_cap"
	PolicyTokenRateCap PolicyType = "token_rate_cap"
)

// ActionType is the intervention a policy executes on breach.
type ActionType string

const (
	ActionAlertOnly      ActionType = "alert_only"
	ActionThrottle       ActionType = "throttle"
	ActionModelDowngrade ActionType = "model_downgrade"
	ActionPauseAgent     ActionType = "pause_agent"
	// ActionRevert is recorded when an operator restores a prior state.
	ActionRevert ActionType = "revert"
)

// DefaultThrottleMinutes applies when a throttle policy does not set one.
const DefaultThrottleMinutes = 60

// RiskPolicy is safety configuration. This service evaluates policies but
// never mutates them.
type RiskPolicy struct {
	ID              uuid.UUID       `json:"id"`
	WorkspaceID     uuid.UUID       `json:"workspace_id"`
	AgentID         *string         `json:"agent_id,omitempty"`
	PolicyType      PolicyType      `json:"policy_type"`
	Threshold       decimal.Decimal `json:"threshold"`
	ActionType      ActionType      `json:"action_type"`
	ActionParams    ActionParams    `json:"action_params"`
	WindowMinutes   int             `json:"window_minutes"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	Enabled         bool            `json:"enabled"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// InCooldown reports whether the policy fired less than CooldownMinutes before now.
func (p RiskPolicy) InCooldown(now time.Time) bool {
	return inCooldown(p.LastTriggeredAt, p.CooldownMinutes, now)
}

// ActionParams tunes an intervention.
type ActionParams struct {
	ThrottleMinutes int    `json:"throttle_minutes,omitempty"`
	DowngradeModel  string `json:"downgrade_model,omitempty"`
}

// RiskEvent is an append-only breach record.
type RiskEvent struct {
	ID          uuid.UUID       `json:"id"`
	PolicyID    uuid.UUID       `json:"policy_id"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	AgentID     *string         `json:"agent_id,omitempty"`
	BreachValue decimal.Decimal `json:"breach_value"`
	Threshold   decimal.Decimal `json:"threshold"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// RiskAuditEntry is an append-only record of one automated or operator
// action with the agent's control state before and after.
type RiskAuditEntry struct {
	ID          uuid.UUID       `json:"id"`
	PolicyID    *uuid.UUID      `json:"policy_id,omitempty"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	AgentID     string          `json:"agent_id"`
	ActionTaken ActionType      `json:"action_taken"`
	Success     bool            `json:"success"`
	Error       *string         `json:"error,omitempty"`
	BeforeState json.RawMessage `json:"before_state"`
	AfterState  json.RawMessage `json:"after_state"`
	RevertsID   *uuid.UUID      `json:"reverts_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditFilters are the filters for GET /v1/risk/audit.
type AuditFilters struct {
	AgentID string
	Action  ActionType
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// Intervention is the outcome of one executed policy action.
type Intervention struct {
	Policy  RiskPolicy     `json:"policy"`
	Event   RiskEvent      `json:"event"`
	Audit   RiskAuditEntry `json:"audit"`
	AgentID string         `json:"agent_id"`
}

// ControlCommand is published to the control bus after an intervention
// commits so agent runtimes can react without polling.
type ControlCommand struct {
	WorkspaceID uuid.UUID    `json:"workspace_id"`
	AgentID     string       `json:"agent_id"`
	Action      ActionType   `json:"action"`
	AuditID     uuid.UUID    `json:"audit_id"`
	State       AgentControl `json:"state"`
	IssuedAt    time.Time    `json:"issued_at"`
}
