package kansoku

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types accepted by POST /v1/events.
const (
	EventRunStarted     = "run_started"
	EventRunFinished    = "run_finished"
	EventActionStarted  = "action_started"
	EventActionFinished = "action_finished"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventLLMCall        = "llm_call"
	EventError          = "error"
	EventMetric         = "metric"
	EventHeartbeat      = "heartbeat"
)

// Event is one observation reported by an agent.
type Event struct {
	AgentID   string     `json:"agent_id"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	EventType string     `json:"event_type"`
	Status    string     `json:"status,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Model     string     `json:"model,omitempty"`
	TokensIn  int64      `json:"tokens_in,omitempty"`
	TokensOut int64      `json:"tokens_out,omitempty"`

	// CostUSD is computed server-side from pricing when nil.
	CostUSD    *decimal.Decimal `json:"cost_usd,omitempty"`
	LatencyMS  int64            `json:"latency_ms,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	DedupeKey  string           `json:"dedupe_key,omitempty"`
	OccurredAt *time.Time       `json:"occurred_at,omitempty"`
}

// ItemResult is the server's verdict on one event of a batch.
type ItemResult struct {
	Index           int        `json:"index"`
	ID              *uuid.UUID `json:"id,omitempty"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	Message         string     `json:"message,omitempty"`
	UpgradeRequired bool       `json:"upgrade_required,omitempty"`
	PricingMissing  bool       `json:"pricing_missing,omitempty"`
	RunLinked       bool       `json:"run_linked,omitempty"`
}

// Result is the outcome of a reporting call. OK is true when the request
// reached the server and no item was rejected.
type Result struct {
	OK         bool
	Err        error
	StatusCode int
	Accepted   int
	Duplicates int
	Rejected   int
	Items      []ItemResult
}

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunError   = "error"
)

// Run is an agent run as reported by the server.
type Run struct {
	RunID      uuid.UUID       `json:"run_id"`
	AgentID    string          `json:"agent_id"`
	Status     string          `json:"status"`
	TokensIn   int64           `json:"tokens_in"`
	TokensOut  int64           `json:"tokens_out"`
	CostUSD    decimal.Decimal `json:"cost_usd"`
	LatencyMS  int64           `json:"latency_ms"`
	ToolCalls  int             `json:"tool_calls"`
	EventCount int             `json:"event_count"`
	Error      *string         `json:"error,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Stale      bool            `json:"stale"`
}

// StartRunRequest starts a run. RunID is generated by the server when nil.
type StartRunRequest struct {
	RunID    *uuid.UUID     `json:"run_id,omitempty"`
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type finishRunRequest struct {
	Status string  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

// AgentState is the control state a runtime should honour before doing work.
type AgentState struct {
	AgentID        string     `json:"agent_id"`
	IsActive       bool       `json:"is_active"`
	Model          *string    `json:"model,omitempty"`
	ThrottledUntil *time.Time `json:"throttled_until,omitempty"`
}

// Throttled reports whether the agent is throttled at now.
func (s AgentState) Throttled(now time.Time) bool {
	return s.ThrottledUntil != nil && now.Before(*s.ThrottledUntil)
}

// MayRun reports whether the agent may start work at now.
func (s AgentState) MayRun(now time.Time) bool {
	return s.IsActive && !s.Throttled(now)
}

type ingestResult struct {
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Results    []ItemResult `json:"results"`
}
