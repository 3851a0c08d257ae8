package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool { return s == RunStatusSuccess || s == RunStatusError }

// Run is a bounded execution span with running totals accumulated from
// every event tagged with its id while it is open.
type Run struct {
	ID          uuid.UUID       `json:"run_id"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	AgentID     string          `json:"agent_id"`
	Status      RunStatus       `json:"status"`
	TokensIn    int64           `json:"tokens_in"`
	TokensOut   int64           `json:"tokens_out"`
	CostUSD     decimal.Decimal `json:"cost_usd"`
	LatencyMS   int64           `json:"latency_ms"`
	ToolCalls   int64           `json:"tool_calls"`
	EventCount  int64           `json:"event_count"`
	Error       *string         `json:"error,omitempty"`
	Metadata    map[string]any  `json:"metadata"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	// Stale is computed at read time: still running and older than the
	// configured threshold. Runs are never auto-closed.
	Stale bool `json:"stale"`
}

// StartRunRequest is the request body for POST /v1/runs.
type StartRunRequest struct {
	RunID    *uuid.UUID     `json:"run_id,omitempty"`
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FinishRunRequest is the request body for POST /v1/runs/{run_id}/finish.
type FinishRunRequest struct {
	Status RunStatus `json:"status"`
	Error  *string   `json:"error,omitempty"`
}

// RunDelta is the contribution of one event to its run's totals.
type RunDelta struct {
	TokensIn  int64
	TokensOut int64
	CostUSD   decimal.Decimal
	LatencyMS int64
	ToolCalls int64
}
