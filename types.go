package kansoku

import (
	"time"

	"github.com/google/uuid"
)

// ControlCommand is the public form of an intervention published after it
// commits. Runtimes consume it to pause, throttle or downgrade an agent.
// No internal package imports, so it is safe to use from outside the module.
// Action is one of throttle, model_downgrade, pause_agent or revert.
type ControlCommand struct {
	WorkspaceID uuid.UUID
	AgentID     string
	Action      string
	AuditID     uuid.UUID
	State       AgentState
	IssuedAt    time.Time
}

// AgentState is an agent's control state after an intervention.
type AgentState struct {
	IsActive       bool
	Model          *string
	ThrottledUntil *time.Time
}

// JobSummary reports one scheduled job invocation.
type JobSummary struct {
	Job       string
	Processed int
	Fired     int
	Failed    int
	Skipped   int
	Remaining int
	Truncated bool
	StartedAt time.Time
	Duration  time.Duration
}

// Workspace is a tenant created through App.CreateWorkspace.
type Workspace struct {
	ID        uuid.UUID
	Name      string
	Tier      string
	CreatedAt time.Time
}

// APIKey is a newly minted key. RawKey is shown exactly once.
type APIKey struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Prefix      string
	Label       string
	RawKey      string
	ExpiresAt   *time.Time
}
