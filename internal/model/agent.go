package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is an observed agent inside a workspace. Rows are created on first
// sight (first event or run) and mutated only by interventions and reverts.
type Agent struct {
	ID             uuid.UUID  `json:"id"`
	WorkspaceID    uuid.UUID  `json:"workspace_id"`
	AgentID        string     `json:"agent_id"`
	Model          *string    `json:"model,omitempty"`
	IsActive       bool       `json:"is_active"`
	ThrottledUntil *time.Time `json:"throttled_until,omitempty"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Throttled reports whether the agent is rate-limited at now.
func (a Agent) Throttled(now time.Time) bool {
	return a.ThrottledUntil != nil && a.ThrottledUntil.After(now)
}

// Control returns the intervention-relevant snapshot of the agent.
func (a Agent) Control() AgentControl {
	return AgentControl{
		IsActive:       a.IsActive,
		Model:          a.Model,
		ThrottledUntil: a.ThrottledUntil,
	}
}

// AgentControl is the mutable control state that interventions act on.
// Audit rows store it as before/after snapshots.
type AgentControl struct {
	IsActive       bool       `json:"is_active"`
	Model          *string    `json:"model,omitempty"`
	ThrottledUntil *time.Time `json:"throttled_until,omitempty"`
}

// RevertControl undoes the change an intervention made from before to
// after, applied onto the agent's current state. Only fields that action
// changed are restored, and only while current still holds the value it
// set; a field a later intervention has since changed is left alone. ok is
// false when nothing remains to restore.
func RevertControl(before, after, current AgentControl) (AgentControl, bool) {
	out := current
	ok := false
	if before.IsActive != after.IsActive && current.IsActive == after.IsActive {
		out.IsActive = before.IsActive
		ok = true
	}
	if !sameString(before.Model, after.Model) && sameString(current.Model, after.Model) {
		out.Model = before.Model
		ok = true
	}
	if !sameTime(before.ThrottledUntil, after.ThrottledUntil) && sameTime(current.ThrottledUntil, after.ThrottledUntil) {
		out.ThrottledUntil = before.ThrottledUntil
		ok = true
	}
	return out, ok
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameTime compares at the database's microsecond resolution.
func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Sub(*b).Abs() <= time.Microsecond
}

// ValidateAgentID checks that an agent_id is non-empty, bounded, and uses
// only characters safe for URLs and log lines.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > MaxAgentIDLen {
		return fmt.Errorf("agent_id must be at most %d characters", MaxAgentIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
