package model

import (
	"time"

	"github.com/google/uuid"
)

// Health statuses.
const (
	HealthStatusScored = "scored"
	HealthStatusNoData = "no_data"
)

// HealthScore is the composite daily quality score for one agent. When
// Status is no_data the score fields are nil: absence of activity is not a
// bad score.
type HealthScore struct {
	WorkspaceID    uuid.UUID `json:"workspace_id"`
	AgentID        string    `json:"agent_id"`
	Date           time.Time `json:"date"`
	Status         string    `json:"status"`
	OverallScore   *float64  `json:"overall_score,omitempty"`
	ErrorRateScore *float64  `json:"error_rate_score,omitempty"`
	LatencyScore   *float64  `json:"latency_score,omitempty"`
	CostScore      *float64  `json:"cost_score,omitempty"`
	ActivityScore  *float64  `json:"activity_score,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// HasData reports whether the score was computed from a metric row.
func (h HealthScore) HasData() bool { return h.Status == HealthStatusScored }
