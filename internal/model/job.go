package model

import "time"

// Scheduled job names.
const (
	JobAggregate = "aggregate"
	JobAlerts    = "alerts"
	JobRisk      = "risk"
	JobHealth    = "health"
	JobRetention = "retention"
)

// JobSummary reports one scheduled invocation. Truncated means the job
// stopped early to respect its deadline; the remaining units run next tick.
type JobSummary struct {
	Job        string         `json:"job"`
	Processed  int            `json:"processed"`
	Fired      int            `json:"fired"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Remaining  int            `json:"remaining"`
	Truncated  bool           `json:"truncated"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Details    map[string]any `json:"details,omitempty"`
}
