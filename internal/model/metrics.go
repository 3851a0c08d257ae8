package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for calendar dates. Dates are always UTC.
const DateLayout = "2006-01-02"

// UTCDay truncates t to midnight UTC.
func UTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date as a UTC day.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// LastDay returns the UTC day holding the last instant before the
// exclusive bound to. Day-keyed queries use it to turn a [from, to) time
// range into an inclusive day range.
func LastDay(to time.Time) time.Time {
	return UTCDay(to.Add(-time.Nanosecond))
}

// DailyMetric is the per-day, per-agent rollup. Produced only by the
// aggregator; recomputation replaces the row.
type DailyMetric struct {
	WorkspaceID    uuid.UUID        `json:"workspace_id"`
	AgentID        string           `json:"agent_id"`
	Date           time.Time        `json:"date"`
	TotalRuns      int64            `json:"total_runs"`
	SuccessfulRuns int64            `json:"successful_runs"`
	FailedRuns     int64            `json:"failed_runs"`
	TotalEvents    int64            `json:"total_events"`
	ErrorEvents    int64            `json:"error_events"`
	TokensIn       int64            `json:"tokens_in"`
	TokensOut      int64            `json:"tokens_out"`
	TotalCostUSD   decimal.Decimal  `json:"total_cost_usd"`
	LatencyP50MS   int64            `json:"latency_p50_ms"`
	LatencyP95MS   int64            `json:"latency_p95_ms"`
	ModelsUsed     map[string]int64 `json:"models_used"`
	ErrorRate      float64          `json:"error_rate"`
	ComputedAt     time.Time        `json:"computed_at"`
}

// AgentDay identifies one aggregation unit.
type AgentDay struct {
	WorkspaceID uuid.UUID
	AgentID     string
	Date        time.Time
}

// DayRawStats is the raw input the aggregator reduces into a DailyMetric.
type DayRawStats struct {
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	TotalEvents    int64
	ErrorEvents    int64
	TokensIn       int64
	TokensOut      int64
	TotalCostUSD   decimal.Decimal
	Latencies      []int64
	ModelsUsed     map[string]int64
}

// Overview is the response for GET /v1/overview.
type Overview struct {
	Today        OverviewToday  `json:"today"`
	Window       OverviewWindow `json:"window"`
	ActiveAgents int64          `json:"active_agents"`
	PausedAgents int64          `json:"paused_agents"`
	OpenAlerts   int64          `json:"open_alerts"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// OverviewToday holds live KPIs for the current UTC day.
type OverviewToday struct {
	Date        time.Time       `json:"date"`
	Events      int64           `json:"events"`
	ErrorEvents int64           `json:"error_events"`
	ErrorRate   float64         `json:"error_rate"`
	Runs        int64           `json:"runs"`
	TokensIn    int64           `json:"tokens_in"`
	TokensOut   int64           `json:"tokens_out"`
	CostUSD     decimal.Decimal `json:"cost_usd"`
}

// OverviewWindow holds totals over the trailing window of aggregated days.
type OverviewWindow struct {
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Days       int             `json:"days"`
	Runs       int64           `json:"runs"`
	FailedRuns int64           `json:"failed_runs"`
	Events     int64           `json:"events"`
	TokensIn   int64           `json:"tokens_in"`
	TokensOut  int64           `json:"tokens_out"`
	CostUSD    decimal.Decimal `json:"cost_usd"`
}
