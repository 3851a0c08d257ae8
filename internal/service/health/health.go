// Package health provides composite daily health scoring for agents.
// Scores (0-100) summarise one day of an agent's metrics so operators can
// rank agents without reading every chart.
package health

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Component weights. They sum to 1.
const (
	WeightErrorRate = 0.40
	WeightLatency   = 0.25
	WeightCost      = 0.20
	WeightActivity  = 0.15
)

// Scoring anchors.
const (
	errorRateCeiling  = 0.5
	latencyGoodMS     = 1000
	latencyBadMS      = 30000
	activityRunTarget = 20
	activityEvtTarget = 100
)

var (
	costGood = decimal.RequireFromString("0.01")
	costBad  = decimal.NewFromInt(1)
)

// Score computes the health score for one metric row. A nil metric yields
// status no_data with nil components: no activity is not a bad score.
//
// Components, each 0-100:
//   - error rate: 100 at 0, 0 at or above 50%
//   - latency (p95): 100 at or below 1s, 0 at or above 30s, linear between
//   - cost per run (per event when there are no runs): 100 at or below $0.01, 0 at or above $1
//   - activity: runs against a target of 20, falling back to events against 100
func Score(m *model.DailyMetric) model.HealthScore {
	if m == nil {
		return model.HealthScore{Status: model.HealthStatusNoData}
	}

	errScore := 100 * (1 - math.Min(m.ErrorRate/errorRateCeiling, 1))
	latScore := linearDown(float64(m.LatencyP95MS), latencyGoodMS, latencyBadMS)
	costScore := costComponent(m)

	var activity float64
	if m.TotalRuns > 0 {
		activity = math.Min(float64(m.TotalRuns)/activityRunTarget, 1) * 100
	} else {
		activity = math.Min(float64(m.TotalEvents)/activityEvtTarget, 1) * 100
	}

	overall := WeightErrorRate*errScore + WeightLatency*latScore + WeightCost*costScore + WeightActivity*activity

	return model.HealthScore{
		WorkspaceID:    m.WorkspaceID,
		AgentID:        m.AgentID,
		Date:           m.Date,
		Status:         model.HealthStatusScored,
		OverallScore:   ptr(round2(overall)),
		ErrorRateScore: ptr(round2(errScore)),
		LatencyScore:   ptr(round2(latScore)),
		CostScore:      ptr(round2(costScore)),
		ActivityScore:  ptr(round2(activity)),
	}
}

func costComponent(m *model.DailyMetric) float64 {
	var per decimal.Decimal
	switch {
	case m.TotalRuns > 0:
		per = m.TotalCostUSD.Div(decimal.NewFromInt(m.TotalRuns))
	case m.TotalEvents > 0:
		per = m.TotalCostUSD.Div(decimal.NewFromInt(m.TotalEvents))
	default:
		return 100
	}
	switch {
	case per.LessThanOrEqual(costGood):
		return 100
	case per.GreaterThanOrEqual(costBad):
		return 0
	}
	// 100 * (bad - per) / (bad - good), in decimal until the end.
	frac := costBad.Sub(per).Div(costBad.Sub(costGood))
	return frac.Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// linearDown maps v to 100 at or below good, 0 at or above bad.
func linearDown(v, good, bad float64) float64 {
	switch {
	case v <= good:
		return 100
	case v >= bad:
		return 0
	}
	return 100 * (bad - v) / (bad - good)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func ptr(f float64) *float64 { return &f }

// Service persists health scores.
type Service struct {
	db         *storage.DB
	logger     *slog.Logger
	unitBudget time.Duration
	now        func() time.Time
}

// New creates a health service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger, unitBudget: jobs.DefaultUnitBudget, now: time.Now}
}

// ScoreDay scores an agent-day from its stored metric and upserts the
// result. With no metric nothing is written and a no_data score returned.
func (s *Service) ScoreDay(ctx context.Context, key model.AgentDay) (model.HealthScore, error) {
	day := model.UTCDay(key.Date)
	m, err := s.db.GetDailyMetric(ctx, key.WorkspaceID, key.AgentID, day)
	if errors.Is(err, storage.ErrNotFound) {
		return model.HealthScore{WorkspaceID: key.WorkspaceID, AgentID: key.AgentID, Date: day, Status: model.HealthStatusNoData}, nil
	}
	if err != nil {
		return model.HealthScore{}, err
	}
	return s.store(ctx, m)
}

func (s *Service) store(ctx context.Context, m model.DailyMetric) (model.HealthScore, error) {
	h := Score(&m)
	h.ComputedAt = s.now().UTC()
	if err := s.db.UpsertHealthScore(ctx, h); err != nil {
		return model.HealthScore{}, err
	}
	return h, nil
}

// Get returns the stored score for an agent-day or a no_data score.
func (s *Service) Get(ctx context.Context, key model.AgentDay) (model.HealthScore, error) {
	day := model.UTCDay(key.Date)
	h, err := s.db.GetHealthScore(ctx, key.WorkspaceID, key.AgentID, day)
	if errors.Is(err, storage.ErrNotFound) {
		return model.HealthScore{WorkspaceID: key.WorkspaceID, AgentID: key.AgentID, Date: day, Status: model.HealthStatusNoData}, nil
	}
	return h, err
}

// Run scores every metric row of date.
func (s *Service) Run(ctx context.Context, date time.Time) (model.JobSummary, error) {
	var summary model.JobSummary
	metrics, err := s.db.ListDailyMetricsForDate(ctx, date)
	if err != nil {
		return summary, err
	}
	for i, m := range metrics {
		if !jobs.HasTime(ctx, s.unitBudget) {
			summary.Truncated = true
			summary.Remaining = len(metrics) - i
			break
		}
		if _, err := s.store(ctx, m); err != nil {
			summary.Failed++
			s.logger.Error("health: unit failed", "workspace_id", m.WorkspaceID, "agent_id", m.AgentID,
				"date", m.Date.Format(model.DateLayout), "error", err)
			continue
		}
		summary.Processed++
	}
	return summary, nil
}
