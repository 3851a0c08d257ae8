// Package aggregate rolls raw events and runs up into per-agent daily
// metrics. Every unit recomputes its row from scratch and upserts it, so
// re-running a day is harmless.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// DefaultConcurrency bounds parallel aggregation units.
const DefaultConcurrency = 4

// Service computes daily metrics.
type Service struct {
	db          *storage.DB
	logger      *slog.Logger
	concurrency int
	unitBudget  time.Duration
}

// New creates an aggregation service. concurrency <= 0 uses DefaultConcurrency.
func New(db *storage.DB, concurrency int, logger *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Service{db: db, logger: logger, concurrency: concurrency, unitBudget: jobs.DefaultUnitBudget}
}

// AggregateDay recomputes and stores the metric row for one agent-day.
func (s *Service) AggregateDay(ctx context.Context, key model.AgentDay) (model.DailyMetric, error) {
	return s.db.AggregateDay(ctx, key, Reduce)
}

// Run aggregates every agent active on date. Failed units are logged and
// counted; the rest continue. Units are not started once the deadline is
// too close to finish one.
func (s *Service) Run(ctx context.Context, date time.Time) (model.JobSummary, error) {
	var summary model.JobSummary
	keys, err := s.db.ListAgentDays(ctx, date)
	if err != nil {
		return summary, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		if !jobs.HasTime(gctx, s.unitBudget) {
			mu.Lock()
			summary.Truncated = true
			summary.Remaining = len(keys) - i
			mu.Unlock()
			break
		}
		g.Go(func() error {
			_, err := s.AggregateDay(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				s.logger.Error("aggregate: unit failed",
					"workspace_id", key.WorkspaceID, "agent_id", key.AgentID,
					"date", key.Date.Format(model.DateLayout), "error", err)
				return nil
			}
			summary.Processed++
			return nil
		})
	}
	_ = g.Wait()
	return summary, nil
}

// Reduce turns raw day stats into a metric row. Latencies must be sorted
// ascending.
func Reduce(raw model.DayRawStats) model.DailyMetric {
	m := model.DailyMetric{
		TotalRuns:      raw.TotalRuns,
		SuccessfulRuns: raw.SuccessfulRuns,
		FailedRuns:     raw.FailedRuns,
		TotalEvents:    raw.TotalEvents,
		ErrorEvents:    raw.ErrorEvents,
		TokensIn:       raw.TokensIn,
		TokensOut:      raw.TokensOut,
		TotalCostUSD:   raw.TotalCostUSD,
		LatencyP50MS:   Percentile(raw.Latencies, 50),
		LatencyP95MS:   Percentile(raw.Latencies, 95),
		ModelsUsed:     raw.ModelsUsed,
	}
	if raw.TotalEvents > 0 {
		rate := decimal.NewFromInt(raw.ErrorEvents).Div(decimal.NewFromInt(raw.TotalEvents)).Round(4)
		m.ErrorRate = rate.InexactFloat64()
	}
	return m
}

// Percentile returns the nearest-rank value at index (n-1)*p/100 of sorted
// values, or 0 for an empty slice.
func Percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	p = max(0, min(p, 100))
	return sorted[(len(sorted)-1)*p/100]
}
