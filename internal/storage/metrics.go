package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

const dailyMetricColumns = `workspace_id, agent_id, date, total_runs, successful_runs, failed_runs, total_events,
	error_events, tokens_in, tokens_out, total_cost_usd, latency_p50_ms, latency_p95_ms, models_used,
	error_rate, computed_at`

func scanDailyMetric(row pgx.Row) (model.DailyMetric, error) {
	var m model.DailyMetric
	err := row.Scan(&m.WorkspaceID, &m.AgentID, &m.Date, &m.TotalRuns, &m.SuccessfulRuns, &m.FailedRuns,
		&m.TotalEvents, &m.ErrorEvents, &m.TokensIn, &m.TokensOut, &m.TotalCostUSD, &m.LatencyP50MS,
		&m.LatencyP95MS, &m.ModelsUsed, &m.ErrorRate, &m.ComputedAt)
	if m.ModelsUsed == nil {
		m.ModelsUsed = map[string]int64{}
	}
	return m, err
}

// ListAgentDays returns every (workspace, agent) pair with events or runs on
// the given UTC day.
func (db *DB) ListAgentDays(ctx context.Context, day time.Time) ([]model.AgentDay, error) {
	start := model.UTCDay(day)
	end := start.AddDate(0, 0, 1)
	rows, err := db.pool.Query(ctx,
		`SELECT workspace_id, agent_id FROM events WHERE created_at >= $1 AND created_at < $2
		 UNION
		 SELECT workspace_id, agent_id FROM runs WHERE started_at >= $1 AND started_at < $2
		 ORDER BY 1, 2`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent days: %w", err)
	}
	defer rows.Close()

	var out []model.AgentDay
	for rows.Next() {
		k := model.AgentDay{Date: start}
		if err := rows.Scan(&k.WorkspaceID, &k.AgentID); err != nil {
			return nil, fmt.Errorf("storage: scan agent day: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// AggregateDay loads the raw stats for one agent-day, reduces them with
// reduce and upserts the result, all in one transaction.
func (db *DB) AggregateDay(ctx context.Context, key model.AgentDay, reduce func(model.DayRawStats) model.DailyMetric) (model.DailyMetric, error) {
	start := model.UTCDay(key.Date)
	end := start.AddDate(0, 0, 1)

	var out model.DailyMetric
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		raw, err := loadDayStatsTx(ctx, tx, key.WorkspaceID, key.AgentID, start, end)
		if err != nil {
			return err
		}
		m := reduce(raw)
		m.WorkspaceID = key.WorkspaceID
		m.AgentID = key.AgentID
		m.Date = start
		if m.ModelsUsed == nil {
			m.ModelsUsed = map[string]int64{}
		}

		out, err = scanDailyMetric(tx.QueryRow(ctx,
			`INSERT INTO daily_metrics (workspace_id, agent_id, date, total_runs, successful_runs, failed_runs,
			     total_events, error_events, tokens_in, tokens_out, total_cost_usd, latency_p50_ms, latency_p95_ms,
			     models_used, error_rate, computed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
			 ON CONFLICT (workspace_id, agent_id, date) DO UPDATE SET
			     total_runs = EXCLUDED.total_runs,
			     successful_runs = EXCLUDED.successful_runs,
			     failed_runs = EXCLUDED.failed_runs,
			     total_events = EXCLUDED.total_events,
			     error_events = EXCLUDED.error_events,
			     tokens_in = EXCLUDED.tokens_in,
			     tokens_out = EXCLUDED.tokens_out,
			     total_cost_usd = EXCLUDED.total_cost_usd,
			     latency_p50_ms = EXCLUDED.latency_p50_ms,
			     latency_p95_ms = EXCLUDED.latency_p95_ms,
			     models_used = EXCLUDED.models_used,
			     error_rate = EXCLUDED.error_rate,
			     computed_at = EXCLUDED.computed_at
			 RETURNING `+dailyMetricColumns,
			m.WorkspaceID, m.AgentID, m.Date, m.TotalRuns, m.SuccessfulRuns, m.FailedRuns,
			m.TotalEvents, m.ErrorEvents, m.TokensIn, m.TokensOut, m.TotalCostUSD, m.LatencyP50MS, m.LatencyP95MS,
			m.ModelsUsed, m.ErrorRate,
		))
		if err != nil {
			return fmt.Errorf("upsert daily metric: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.DailyMetric{}, fmt.Errorf("storage: aggregate day: %w", err)
	}
	return out, nil
}

func loadDayStatsTx(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, agentID string, start, end time.Time) (model.DayRawStats, error) {
	raw := model.DayRawStats{ModelsUsed: map[string]int64{}}

	err := tx.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'success'),
		        COUNT(*) FILTER (WHERE status = 'error')
		 FROM runs WHERE workspace_id = $1 AND agent_id = $2 AND started_at >= $3 AND started_at < $4`,
		workspaceID, agentID, start, end,
	).Scan(&raw.TotalRuns, &raw.SuccessfulRuns, &raw.FailedRuns)
	if err != nil {
		return raw, fmt.Errorf("load run stats: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE event_type = 'error' OR status = 'error'),
		        COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM events WHERE workspace_id = $1 AND agent_id = $2 AND created_at >= $3 AND created_at < $4`,
		workspaceID, agentID, start, end,
	).Scan(&raw.TotalEvents, &raw.ErrorEvents, &raw.TokensIn, &raw.TokensOut, &raw.TotalCostUSD)
	if err != nil {
		return raw, fmt.Errorf("load event stats: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT latency_ms FROM events
		 WHERE workspace_id = $1 AND agent_id = $2 AND created_at >= $3 AND created_at < $4
		   AND event_type IN ('llm_call', 'tool_call') AND latency_ms IS NOT NULL
		 ORDER BY latency_ms`,
		workspaceID, agentID, start, end)
	if err != nil {
		return raw, fmt.Errorf("load latencies: %w", err)
	}
	raw.Latencies, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return raw, fmt.Errorf("load latencies: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT model, COUNT(*) FROM events
		 WHERE workspace_id = $1 AND agent_id = $2 AND created_at >= $3 AND created_at < $4
		   AND model IS NOT NULL AND event_type = 'llm_call'
		 GROUP BY model`,
		workspaceID, agentID, start, end)
	if err != nil {
		return raw, fmt.Errorf("load models: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return raw, fmt.Errorf("scan model count: %w", err)
		}
		raw.ModelsUsed[name] = n
	}
	return raw, rows.Err()
}

// GetDailyMetric returns one stored rollup or ErrNotFound.
func (db *DB) GetDailyMetric(ctx context.Context, workspaceID uuid.UUID, agentID string, day time.Time) (model.DailyMetric, error) {
	m, err := scanDailyMetric(db.pool.QueryRow(ctx,
		`SELECT `+dailyMetricColumns+` FROM daily_metrics WHERE workspace_id = $1 AND agent_id = $2 AND date = $3`,
		workspaceID, agentID, model.UTCDay(day)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DailyMetric{}, fmt.Errorf("storage: daily metric: %w", ErrNotFound)
		}
		return model.DailyMetric{}, fmt.Errorf("storage: get daily metric: %w", err)
	}
	return m, nil
}

// ListDailyMetrics returns an agent's rollups for days in [from, to], oldest first.
func (db *DB) ListDailyMetrics(ctx context.Context, workspaceID uuid.UUID, agentID string, from, to time.Time) ([]model.DailyMetric, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+dailyMetricColumns+` FROM daily_metrics
		 WHERE workspace_id = $1 AND agent_id = $2 AND date >= $3 AND date <= $4
		 ORDER BY date`,
		workspaceID, agentID, model.UTCDay(from), model.UTCDay(to))
	if err != nil {
		return nil, fmt.Errorf("storage: list daily metrics: %w", err)
	}
	return collectDailyMetrics(rows)
}

// ListDailyMetricsForDate returns every rollup of one UTC day.
func (db *DB) ListDailyMetricsForDate(ctx context.Context, day time.Time) ([]model.DailyMetric, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+dailyMetricColumns+` FROM daily_metrics WHERE date = $1 ORDER BY workspace_id, agent_id`,
		model.UTCDay(day))
	if err != nil {
		return nil, fmt.Errorf("storage: list daily metrics for date: %w", err)
	}
	return collectDailyMetrics(rows)
}

func collectDailyMetrics(rows pgx.Rows) ([]model.DailyMetric, error) {
	defer rows.Close()
	var out []model.DailyMetric
	for rows.Next() {
		m, err := scanDailyMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan daily metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// WindowTotals sums a workspace's daily rollups for days in [from, to].
func (db *DB) WindowTotals(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) (model.OverviewWindow, error) {
	w := model.OverviewWindow{From: model.UTCDay(from), To: model.UTCDay(to)}
	w.Days = int(w.To.Sub(w.From).Hours()/24) + 1
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_runs), 0), COALESCE(SUM(failed_runs), 0), COALESCE(SUM(total_events), 0),
		        COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(total_cost_usd), 0)
		 FROM daily_metrics WHERE workspace_id = $1 AND date >= $2 AND date <= $3`,
		workspaceID, w.From, w.To,
	).Scan(&w.Runs, &w.FailedRuns, &w.Events, &w.TokensIn, &w.TokensOut, &w.CostUSD)
	if err != nil {
		return model.OverviewWindow{}, fmt.Errorf("storage: window totals: %w", err)
	}
	return w, nil
}

// CountRunsStarted counts a workspace's runs started in [since, until).
func (db *DB) CountRunsStarted(ctx context.Context, workspaceID uuid.UUID, since, until time.Time) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE workspace_id = $1 AND started_at >= $2 AND started_at < $3`,
		workspaceID, since, until).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count runs: %w", err)
	}
	return n, nil
}
