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

// UpsertHealthScore writes a scored day, replacing any earlier score for the
// same agent and date. Scores without data are not stored.
func (db *DB) UpsertHealthScore(ctx context.Context, h model.HealthScore) error {
	if !h.HasData() {
		return fmt.Errorf("storage: upsert health score: no data for %s", h.AgentID)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO health_scores_daily (workspace_id, agent_id, date, overall_score, error_rate_score,
		     latency_score, cost_score, activity_score, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (workspace_id, agent_id, date) DO UPDATE SET
		     overall_score = EXCLUDED.overall_score,
		     error_rate_score = EXCLUDED.error_rate_score,
		     latency_score = EXCLUDED.latency_score,
		     cost_score = EXCLUDED.cost_score,
		     activity_score = EXCLUDED.activity_score,
		     computed_at = EXCLUDED.computed_at`,
		h.WorkspaceID, h.AgentID, model.UTCDay(h.Date), *h.OverallScore, *h.ErrorRateScore,
		*h.LatencyScore, *h.CostScore, *h.ActivityScore, h.ComputedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert health score: %w", err)
	}
	return nil
}

const healthColumns = `workspace_id, agent_id, date, overall_score, error_rate_score, latency_score,
	cost_score, activity_score, computed_at`

func scanHealth(row pgx.Row) (model.HealthScore, error) {
	var h model.HealthScore
	var overall, errScore, latency, cost, activity float64
	if err := row.Scan(&h.WorkspaceID, &h.AgentID, &h.Date, &overall, &errScore, &latency,
		&cost, &activity, &h.ComputedAt); err != nil {
		return model.HealthScore{}, err
	}
	h.Status = model.HealthStatusScored
	h.OverallScore = &overall
	h.ErrorRateScore = &errScore
	h.LatencyScore = &latency
	h.CostScore = &cost
	h.ActivityScore = &activity
	return h, nil
}

// GetHealthScore returns one stored score or ErrNotFound.
func (db *DB) GetHealthScore(ctx context.Context, workspaceID uuid.UUID, agentID string, day time.Time) (model.HealthScore, error) {
	h, err := scanHealth(db.pool.QueryRow(ctx,
		`SELECT `+healthColumns+` FROM health_scores_daily WHERE workspace_id = $1 AND agent_id = $2 AND date = $3`,
		workspaceID, agentID, model.UTCDay(day)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.HealthScore{}, fmt.Errorf("storage: health score: %w", ErrNotFound)
		}
		return model.HealthScore{}, fmt.Errorf("storage: get health score: %w", err)
	}
	return h, nil
}

// ListHealthScores returns an agent's scores for days in [from, to], oldest first.
func (db *DB) ListHealthScores(ctx context.Context, workspaceID uuid.UUID, agentID string, from, to time.Time) ([]model.HealthScore, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+healthColumns+` FROM health_scores_daily
		 WHERE workspace_id = $1 AND agent_id = $2 AND date >= $3 AND date <= $4
		 ORDER BY date`,
		workspaceID, agentID, model.UTCDay(from), model.UTCDay(to))
	if err != nil {
		return nil, fmt.Errorf("storage: list health scores: %w", err)
	}
	defer rows.Close()

	var out []model.HealthScore
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan health score: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
