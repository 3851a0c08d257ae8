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

const runColumns = `id, workspace_id, agent_id, status, tokens_in, tokens_out, cost_usd, latency_ms,
	tool_calls, event_count, error, metadata, started_at, finished_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.AgentID, &r.Status, &r.TokensIn, &r.TokensOut, &r.CostUSD,
		&r.LatencyMS, &r.ToolCalls, &r.EventCount, &r.Error, &r.Metadata, &r.StartedAt, &r.FinishedAt)
	return r, err
}

// CreateRun inserts a new running run. ErrRunExists is returned when the id
// is already taken in the same workspace; ids are not unique across
// workspaces.
func (db *DB) CreateRun(ctx context.Context, r model.Run) (model.Run, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Status = model.RunStatusRunning

	created, err := scanRun(db.pool.QueryRow(ctx,
		`INSERT INTO runs (id, workspace_id, agent_id, status, metadata, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+runColumns,
		r.ID, r.WorkspaceID, r.AgentID, string(r.Status), r.Metadata, r.StartedAt,
	))
	if err != nil {
		if isUniqueViolation(err, "runs_pkey") {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", r.ID, ErrRunExists)
		}
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return created, nil
}

// FinishRun moves a running run to a terminal status. Totals are left as
// accumulated. ErrRunFinished is returned for a run that is already
// terminal and ErrNotFound for an unknown one.
func (db *DB) FinishRun(ctx context.Context, workspaceID, runID uuid.UUID, status model.RunStatus, runErr *string, at time.Time) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET status = $3, error = $4, finished_at = $5
		 WHERE id = $1 AND workspace_id = $2 AND status = 'running'
		 RETURNING `+runColumns,
		runID, workspaceID, string(status), runErr, at,
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: finish run: %w", err)
	}
	if _, err := db.GetRun(ctx, workspaceID, runID); err != nil {
		return model.Run{}, err
	}
	return model.Run{}, fmt.Errorf("storage: run %s: %w", runID, ErrRunFinished)
}

// GetRun retrieves a run by ID, scoped to the workspace.
func (db *DB) GetRun(ctx context.Context, workspaceID, runID uuid.UUID) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND workspace_id = $2`, runID, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// RunFilters narrows ListRuns.
type RunFilters struct {
	AgentID string
	Status  model.RunStatus
	Limit   int
	Offset  int
}

// ListRuns returns runs newest first and the total matching count.
func (db *DB) ListRuns(ctx context.Context, workspaceID uuid.UUID, f RunFilters) ([]model.Run, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	const where = ` WHERE workspace_id = $1 AND ($2 = '' OR agent_id = $2) AND ($3 = '' OR status = $3)`

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+where,
		workspaceID, f.AgentID, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY started_at DESC, id LIMIT $4 OFFSET $5`,
		workspaceID, f.AgentID, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
