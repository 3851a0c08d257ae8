package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kansoku/internal/model"
)

const eventColumns = `id, workspace_id, agent_id, run_id, event_type, status, provider, model,
	tokens_in, tokens_out, cost_usd, latency_ms, pricing_missing, payload, dedupe_key, created_at`

func scanEvent(row pgx.Row) (model.Event, error) {
	var e model.Event
	var payload []byte
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.AgentID, &e.RunID, &e.EventType, &e.Status, &e.Provider, &e.Model,
		&e.TokensIn, &e.TokensOut, &e.CostUSD, &e.LatencyMS, &e.PricingMissing, &payload, &e.DedupeKey, &e.CreatedAt)
	if err != nil {
		return model.Event{}, err
	}
	e.Payload = payload
	return e, nil
}

// InsertResult reports what InsertEvent did.
type InsertResult struct {
	Event model.Event
	// Inserted is false when the dedupe key matched an existing row; Event
	// is then that original row.
	Inserted bool
	// RunLinked is true when the event was added to an open run's totals.
	RunLinked bool
}

// InsertEvent stores one event. A dedupe-key collision returns the original
// row without error. A newly inserted event carrying a run id is added to
// that run's totals in the same transaction, provided the run is still open.
func (db *DB) InsertEvent(ctx context.Context, e model.Event) (InsertResult, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var res InsertResult
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		res = InsertResult{}
		stored, err := scanEvent(tx.QueryRow(ctx,
			`INSERT INTO events (id, workspace_id, agent_id, run_id, event_type, status, provider, model,
			     tokens_in, tokens_out, cost_usd, latency_ms, pricing_missing, payload, dedupe_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT ON CONSTRAINT events_workspace_dedupe_key DO NOTHING
			 RETURNING `+eventColumns,
			e.ID, e.WorkspaceID, e.AgentID, e.RunID, string(e.EventType), string(e.Status), e.Provider, e.Model,
			e.TokensIn, e.TokensOut, e.CostUSD, e.LatencyMS, e.PricingMissing, payload, e.DedupeKey, e.CreatedAt,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			// Dedupe hit. The original row is committed by whoever won the
			// race, so it is visible here.
			existing, err := scanEvent(tx.QueryRow(ctx,
				`SELECT `+eventColumns+` FROM events WHERE workspace_id = $1 AND dedupe_key = $2`,
				e.WorkspaceID, e.DedupeKey))
			if err != nil {
				return fmt.Errorf("load deduplicated event: %w", err)
			}
			res.Event = existing
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		res.Event = stored
		res.Inserted = true

		if stored.RunID != nil {
			linked, err := accumulateRunTx(ctx, tx, stored)
			if err != nil {
				return err
			}
			res.RunLinked = linked
		}
		return nil
	})
	if err != nil {
		return InsertResult{}, fmt.Errorf("storage: insert event: %w", err)
	}
	return res, nil
}

// accumulateRunTx adds the event's contribution to its run if the run is
// open. It reports whether a run row was updated.
func accumulateRunTx(ctx context.Context, tx pgx.Tx, e model.Event) (bool, error) {
	var latency, toolCalls int64
	if e.LatencyMS != nil {
		latency = *e.LatencyMS
	}
	if e.EventType == model.EventToolCall {
		toolCalls = 1
	}
	tag, err := tx.Exec(ctx,
		`UPDATE runs SET
		     tokens_in = tokens_in + $3,
		     tokens_out = tokens_out + $4,
		     cost_usd = cost_usd + $5,
		     latency_ms = latency_ms + $6,
		     tool_calls = tool_calls + $7,
		     event_count = event_count + 1
		 WHERE id = $1 AND workspace_id = $2 AND status = 'running'`,
		*e.RunID, e.WorkspaceID, e.TokensIn, e.TokensOut, e.CostUSD, latency, toolCalls)
	if err != nil {
		return false, fmt.Errorf("accumulate run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// QueryEvents returns events matching filters, newest first, and the total
// matching count.
func (db *DB) QueryEvents(ctx context.Context, workspaceID uuid.UUID, f model.EventFilters) ([]model.Event, int, error) {
	where, args := buildEventWhere(workspaceID, f)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query := `SELECT ` + eventColumns + ` FROM events` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

func buildEventWhere(workspaceID uuid.UUID, f model.EventFilters) (string, []any) {
	conditions := []string{"workspace_id = $1"}
	args := []any{workspaceID}
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.RunID != nil {
		add("run_id = $%d", *f.RunID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// WindowStats are event totals over a time window.
type WindowStats struct {
	Events      int64
	ErrorEvents int64
	TokensIn    int64
	TokensOut   int64
	CostUSD     decimal.Decimal
}

// ErrorRate is ErrorEvents/Events, or 0 with no events.
func (s WindowStats) ErrorRate() decimal.Decimal {
	if s.Events == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.ErrorEvents).Div(decimal.NewFromInt(s.Events))
}

// Tokens is the combined token count.
func (s WindowStats) Tokens() int64 { return s.TokensIn + s.TokensOut }

// EventWindowStats sums events in [since, until) for one agent, or the whole
// workspace when agentID is nil.
func (db *DB) EventWindowStats(ctx context.Context, workspaceID uuid.UUID, agentID *string, since, until time.Time) (WindowStats, error) {
	var s WindowStats
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE event_type = 'error' OR status = 'error'),
		        COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM events
		 WHERE workspace_id = $1 AND ($2::text IS NULL OR agent_id = $2)
		   AND created_at >= $3 AND created_at < $4`,
		workspaceID, agentID, since, until,
	).Scan(&s.Events, &s.ErrorEvents, &s.TokensIn, &s.TokensOut, &s.CostUSD)
	if err != nil {
		return WindowStats{}, fmt.Errorf("storage: event window stats: %w", err)
	}
	return s, nil
}

// Contribution metrics for TopContributor.
const (
	ContributionCost   = "cost"
	ContributionErrors = "errors"
	ContributionTokens = "tokens"
)

var contributionExpr = map[string]string{
	ContributionCost:   "SUM(cost_usd)",
	ContributionErrors: "COUNT(*) FILTER (WHERE event_type = 'error' OR status = 'error')",
	ContributionTokens: "SUM(tokens_in + tokens_out)",
}

// TopContributor returns the agent contributing most to metric within
// [since, until). Ties go to the lexically first agent id.
func (db *DB) TopContributor(ctx context.Context, workspaceID uuid.UUID, metric string, since, until time.Time) (string, error) {
	expr, ok := contributionExpr[metric]
	if !ok {
		return "", fmt.Errorf("storage: unknown contribution metric %q", metric)
	}
	var agentID string
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id FROM events
		 WHERE workspace_id = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY agent_id
		 ORDER BY `+expr+` DESC, agent_id
		 LIMIT 1`,
		workspaceID, since, until,
	).Scan(&agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: top contributor: %w", ErrNotFound)
		}
		return "", fmt.Errorf("storage: top contributor: %w", err)
	}
	return agentID, nil
}

// LastHeartbeat returns the most recent heartbeat time for one agent, or
// for any agent in the workspace when agentID is nil. Nil means none.
func (db *DB) LastHeartbeat(ctx context.Context, workspaceID uuid.UUID, agentID *string) (*time.Time, error) {
	var last *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM events
		 WHERE workspace_id = $1 AND event_type = 'heartbeat' AND ($2::text IS NULL OR agent_id = $2)`,
		workspaceID, agentID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("storage: last heartbeat: %w", err)
	}
	return last, nil
}
