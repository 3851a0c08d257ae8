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

const agentColumns = `id, workspace_id, agent_id, model, is_active, throttled_until, last_seen_at, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.AgentID, &a.Model, &a.IsActive,
		&a.ThrottledUntil, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// EnsureAgent returns the agent, registering it first if this is the first
// time it has been seen. Known agents are always returned regardless of the
// current count, so lowering maxAgents never locks out existing agents.
// New agents are admitted only while the workspace is below maxAgents; the
// count and insert run under a workspace row lock.
func (db *DB) EnsureAgent(ctx context.Context, workspaceID uuid.UUID, agentID string, maxAgents int) (model.Agent, bool, error) {
	a, err := db.GetAgent(ctx, workspaceID, agentID)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Agent{}, false, err
	}

	created := false
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		created = false
		if err := lockWorkspaceTx(ctx, tx, workspaceID); err != nil {
			return err
		}
		// Another request may have registered it while we waited on the lock.
		existing, err := scanAgent(tx.QueryRow(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE workspace_id = $1 AND agent_id = $2`,
			workspaceID, agentID))
		if err == nil {
			a = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("recheck agent: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM agents WHERE workspace_id = $1`, workspaceID).Scan(&count); err != nil {
			return fmt.Errorf("count agents: %w", err)
		}
		if count >= maxAgents {
			return fmt.Errorf("%d of %d agents registered: %w", count, maxAgents, ErrAgentLimitExceeded)
		}

		a, err = scanAgent(tx.QueryRow(ctx,
			`INSERT INTO agents (workspace_id, agent_id) VALUES ($1, $2) RETURNING `+agentColumns,
			workspaceID, agentID))
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return model.Agent{}, false, fmt.Errorf("storage: ensure agent: %w", err)
	}
	return a, created, nil
}

// GetAgent retrieves an agent by its workspace-scoped name.
func (db *DB) GetAgent(ctx context.Context, workspaceID uuid.UUID, agentID string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents in a workspace ordered by name.
func (db *DB) ListAgents(ctx context.Context, workspaceID uuid.UUID) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE workspace_id = $1 ORDER BY agent_id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgentsByState returns active and paused agent counts for a workspace.
func (db *DB) CountAgentsByState(ctx context.Context, workspaceID uuid.UUID) (active, paused int64, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE is_active), COUNT(*) FILTER (WHERE NOT is_active)
		 FROM agents WHERE workspace_id = $1`, workspaceID,
	).Scan(&active, &paused)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return active, paused, nil
}

// TouchAgent records that the agent was seen at the given time. A non-nil
// observedModel fills agents.model only while it is unset: once recorded,
// the model is control state owned by interventions and reverts.
func (db *DB) TouchAgent(ctx context.Context, workspaceID uuid.UUID, agentID string, at time.Time, observedModel *string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_seen_at = GREATEST(COALESCE(last_seen_at, $3), $3),
		     model = COALESCE(model, $4)
		 WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID, at, observedModel)
	if err != nil {
		return fmt.Errorf("storage: touch agent: %w", err)
	}
	return nil
}

// ClearExpiredThrottles drops throttles whose period has elapsed.
func (db *DB) ClearExpiredThrottles(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET throttled_until = NULL, updated_at = $1
		 WHERE throttled_until IS NOT NULL AND throttled_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: clear throttles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// lockAgentTx loads the agent with a row lock.
func lockAgentTx(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, agentID string) (model.Agent, error) {
	a, err := scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE workspace_id = $1 AND agent_id = $2 FOR UPDATE`,
		workspaceID, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("lock agent: %w", err)
	}
	return a, nil
}

// setAgentControlTx writes the control state onto the agent row.
func setAgentControlTx(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, agentID string, c model.AgentControl, now time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE agents SET is_active = $3, model = $4, throttled_until = $5, updated_at = $6
		 WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID, c.IsActive, c.Model, c.ThrottledUntil, now)
	if err != nil {
		return fmt.Errorf("update agent control: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}
