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

// CreateWorkspace inserts a workspace together with its tier row and first
// API key in one transaction.
func (db *DB) CreateWorkspace(ctx context.Context, ws model.Workspace, tier model.WorkspaceTier, key model.APIKey) (model.Workspace, error) {
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	tier.WorkspaceID = ws.ID
	key.WorkspaceID = ws.ID

	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO workspaces (id, name, slack_webhook_url, alert_webhook_url, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			ws.ID, ws.Name, ws.SlackWebhookURL, ws.AlertWebhookURL, ws.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert workspace: %w", err)
		}
		if err := upsertTierTx(ctx, tx, tier); err != nil {
			return err
		}
		return insertAPIKeyTx(ctx, tx, key)
	})
	if err != nil {
		return model.Workspace{}, fmt.Errorf("storage: create workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspace retrieves a workspace by ID.
func (db *DB) GetWorkspace(ctx context.Context, id uuid.UUID) (model.Workspace, error) {
	var ws model.Workspace
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, slack_webhook_url, alert_webhook_url, created_at FROM workspaces WHERE id = $1`, id,
	).Scan(&ws.ID, &ws.Name, &ws.SlackWebhookURL, &ws.AlertWebhookURL, &ws.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workspace{}, fmt.Errorf("storage: workspace %s: %w", id, ErrNotFound)
		}
		return model.Workspace{}, fmt.Errorf("storage: get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaceIDs returns every workspace id.
func (db *DB) ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list workspaces: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: list workspaces: %w", err)
	}
	return ids, nil
}

// GetWorkspaceTier returns the explicit tier row for a workspace, or
// ErrNotFound when none exists.
func (db *DB) GetWorkspaceTier(ctx context.Context, workspaceID uuid.UUID) (model.WorkspaceTier, error) {
	var t model.WorkspaceTier
	err := db.pool.QueryRow(ctx,
		`SELECT workspace_id, tier_name, retention_days, max_agents, max_alert_rules, max_api_keys,
		        max_batch_size, anomaly_detection_enabled, slack_enabled, updated_at
		 FROM workspace_tiers WHERE workspace_id = $1`, workspaceID,
	).Scan(&t.WorkspaceID, &t.TierName, &t.RetentionDays, &t.MaxAgents, &t.MaxAlertRules, &t.MaxAPIKeys,
		&t.MaxBatchSize, &t.AnomalyDetectionEnabled, &t.SlackEnabled, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkspaceTier{}, fmt.Errorf("storage: tier for %s: %w", workspaceID, ErrNotFound)
		}
		return model.WorkspaceTier{}, fmt.Errorf("storage: get workspace tier: %w", err)
	}
	return t, nil
}

// UpsertWorkspaceTier writes a workspace's tier row.
func (db *DB) UpsertWorkspaceTier(ctx context.Context, t model.WorkspaceTier) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workspaces WHERE id = $1)`, t.WorkspaceID).Scan(&exists); err != nil {
			return fmt.Errorf("storage: upsert tier: %w", err)
		}
		if !exists {
			return fmt.Errorf("storage: workspace %s: %w", t.WorkspaceID, ErrNotFound)
		}
		if err := upsertTierTx(ctx, tx, t); err != nil {
			return fmt.Errorf("storage: upsert tier: %w", err)
		}
		return nil
	})
}

func upsertTierTx(ctx context.Context, tx pgx.Tx, t model.WorkspaceTier) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO workspace_tiers (workspace_id, tier_name, retention_days, max_agents, max_alert_rules,
		     max_api_keys, max_batch_size, anomaly_detection_enabled, slack_enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		 ON CONFLICT (workspace_id) DO UPDATE SET
		     tier_name = EXCLUDED.tier_name,
		     retention_days = EXCLUDED.retention_days,
		     max_agents = EXCLUDED.max_agents,
		     max_alert_rules = EXCLUDED.max_alert_rules,
		     max_api_keys = EXCLUDED.max_api_keys,
		     max_batch_size = EXCLUDED.max_batch_size,
		     anomaly_detection_enabled = EXCLUDED.anomaly_detection_enabled,
		     slack_enabled = EXCLUDED.slack_enabled,
		     updated_at = now()`,
		t.WorkspaceID, t.TierName, t.RetentionDays, t.MaxAgents, t.MaxAlertRules,
		t.MaxAPIKeys, t.MaxBatchSize, t.AnomalyDetectionEnabled, t.SlackEnabled,
	)
	if err != nil {
		return fmt.Errorf("upsert workspace tier: %w", err)
	}
	return nil
}

// lockWorkspaceTx takes a row lock on the workspace so count-then-insert
// quota checks inside tx are serialized per workspace. NO KEY UPDATE does
// not conflict with the KEY SHARE locks taken by foreign-key inserts, so
// ingestion into other tables is not blocked.
func lockWorkspaceTx(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM workspaces WHERE id = $1 FOR NO KEY UPDATE`, workspaceID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
		}
		return fmt.Errorf("lock workspace: %w", err)
	}
	return nil
}
