package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PurgeCount holds row counts for one workspace's retention purge.
type PurgeCount struct {
	Events int64 `json:"events"`
	Runs   int64 `json:"runs"`
}

// PurgeExpired deletes a workspace's events created before cutoff and its
// terminal runs started before cutoff, in batches of batchSize to avoid
// long-running transactions. Running runs are kept regardless of age.
// A cancelled ctx stops between batches; counts so far are returned.
func (db *DB) PurgeExpired(ctx context.Context, workspaceID uuid.UUID, cutoff time.Time, batchSize int) (PurgeCount, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total PurgeCount

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := db.purgeEventBatch(ctx, workspaceID, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total.Events += n
		if n < int64(batchSize) {
			break
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM runs WHERE workspace_id = $1 AND id IN (
			     SELECT id FROM runs
			     WHERE workspace_id = $1 AND status <> 'running' AND started_at < $2
			     LIMIT $3)`,
			workspaceID, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("storage: purge runs: %w", err)
		}
		total.Runs += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			break
		}
	}
	return total, nil
}

// purgeEventBatch deletes up to limit expired events. The events guard
// trigger only admits deletes from a transaction that has set
// kansoku.retention_purge.
func (db *DB) purgeEventBatch(ctx context.Context, workspaceID uuid.UUID, cutoff time.Time, limit int) (int64, error) {
	var n int64
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET LOCAL kansoku.retention_purge = 'on'`); err != nil {
			return fmt.Errorf("enable purge: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM events WHERE id IN (
			     SELECT id FROM events WHERE workspace_id = $1 AND created_at < $2 LIMIT $3)`,
			workspaceID, cutoff, limit)
		if err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: purge events: %w", err)
	}
	return n, nil
}
