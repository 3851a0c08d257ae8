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

const apiKeyColumns = `id, workspace_id, prefix, key_hash, label, created_at, last_used_at, expires_at, revoked_at`

func scanAPIKey(row pgx.Row) (model.APIKey, error) {
	var k model.APIKey
	err := row.Scan(&k.ID, &k.WorkspaceID, &k.Prefix, &k.KeyHash, &k.Label, &k.CreatedAt,
		&k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt)
	return k, err
}

func insertAPIKeyTx(ctx context.Context, tx pgx.Tx, key model.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO api_keys (id, workspace_id, prefix, key_hash, label, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.WorkspaceID, key.Prefix, key.KeyHash, key.Label, key.CreatedAt, key.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// CreateAPIKey inserts a key if the workspace has fewer than maxKeys active
// keys. The count and insert are serialized on the workspace row.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey, maxKeys int) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockWorkspaceTx(ctx, tx, key.WorkspaceID); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM api_keys
			 WHERE workspace_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > now())`,
			key.WorkspaceID).Scan(&count); err != nil {
			return fmt.Errorf("count api keys: %w", err)
		}
		if count >= maxKeys {
			return fmt.Errorf("%d of %d keys: %w", count, maxKeys, ErrAPIKeyLimitExceeded)
		}
		return insertAPIKeyTx(ctx, tx, key)
	})
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefix looks up a single active API key by prefix. It is used
// before Argon2 verification, when the workspace is not yet known.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	k, err := scanAPIKey(db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE prefix = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())`,
		prefix))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// GetAPIKeyByID retrieves a key scoped to a workspace.
func (db *DB) GetAPIKeyByID(ctx context.Context, workspaceID, keyID uuid.UUID) (model.APIKey, error) {
	k, err := scanAPIKey(db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1 AND workspace_id = $2`, keyID, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns a workspace's keys, including revoked ones.
func (db *DB) ListAPIKeys(ctx context.Context, workspaceID uuid.UUID) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey soft-deletes a key.
func (db *DB) RevokeAPIKey(ctx context.Context, workspaceID, keyID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND workspace_id = $2 AND revoked_at IS NULL`,
		keyID, workspaceID)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
	}
	return nil
}

// TouchAPIKeyLastUsed records a successful authentication. Callers run it
// off the request path.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("storage: touch api key: %w", err)
	}
	return nil
}

// RevokeExpiredAPIKeys marks keys past their expiry as revoked.
func (db *DB) RevokeExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = $1
		 WHERE revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: revoke expired api keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
