package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	scope := storage.IdempotencyScope{
		WorkspaceID: ws.ID,
		KeyID:       uuid.NewString(),
		Endpoint:    "POST:/v1/alerts/rules",
		Key:         "idem-" + uuid.NewString(),
	}

	lookup, err := testDB.BeginIdempotency(ctx, scope, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIdempotency(ctx, scope, 201, map[string]any{"id": "r1"})
	require.NoError(t, err)

	replay, err := testDB.BeginIdempotency(ctx, scope, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 201, replay.StatusCode)
	require.NotEmpty(t, replay.ResponseData)

	_, err = testDB.BeginIdempotency(ctx, scope, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
}

func TestIdempotency_InProgressBlocksUntilCleanup(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	scope := storage.IdempotencyScope{
		WorkspaceID: ws.ID,
		KeyID:       uuid.NewString(),
		Endpoint:    "POST:/v1/keys",
		Key:         "idem-" + uuid.NewString(),
	}

	_, err := testDB.BeginIdempotency(ctx, scope, "hash-a")
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, scope, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '25 hours'
		 WHERE workspace_id = $1 AND key_id = $2 AND endpoint = $3 AND idempotency_key = $4`,
		scope.WorkspaceID, scope.KeyID, scope.Endpoint, scope.Key,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	lookup, err := testDB.BeginIdempotency(ctx, scope, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_ClearAllowsRetry(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	scope := storage.IdempotencyScope{
		WorkspaceID: ws.ID, KeyID: "k", Endpoint: "POST:/v1/keys", Key: "idem-" + uuid.NewString(),
	}

	_, err := testDB.BeginIdempotency(ctx, scope, "hash-a")
	require.NoError(t, err)
	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, scope))

	lookup, err := testDB.BeginIdempotency(ctx, scope, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}
