package retention_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/retention"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
	"github.com/ashita-ai/kansoku/internal/tier"
)

var (
	testDB *storage.DB
	svc    *retention.Service
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	svc = retention.New(testDB, tier.NewRegistry(testDB, time.Minute), testutil.TestLogger())

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func TestCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	free := model.DefaultTier(uuid.New())
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), retention.Cutoff(free, now))
}

func TestRun_PurgesByTierAndSweepsGrants(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	ws, err := testutil.CreateWorkspace(ctx, testDB, model.TierFree)
	require.NoError(t, err)
	_, _, err = testDB.EnsureAgent(ctx, ws.ID, "agent-1", 10)
	require.NoError(t, err)

	for _, age := range []time.Duration{10 * 24 * time.Hour, 24 * time.Hour} {
		_, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID,
			AgentID:     "agent-1",
			EventType:   model.EventHeartbeat,
			Status:      model.EventStatusOK,
			CreatedAt:   now.Add(-age),
		})
		require.NoError(t, err)
	}

	// An elapsed throttle, applied the way an intervention would.
	policy, err := testDB.InsertRiskPolicy(ctx, model.RiskPolicy{
		WorkspaceID: ws.ID, PolicyType: model.PolicySpendCap, Threshold: decimal.Zero,
		ActionType: model.ActionThrottle, WindowMinutes: 60, CooldownMinutes: 60, Enabled: false,
	})
	require.NoError(t, err)
	past := now.Add(-time.Minute)
	_, _, err = testDB.ExecuteIntervention(ctx, policy, "agent-1", decimal.NewFromInt(1), now.Add(-2*time.Hour),
		func(before model.AgentControl) (model.AgentControl, error) {
			before.ThrottledUntil = &past
			return before, nil
		})
	require.NoError(t, err)

	expired := now.Add(-time.Hour)
	key, err := testDB.CreateAPIKey(ctx, model.APIKey{
		WorkspaceID: ws.ID, Prefix: uuid.NewString()[:8], KeyHash: "x", Label: "old", ExpiresAt: &expired,
	}, 10)
	require.NoError(t, err)

	sum, err := svc.Run(ctx, now)
	require.NoError(t, err)
	assert.False(t, sum.Truncated)
	assert.Zero(t, sum.Failed)

	events, total, err := testDB.QueryEvents(ctx, ws.ID, model.EventFilters{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "only the event inside the 7 day window survives")
	require.Len(t, events, 1)

	agent, err := testDB.GetAgent(ctx, ws.ID, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, agent.ThrottledUntil)

	got, err := testDB.GetAPIKeyByID(ctx, ws.ID, key.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RevokedAt)
}
