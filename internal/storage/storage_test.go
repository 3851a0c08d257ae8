package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func newWorkspace(t *testing.T, tierName string) model.Workspace {
	t.Helper()
	ws, err := testutil.CreateWorkspace(context.Background(), testDB, tierName)
	require.NoError(t, err)
	return ws
}

func strPtr(s string) *string { return &s }

func TestRunMigrationsIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background()))
}

func TestInsertEvent_DedupeSequential(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)

	key := "dedupe-" + uuid.NewString()
	first, err := testDB.InsertEvent(ctx, model.Event{
		WorkspaceID: ws.ID, AgentID: "agent-1", EventType: model.EventMetric,
		Status: model.EventStatusOK, DedupeKey: &key, CostUSD: decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	for range 3 {
		again, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: "agent-1", EventType: model.EventMetric,
			Status: model.EventStatusOK, DedupeKey: &key, CostUSD: decimal.RequireFromString("9"),
		})
		require.NoError(t, err)
		assert.False(t, again.Inserted)
		assert.Equal(t, first.Event.ID, again.Event.ID)
		assert.True(t, again.Event.CostUSD.Equal(decimal.RequireFromString("0.5")), "original row is returned")
	}

	_, total, err := testDB.QueryEvents(ctx, ws.ID, model.EventFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestInsertEvent_DedupeConcurrent(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	key := "race-" + uuid.NewString()

	const n = 16
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, n)
	inserted := make([]bool, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := testDB.InsertEvent(ctx, model.Event{
				WorkspaceID: ws.ID, AgentID: "agent-1", EventType: model.EventHeartbeat,
				Status: model.EventStatusOK, DedupeKey: &key,
			})
			ids[i], inserted[i], errs[i] = res.Event.ID, res.Inserted, err
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if inserted[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	_, total, err := testDB.QueryEvents(ctx, ws.ID, model.EventFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDedupeKeyIsWorkspaceScoped(t *testing.T) {
	ctx := context.Background()
	a := newWorkspace(t, model.TierFree)
	b := newWorkspace(t, model.TierFree)
	key := "shared-" + uuid.NewString()

	for _, ws := range []model.Workspace{a, b} {
		res, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: "agent-1", EventType: model.EventMetric, Status: model.EventStatusOK, DedupeKey: &key,
		})
		require.NoError(t, err)
		assert.True(t, res.Inserted)
	}
}

func TestEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	res, err := testDB.InsertEvent(ctx, model.Event{
		WorkspaceID: ws.ID, AgentID: "agent-1", EventType: model.EventMetric, Status: model.EventStatusOK,
	})
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `UPDATE events SET tokens_in = 5 WHERE id = $1`, res.Event.ID)
	require.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM events WHERE id = $1`, res.Event.ID)
	require.Error(t, err)

	// The retention purge is the one sanctioned delete path.
	counts, err := testDB.PurgeExpired(ctx, ws.ID, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Events)
}

func TestRunAccumulation(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)

	run, err := testDB.CreateRun(ctx, model.Run{WorkspaceID: ws.ID, AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	latency := int64(120)
	for _, et := range []model.EventType{model.EventLLMCall, model.EventToolCall} {
		res, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: "agent-1", RunID: &run.ID, EventType: et, Status: model.EventStatusOK,
			TokensIn: 100, TokensOut: 50, CostUSD: decimal.RequireFromString("0.0001"), LatencyMS: &latency,
		})
		require.NoError(t, err)
		assert.True(t, res.RunLinked)
	}

	got, err := testDB.GetRun(ctx, ws.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.TokensIn)
	assert.Equal(t, int64(100), got.TokensOut)
	assert.Equal(t, "0.0002", got.CostUSD.String())
	assert.Equal(t, int64(240), got.LatencyMS)
	assert.Equal(t, int64(1), got.ToolCalls)
	assert.Equal(t, int64(2), got.EventCount)

	finished, err := testDB.FinishRun(ctx, ws.ID, run.ID, model.RunStatusSuccess, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, finished.Status)
	assert.Equal(t, int64(2), finished.EventCount, "finishing keeps totals")

	// Events after close are stored but not linked.
	res, err := testDB.InsertEvent(ctx, model.Event{
		WorkspaceID: ws.ID, AgentID: "agent-1", RunID: &run.ID, EventType: model.EventLLMCall, Status: model.EventStatusOK, TokensIn: 7,
	})
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.False(t, res.RunLinked)

	_, err = testDB.FinishRun(ctx, ws.ID, run.ID, model.RunStatusError, nil, time.Now().UTC())
	require.ErrorIs(t, err, storage.ErrRunFinished)

	_, err = testDB.FinishRun(ctx, ws.ID, uuid.New(), model.RunStatusError, nil, time.Now().UTC())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.CreateRun(ctx, model.Run{ID: run.ID, WorkspaceID: ws.ID, AgentID: "agent-1"})
	require.ErrorIs(t, err, storage.ErrRunExists)
}

func TestRunIDsAreWorkspaceScoped(t *testing.T) {
	ctx := context.Background()
	a := newWorkspace(t, model.TierFree)
	b := newWorkspace(t, model.TierFree)
	id := uuid.New()

	_, err := testDB.CreateRun(ctx, model.Run{ID: id, WorkspaceID: a.ID, AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = testDB.CreateRun(ctx, model.Run{ID: id, WorkspaceID: b.ID, AgentID: "agent-1"})
	require.NoError(t, err, "another workspace's run id is not a conflict")

	_, err = testDB.FinishRun(ctx, a.ID, id, model.RunStatusSuccess, nil, time.Now().UTC())
	require.NoError(t, err)
	other, err := testDB.GetRun(ctx, b.ID, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, other.Status)

	counts, err := testDB.PurgeExpired(ctx, a.ID, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Runs)
	_, err = testDB.GetRun(ctx, b.ID, id)
	require.NoError(t, err, "purging one workspace leaves the other's run")
}

func TestSumOfMicroChargesIsExact(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	start := time.Now().UTC().Add(-time.Minute)

	for range 100 {
		_, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: "agent-1", EventType: model.EventLLMCall, Status: model.EventStatusOK,
			CostUSD: decimal.RequireFromString("0.0001"),
		})
		require.NoError(t, err)
	}
	stats, err := testDB.EventWindowStats(ctx, ws.ID, nil, start, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, stats.CostUSD.Equal(decimal.RequireFromString("0.01")), "got %s", stats.CostUSD)
}

func TestEnsureAgent_Ceiling(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)

	for i := range 3 {
		_, created, err := testDB.EnsureAgent(ctx, ws.ID, fmt.Sprintf("agent-%d", i), 3)
		require.NoError(t, err)
		assert.True(t, created)
	}

	_, _, err := testDB.EnsureAgent(ctx, ws.ID, "agent-new", 3)
	require.ErrorIs(t, err, storage.ErrAgentLimitExceeded)

	a, created, err := testDB.EnsureAgent(ctx, ws.ID, "agent-1", 3)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "agent-1", a.AgentID)

	// Lowering the limit never locks out a known agent.
	_, _, err = testDB.EnsureAgent(ctx, ws.ID, "agent-2", 1)
	require.NoError(t, err)
}

func TestEnsureAgent_ConcurrentCeiling(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := testDB.EnsureAgent(ctx, ws.ID, fmt.Sprintf("racer-%d", i), 3)
			if err == nil && created {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if err != nil {
				assert.ErrorIs(t, err, storage.ErrAgentLimitExceeded)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, admitted)
}

func TestFireAlert_CooldownClaim(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)

	rule, err := testDB.CreateAlertRule(ctx, model.AlertRule{
		WorkspaceID: ws.ID, RuleType: model.RuleCostPerDay, Threshold: decimal.NewFromInt(1),
		WindowMinutes: 60, CooldownMinutes: 60, Enabled: true,
	}, 5)
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	value := decimal.NewFromInt(2)

	_, fired, err := testDB.FireAlert(ctx, rule, value, "over", t0)
	require.NoError(t, err)
	assert.True(t, fired)

	_, fired, err = testDB.FireAlert(ctx, rule, value, "over", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, fired, "inside cooldown")

	_, fired, err = testDB.FireAlert(ctx, rule, value, "over", t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.True(t, fired, "after cooldown")

	events, total, err := testDB.ListAlertEvents(ctx, ws.ID, model.AlertEventFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, events, 2)

	acked, err := testDB.AckAlertEvent(ctx, ws.ID, events[0].ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	open, err := testDB.CountOpenAlerts(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)
}

func TestFireAlert_ConcurrentSingleFire(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	rule, err := testDB.CreateAlertRule(ctx, model.AlertRule{
		WorkspaceID: ws.ID, RuleType: model.RuleErrorRate, Threshold: decimal.RequireFromString("0.1"),
		WindowMinutes: 60, CooldownMinutes: 60, Enabled: true,
	}, 5)
	require.NoError(t, err)

	now := time.Now().UTC()
	var wg sync.WaitGroup
	var mu sync.Mutex
	fires := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, fired, err := testDB.FireAlert(ctx, rule, decimal.RequireFromString("0.5"), "errors", now)
			assert.NoError(t, err)
			if fired {
				mu.Lock()
				fires++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fires)
}

func TestCreateAlertRule_Ceiling(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	for range 2 {
		_, err := testDB.CreateAlertRule(ctx, model.AlertRule{
			WorkspaceID: ws.ID, RuleType: model.RuleNoHeartbeat, Threshold: decimal.NewFromInt(10),
			WindowMinutes: 60, CooldownMinutes: 60, Enabled: true,
		}, 2)
		require.NoError(t, err)
	}
	_, err := testDB.CreateAlertRule(ctx, model.AlertRule{
		WorkspaceID: ws.ID, RuleType: model.RuleNoHeartbeat, Threshold: decimal.NewFromInt(10),
		WindowMinutes: 60, CooldownMinutes: 60, Enabled: true,
	}, 2)
	require.ErrorIs(t, err, storage.ErrAlertRuleLimitExceeded)
}

func seedPolicy(t *testing.T, ws model.Workspace, agentID string, action model.ActionType) model.RiskPolicy {
	t.Helper()
	p, err := testDB.InsertRiskPolicy(context.Background(), model.RiskPolicy{
		WorkspaceID: ws.ID, AgentID: &agentID, PolicyType: model.PolicySpendCap,
		Threshold: decimal.NewFromInt(5), ActionType: action, WindowMinutes: 60, CooldownMinutes: 60, Enabled: true,
	})
	require.NoError(t, err)
	return p
}

func TestExecuteIntervention_PauseWithAudit(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	_, _, err := testDB.EnsureAgent(ctx, ws.ID, "agent-7", 3)
	require.NoError(t, err)
	policy := seedPolicy(t, ws, "agent-7", model.ActionPauseAgent)

	pause := func(before model.AgentControl) (model.AgentControl, error) {
		before.IsActive = false
		return before, nil
	}
	now := time.Now().UTC()
	iv, fired, err := testDB.ExecuteIntervention(ctx, policy, "agent-7", decimal.RequireFromString("5.01"), now, pause)
	require.NoError(t, err)
	require.True(t, fired)
	assert.True(t, iv.Audit.Success)

	var before, after model.AgentControl
	require.NoError(t, json.Unmarshal(iv.Audit.BeforeState, &before))
	require.NoError(t, json.Unmarshal(iv.Audit.AfterState, &after))
	assert.True(t, before.IsActive)
	assert.False(t, after.IsActive)

	agent, err := testDB.GetAgent(ctx, ws.ID, "agent-7")
	require.NoError(t, err)
	assert.False(t, agent.IsActive)

	policy.LastTriggeredAt = &now
	_, fired, err = testDB.ExecuteIntervention(ctx, policy, "agent-7", decimal.RequireFromString("6"), now.Add(10*time.Minute), pause)
	require.NoError(t, err)
	assert.False(t, fired, "second breach inside cooldown")

	_, total, err := testDB.ListAudit(ctx, ws.ID, model.AuditFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	events, _, err := testDB.ListRiskEvents(ctx, ws.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Audit rows are append-only.
	_, err = testDB.Pool().Exec(ctx, `UPDATE risk_audit_log SET success = false WHERE id = $1`, iv.Audit.ID)
	require.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM risk_audit_log WHERE id = $1`, iv.Audit.ID)
	require.Error(t, err)

	// Revert restores the before state and appends a new row.
	rev, err := testDB.RevertAudit(ctx, ws.ID, iv.Audit.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.ActionRevert, rev.ActionTaken)
	require.NotNil(t, rev.RevertsID)
	assert.Equal(t, iv.Audit.ID, *rev.RevertsID)

	agent, err = testDB.GetAgent(ctx, ws.ID, "agent-7")
	require.NoError(t, err)
	assert.True(t, agent.IsActive)
}

func TestExecuteIntervention_FailedMutationIsAudited(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)
	_, _, err := testDB.EnsureAgent(ctx, ws.ID, "agent-x", 3)
	require.NoError(t, err)
	policy := seedPolicy(t, ws, "agent-x", model.ActionModelDowngrade)

	iv, fired, err := testDB.ExecuteIntervention(ctx, policy, "agent-x", decimal.NewFromInt(9), time.Now().UTC(),
		func(before model.AgentControl) (model.AgentControl, error) {
			return before, errors.New("no downgrade target")
		})
	require.NoError(t, err)
	require.True(t, fired)
	assert.False(t, iv.Audit.Success)
	require.NotNil(t, iv.Audit.Error)
	assert.Contains(t, *iv.Audit.Error, "no downgrade target")
	assert.JSONEq(t, string(iv.Audit.BeforeState), string(iv.Audit.AfterState))
}

func TestTopContributorAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierPro)
	since := time.Now().UTC().Add(-time.Minute)

	for agent, cost := range map[string]string{"cheap": "0.10", "pricey": "3.00"} {
		_, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: agent, EventType: model.EventLLMCall, Status: model.EventStatusOK,
			CostUSD: decimal.RequireFromString(cost),
		})
		require.NoError(t, err)
	}
	top, err := testDB.TopContributor(ctx, ws.ID, storage.ContributionCost, since, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "pricey", top)

	last, err := testDB.LastHeartbeat(ctx, ws.ID, strPtr("cheap"))
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = testDB.InsertEvent(ctx, model.Event{
		WorkspaceID: ws.ID, AgentID: "cheap", EventType: model.EventHeartbeat, Status: model.EventStatusOK,
	})
	require.NoError(t, err)
	last, err = testDB.LastHeartbeat(ctx, ws.ID, nil)
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestAPIKeyCeilingAndRevoke(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree) // one placeholder key already exists

	k, err := testDB.CreateAPIKey(ctx, model.APIKey{WorkspaceID: ws.ID, Prefix: uuid.NewString()[:8], KeyHash: "h"}, 2)
	require.NoError(t, err)
	_, err = testDB.CreateAPIKey(ctx, model.APIKey{WorkspaceID: ws.ID, Prefix: uuid.NewString()[:8], KeyHash: "h"}, 2)
	require.ErrorIs(t, err, storage.ErrAPIKeyLimitExceeded)

	got, err := testDB.GetAPIKeyByPrefix(ctx, k.Prefix)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)

	require.NoError(t, testDB.RevokeAPIKey(ctx, ws.ID, k.ID))
	_, err = testDB.GetAPIKeyByPrefix(ctx, k.Prefix)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWorkspaceTier(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t, model.TierFree)

	tier, err := testDB.GetWorkspaceTier(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, tier.TierName)

	pro, _ := model.TierBundle(model.TierPro, ws.ID)
	require.NoError(t, testDB.UpsertWorkspaceTier(ctx, pro))
	tier, err = testDB.GetWorkspaceTier(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, tier.MaxAgents)

	missing, _ := model.TierBundle(model.TierPro, uuid.New())
	require.ErrorIs(t, testDB.UpsertWorkspaceTier(ctx, missing), storage.ErrNotFound)
}
