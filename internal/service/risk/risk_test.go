package risk_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/notify"
	"github.com/ashita-ai/kansoku/internal/service/cost"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
	"github.com/ashita-ai/kansoku/internal/service/risk"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
	"github.com/ashita-ai/kansoku/internal/tier"
)

type recordingPublisher struct {
	mu   sync.Mutex
	cmds []model.ControlCommand
}

func (p *recordingPublisher) Publish(_ context.Context, cmd model.ControlCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmds = append(p.cmds, cmd)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) forAgent(ws uuid.UUID, agentID string) []model.ControlCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.ControlCommand
	for _, c := range p.cmds {
		if c.WorkspaceID == ws && c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

var (
	testDB    *storage.DB
	svc       *risk.Service
	publisher = &recordingPublisher{}
)

// day is a fixed UTC instant so window arithmetic never crosses midnight.
var day = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	dispatcher := notify.New(&http.Client{Timeout: time.Second}, testutil.TestLogger())
	svc = risk.New(testDB, tier.NewRegistry(testDB, time.Minute), publisher, dispatcher, "", testutil.TestLogger())

	code := m.Run()
	dispatcher.Wait()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

func newWorkspace(t *testing.T) model.Workspace {
	t.Helper()
	ws, err := testutil.CreateWorkspace(context.Background(), testDB, model.TierPro)
	require.NoError(t, err)
	return ws
}

func spend(t *testing.T, ws uuid.UUID, agentID, amount string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	_, _, err := testDB.EnsureAgent(ctx, ws, agentID, 1000)
	require.NoError(t, err)
	_, err = testDB.InsertEvent(ctx, model.Event{
		WorkspaceID: ws,
		AgentID:     agentID,
		EventType:   model.EventLLMCall,
		Status:      model.EventStatusOK,
		CostUSD:     decimal.RequireFromString(amount),
		TokensIn:    1000,
		CreatedAt:   at,
	})
	require.NoError(t, err)
}

func insertPolicy(t *testing.T, p model.RiskPolicy) model.RiskPolicy {
	t.Helper()
	if p.WindowMinutes == 0 {
		p.WindowMinutes = 60
	}
	if p.CooldownMinutes == 0 {
		p.CooldownMinutes = 60
	}
	p.Enabled = true
	created, err := testDB.InsertRiskPolicy(context.Background(), p)
	require.NoError(t, err)
	return created
}

func audit(t *testing.T, ws uuid.UUID, agentID string) []model.RiskAuditEntry {
	t.Helper()
	rows, _, err := svc.Audit(context.Background(), ws, model.AuditFilters{AgentID: agentID, Limit: 50})
	require.NoError(t, err)
	return rows
}

func TestEvaluate_SpendCapPausesOncePerCooldown(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	spend(t, ws.ID, "agent-7", "3.00", day)
	spend(t, ws.ID, "agent-7", "2.01", day.Add(time.Minute))
	insertPolicy(t, model.RiskPolicy{
		WorkspaceID: ws.ID,
		AgentID:     ptr("agent-7"),
		PolicyType:  model.PolicySpendCap,
		Threshold:   decimal.NewFromInt(5),
		ActionType:  model.ActionPauseAgent,
	})

	fireAt := day.Add(time.Hour)
	_, err := svc.Evaluate(ctx, fireAt)
	require.NoError(t, err)

	agent, err := testDB.GetAgent(ctx, ws.ID, "agent-7")
	require.NoError(t, err)
	assert.False(t, agent.IsActive)

	rows := audit(t, ws.ID, "agent-7")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	assert.Equal(t, model.ActionPauseAgent, rows[0].ActionTaken)
	assert.JSONEq(t, `{"is_active":true}`, string(rows[0].BeforeState))
	assert.JSONEq(t, `{"is_active":false}`, string(rows[0].AfterState))

	events, total, err := svc.Events(ctx, ws.ID, "agent-7", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.True(t, events[0].BreachValue.Equal(decimal.RequireFromString("5.01")))

	cmds := publisher.forAgent(ws.ID, "agent-7")
	require.Len(t, cmds, 1)
	assert.Equal(t, rows[0].ID, cmds[0].AuditID)
	assert.False(t, cmds[0].State.IsActive)

	_, err = svc.Evaluate(ctx, fireAt.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, audit(t, ws.ID, "agent-7"), 1, "no second intervention inside the cooldown")

	_, err = svc.Evaluate(ctx, fireAt.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Len(t, audit(t, ws.ID, "agent-7"), 2, "fires again once the cooldown elapses")
}

func TestEvaluate_WorkspacePolicyThrottlesTopContributor(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	spend(t, ws.ID, "small", "1.00", day)
	spend(t, ws.ID, "big", "3.00", day)
	insertPolicy(t, model.RiskPolicy{
		WorkspaceID:  ws.ID,
		PolicyType:   model.PolicySpendCap,
		Threshold:    decimal.NewFromInt(2),
		ActionType:   model.ActionThrottle,
		ActionParams: model.ActionParams{ThrottleMinutes: 30},
	})

	now := day.Add(time.Hour)
	_, err := svc.Evaluate(ctx, now)
	require.NoError(t, err)

	big, err := testDB.GetAgent(ctx, ws.ID, "big")
	require.NoError(t, err)
	require.NotNil(t, big.ThrottledUntil)
	assert.WithinDuration(t, now.Add(30*time.Minute), *big.ThrottledUntil, time.Second)

	small, err := testDB.GetAgent(ctx, ws.ID, "small")
	require.NoError(t, err)
	assert.Nil(t, small.ThrottledUntil)
}

func TestEvaluate_FailedDowngradeIsAudited(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	spend(t, ws.ID, "no-model", "2.00", day)
	insertPolicy(t, model.RiskPolicy{
		WorkspaceID: ws.ID,
		AgentID:     ptr("no-model"),
		PolicyType:  model.PolicySpendCap,
		Threshold:   decimal.NewFromInt(1),
		ActionType:  model.ActionModelDowngrade,
	})

	_, err := svc.Evaluate(ctx, day.Add(time.Hour))
	require.NoError(t, err)

	rows := audit(t, ws.ID, "no-model")
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	require.NotNil(t, rows[0].Error)
	assert.Contains(t, *rows[0].Error, "no downgrade target")
	assert.JSONEq(t, string(rows[0].BeforeState), string(rows[0].AfterState))
	assert.Empty(t, publisher.forAgent(ws.ID, "no-model"), "failed actions are not published")
}

func TestEvaluate_DowngradesObservedModel(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	ing := ingest.New(testDB, tier.NewRegistry(testDB, time.Minute), cost.NewEngine(testDB, time.Minute), testutil.TestLogger())

	var batch []model.EventInput
	for i := range 3 {
		batch = append(batch, model.EventInput{
			AgentID:    "writer",
			EventType:  model.EventLLMCall,
			Provider:   ptr("openai"),
			Model:      ptr("gpt-4o"),
			TokensIn:   1000,
			CostUSD:    ptr(decimal.RequireFromString("1.50")),
			OccurredAt: ptr(day.Add(time.Duration(i+1) * time.Minute)),
		})
	}
	res, err := ing.Ingest(ctx, ws.ID, batch)
	require.NoError(t, err)
	require.Equal(t, 3, res.Accepted)

	insertPolicy(t, model.RiskPolicy{
		WorkspaceID: ws.ID,
		AgentID:     ptr("writer"),
		PolicyType:  model.PolicySpendCap,
		Threshold:   decimal.NewFromInt(4),
		ActionType:  model.ActionModelDowngrade,
	})
	_, err = svc.Evaluate(ctx, day.Add(time.Hour))
	require.NoError(t, err)

	rows := audit(t, ws.ID, "writer")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	assert.Nil(t, rows[0].Error)
	assert.JSONEq(t, `{"is_active":true,"model":"gpt-4o"}`, string(rows[0].BeforeState))
	assert.JSONEq(t, `{"is_active":true,"model":"gpt-4o-mini"}`, string(rows[0].AfterState))

	agent, err := testDB.GetAgent(ctx, ws.ID, "writer")
	require.NoError(t, err)
	require.NotNil(t, agent.Model)
	assert.Equal(t, "gpt-4o-mini", *agent.Model)

	cmds := publisher.forAgent(ws.ID, "writer")
	require.Len(t, cmds, 1)
	require.NotNil(t, cmds[0].State.Model)
	assert.Equal(t, "gpt-4o-mini", *cmds[0].State.Model)
}

func TestRevert_RestoresBeforeState(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	spend(t, ws.ID, "agent-r", "9.00", day)
	insertPolicy(t, model.RiskPolicy{
		WorkspaceID: ws.ID,
		AgentID:     ptr("agent-r"),
		PolicyType:  model.PolicySpendCap,
		Threshold:   decimal.NewFromInt(1),
		ActionType:  model.ActionPauseAgent,
	})
	_, err := svc.Evaluate(ctx, day.Add(time.Hour))
	require.NoError(t, err)
	rows := audit(t, ws.ID, "agent-r")
	require.Len(t, rows, 1)

	entry, err := svc.Revert(ctx, ws.ID, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionRevert, entry.ActionTaken)
	require.NotNil(t, entry.RevertsID)
	assert.Equal(t, rows[0].ID, *entry.RevertsID)

	agent, err := testDB.GetAgent(ctx, ws.ID, "agent-r")
	require.NoError(t, err)
	assert.True(t, agent.IsActive)

	cmds := publisher.forAgent(ws.ID, "agent-r")
	require.Len(t, cmds, 2)
	assert.Equal(t, model.ActionRevert, cmds[1].Action)
	assert.True(t, cmds[1].State.IsActive)

	_, err = svc.Revert(ctx, newWorkspace(t).ID, rows[0].ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func auditFor(t *testing.T, rows []model.RiskAuditEntry, action model.ActionType) model.RiskAuditEntry {
	t.Helper()
	for _, r := range rows {
		if r.ActionTaken == action {
			return r
		}
	}
	t.Fatalf("no %s audit row", action)
	return model.RiskAuditEntry{}
}

func TestRevert_KeepsLaterInterventions(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	spend(t, ws.ID, "agent-s", "9.00", day)

	insertPolicy(t, model.RiskPolicy{
		WorkspaceID:  ws.ID,
		AgentID:      ptr("agent-s"),
		PolicyType:   model.PolicySpendCap,
		Threshold:    decimal.NewFromInt(1),
		ActionType:   model.ActionThrottle,
		ActionParams: model.ActionParams{ThrottleMinutes: 120},
	})
	_, err := svc.Evaluate(ctx, day.Add(time.Hour))
	require.NoError(t, err)

	insertPolicy(t, model.RiskPolicy{
		WorkspaceID: ws.ID,
		AgentID:     ptr("agent-s"),
		PolicyType:  model.PolicySpendCap,
		Threshold:   decimal.NewFromInt(1),
		ActionType:  model.ActionPauseAgent,
	})
	_, err = svc.Evaluate(ctx, day.Add(time.Hour+5*time.Minute))
	require.NoError(t, err)

	rows := audit(t, ws.ID, "agent-s")
	require.Len(t, rows, 2)
	throttle := auditFor(t, rows, model.ActionThrottle)

	entry, err := svc.Revert(ctx, ws.ID, throttle.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_active":false}`, string(entry.AfterState))

	agent, err := testDB.GetAgent(ctx, ws.ID, "agent-s")
	require.NoError(t, err)
	assert.Nil(t, agent.ThrottledUntil, "the throttle is undone")
	assert.False(t, agent.IsActive, "the later pause is kept")

	_, err = svc.Revert(ctx, ws.ID, throttle.ID)
	require.ErrorIs(t, err, storage.ErrNothingToRevert, "already reverted")

	_, err = svc.Revert(ctx, ws.ID, auditFor(t, rows, model.ActionPauseAgent).ID)
	require.NoError(t, err)
	agent, err = testDB.GetAgent(ctx, ws.ID, "agent-s")
	require.NoError(t, err)
	assert.True(t, agent.IsActive)
}

func TestRevert_FailedAttemptConflicts(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	spend(t, ws.ID, "agent-f", "2.00", day)
	insertPolicy(t, model.RiskPolicy{
		WorkspaceID: ws.ID,
		AgentID:     ptr("agent-f"),
		PolicyType:  model.PolicySpendCap,
		Threshold:   decimal.NewFromInt(1),
		ActionType:  model.ActionModelDowngrade,
	})
	_, err := svc.Evaluate(ctx, day.Add(time.Hour))
	require.NoError(t, err)
	rows := audit(t, ws.ID, "agent-f")
	require.Len(t, rows, 1)
	require.False(t, rows[0].Success)

	_, err = svc.Revert(ctx, ws.ID, rows[0].ID)
	require.ErrorIs(t, err, storage.ErrNothingToRevert)
	assert.Len(t, audit(t, ws.ID, "agent-f"), 1, "no revert row is written")
}

func TestMeasure_TokenAndErrorRate(t *testing.T) {
	ctx := context.Background()
	ws := newWorkspace(t)
	spend(t, ws.ID, "agent-m", "0.10", day)
	spend(t, ws.ID, "agent-m", "0.10", day.Add(time.Minute))
	_, err := testDB.InsertEvent(ctx, model.Event{
		WorkspaceID: ws.ID, AgentID: "agent-m", EventType: model.EventError, Status: model.EventStatusError, CreatedAt: day.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	now := day.Add(10 * time.Minute)
	tokens, err := risk.Measure(ctx, testDB, model.RiskPolicy{WorkspaceID: ws.ID, PolicyType: model.PolicyTokenRateCap, WindowMinutes: 60}, now)
	require.NoError(t, err)
	assert.Equal(t, "2000", tokens.String())

	rate, err := risk.Measure(ctx, testDB, model.RiskPolicy{WorkspaceID: ws.ID, AgentID: ptr("agent-m"), PolicyType: model.PolicyErrorRateCap, WindowMinutes: 60}, now)
	require.NoError(t, err)
	assert.True(t, rate.Sub(decimal.RequireFromString("0.3333")).Abs().LessThan(decimal.RequireFromString("0.001")))

	narrow, err := risk.Measure(ctx, testDB, model.RiskPolicy{WorkspaceID: ws.ID, PolicyType: model.PolicyTokenRateCap, WindowMinutes: 5}, now)
	require.NoError(t, err)
	assert.True(t, narrow.IsZero())
}

func TestDowngradeFor(t *testing.T) {
	tests := []struct {
		current string
		want    string
		ok      bool
	}{
		{"gpt-4o", "gpt-4o-mini", true},
		{"gpt-4o-2024-08-06", "gpt-4o-mini", true},
		{"gpt-4o-mini", "", false},
		{"claude-opus-4", "claude-sonnet", true},
		{"claude-sonnet-4", "claude-haiku", true},
		{"claude-haiku-3", "", false},
		{"llama-3", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.current, func(t *testing.T) {
			got, ok := risk.DowngradeFor(tt.current)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMutation(t *testing.T) {
	now := day
	before := model.AgentControl{IsActive: true, Model: ptr("gpt-4o")}

	m, err := risk.Mutation(model.RiskPolicy{ActionType: model.ActionAlertOnly}, now)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = risk.Mutation(model.RiskPolicy{ActionType: model.ActionThrottle}, now)
	require.NoError(t, err)
	after, err := m(before)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Duration(model.DefaultThrottleMinutes)*time.Minute), *after.ThrottledUntil)

	m, err = risk.Mutation(model.RiskPolicy{ActionType: model.ActionModelDowngrade}, now)
	require.NoError(t, err)
	after, err = m(before)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", *after.Model)
	assert.Equal(t, "gpt-4o", *before.Model, "before is not modified")

	m, err = risk.Mutation(model.RiskPolicy{ActionType: model.ActionModelDowngrade, ActionParams: model.ActionParams{DowngradeModel: "tiny"}}, now)
	require.NoError(t, err)
	after, err = m(model.AgentControl{IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, "tiny", *after.Model)

	_, err = risk.Mutation(model.RiskPolicy{ActionType: "explode"}, now)
	require.Error(t, err)
}

func TestInterventionMessage(t *testing.T) {
	iv := model.Intervention{
		AgentID: "agent-7",
		Policy:  model.RiskPolicy{PolicyType: model.PolicySpendCap, Threshold: decimal.NewFromInt(5), ActionType: model.ActionPauseAgent},
		Audit:   model.RiskAuditEntry{Success: true},
	}
	msg := risk.InterventionMessage(iv, decimal.RequireFromString("5.01"))
	assert.Equal(t, "Policy spend_cap breached by agent-7 (5.01 > 5); action pause_agent applied", msg)

	raw, err := json.Marshal(iv.Policy.ActionParams)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}
