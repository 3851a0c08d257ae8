package aggregate_test

import (
	"context"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/aggregate"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

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

func ptr[T any](v T) *T { return &v }

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
		p      int
		want   int64
	}{
		{"empty", nil, 50, 0},
		{"single", []int64{7}, 95, 7},
		{"p50 of ten", []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 50, 5},
		{"p95 of ten", []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 95, 9},
		{"p100", []int64{1, 2, 3}, 100, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregate.Percentile(tt.values, tt.p))
		})
	}
}

func TestPercentileBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Int64Range(0, 100_000), 1, 200).Draw(t, "values")
		slices.Sort(values)
		p50 := aggregate.Percentile(values, 50)
		p95 := aggregate.Percentile(values, 95)
		if p50 < values[0] || p95 > values[len(values)-1] {
			t.Fatalf("percentile outside range: p50=%d p95=%d", p50, p95)
		}
		if p50 > p95 {
			t.Fatalf("p50 %d > p95 %d", p50, p95)
		}
	})
}

func TestReduce_ErrorRate(t *testing.T) {
	m := aggregate.Reduce(model.DayRawStats{TotalEvents: 4, ErrorEvents: 1})
	assert.InDelta(t, 0.25, m.ErrorRate, 1e-9)

	empty := aggregate.Reduce(model.DayRawStats{})
	assert.Zero(t, empty.ErrorRate)
	assert.Zero(t, empty.LatencyP95MS)
}

func TestAggregateDay_IdempotentAndExact(t *testing.T) {
	ctx := context.Background()
	ws, err := testutil.CreateWorkspace(ctx, testDB, model.TierFree)
	require.NoError(t, err)
	_, _, err = testDB.EnsureAgent(ctx, ws.ID, "agent-7", 3)
	require.NoError(t, err)

	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range []string{"0.0001", "0.0002", "0.0003"} {
		_, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: "agent-7", EventType: model.EventLLMCall, Status: model.EventStatusOK,
			Model: ptr("gpt-4o-mini"), CostUSD: decimal.RequireFromString(c), LatencyMS: ptr(int64(100 * (i + 1))),
			TokensIn: 10, CreatedAt: day.Add(time.Duration(i+1) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err = testDB.InsertEvent(ctx, model.Event{
		WorkspaceID: ws.ID, AgentID: "agent-7", EventType: model.EventError, Status: model.EventStatusError,
		CreatedAt: day.Add(5 * time.Hour),
	})
	require.NoError(t, err)

	svc := aggregate.New(testDB, 2, testutil.TestLogger())
	key := model.AgentDay{WorkspaceID: ws.ID, AgentID: "agent-7", Date: day}

	first, err := svc.AggregateDay(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "0.0006", first.TotalCostUSD.String())
	assert.Equal(t, int64(4), first.TotalEvents)
	assert.Equal(t, int64(1), first.ErrorEvents)
	assert.InDelta(t, 0.25, first.ErrorRate, 1e-9)
	assert.Equal(t, int64(200), first.LatencyP50MS)
	assert.Equal(t, int64(3), first.ModelsUsed["gpt-4o-mini"])

	second, err := svc.AggregateDay(ctx, key)
	require.NoError(t, err)
	first.ComputedAt, second.ComputedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)

	rows, err := testDB.ListDailyMetrics(ctx, ws.ID, "agent-7", day, day)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRun_CoversEveryActiveAgent(t *testing.T) {
	ctx := context.Background()
	ws, err := testutil.CreateWorkspace(ctx, testDB, model.TierFree)
	require.NoError(t, err)
	day := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	for _, a := range []string{"a", "b", "c"} {
		_, _, err := testDB.EnsureAgent(ctx, ws.ID, a, 3)
		require.NoError(t, err)
		_, err = testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: a, EventType: model.EventHeartbeat, Status: model.EventStatusOK,
			CreatedAt: day.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	svc := aggregate.New(testDB, 2, testutil.TestLogger())
	s, err := svc.Run(ctx, day)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.Processed, 3)
	assert.Zero(t, s.Failed)
	assert.False(t, s.Truncated)

	for _, a := range []string{"a", "b", "c"} {
		m, err := testDB.GetDailyMetric(ctx, ws.ID, a, day)
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.TotalEvents)
	}
}

func TestRun_TruncatesNearDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	svc := aggregate.New(testDB, 1, testutil.TestLogger())
	s, err := svc.Run(ctx, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC))
	// The listing query itself may fail on the expired context.
	if err == nil {
		assert.Zero(t, s.Processed)
	}
}

func TestOverviewDays(t *testing.T) {
	free := model.DefaultTier(uuid.New())
	assert.Equal(t, aggregate.DefaultOverviewDays, aggregate.OverviewDays(free, 0))
	assert.Equal(t, 3, aggregate.OverviewDays(free, 3))
	assert.Equal(t, free.RetentionDays, aggregate.OverviewDays(free, 90))
}

func TestOverview_TodayIsLiveWindowIsRolledUp(t *testing.T) {
	ctx := context.Background()
	ws, err := testutil.CreateWorkspace(ctx, testDB, model.TierFree)
	require.NoError(t, err)
	_, _, err = testDB.EnsureAgent(ctx, ws.ID, "ov-agent", 3)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	yesterday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	insert := func(at time.Time, typ model.EventType, status model.EventStatus, cost string) {
		t.Helper()
		_, err := testDB.InsertEvent(ctx, model.Event{
			WorkspaceID: ws.ID, AgentID: "ov-agent", EventType: typ, Status: status,
			TokensIn: 10, TokensOut: 5, CostUSD: decimal.RequireFromString(cost), CreatedAt: at,
		})
		require.NoError(t, err)
	}
	insert(outside.Add(time.Hour), model.EventLLMCall, model.EventStatusOK, "9")
	insert(yesterday.Add(10*time.Hour), model.EventLLMCall, model.EventStatusOK, "0.5")
	insert(now.Add(-3*time.Hour), model.EventLLMCall, model.EventStatusOK, "0.25")
	insert(now.Add(-2*time.Hour), model.EventError, model.EventStatusError, "0")

	svc := aggregate.New(testDB, 1, testutil.TestLogger())
	for _, day := range []time.Time{outside, yesterday} {
		_, err := svc.AggregateDay(ctx, model.AgentDay{WorkspaceID: ws.ID, AgentID: "ov-agent", Date: day})
		require.NoError(t, err)
	}

	ov, err := aggregate.Overview(ctx, testDB, model.DefaultTier(ws.ID), 7, now)
	require.NoError(t, err)

	assert.Equal(t, int64(2), ov.Today.Events)
	assert.Equal(t, int64(1), ov.Today.ErrorEvents)
	assert.InDelta(t, 0.5, ov.Today.ErrorRate, 1e-9)
	assert.Equal(t, "0.25", ov.Today.CostUSD.String())

	assert.Equal(t, 7, ov.Window.Days)
	assert.Equal(t, yesterday, ov.Window.To)
	assert.Equal(t, int64(1), ov.Window.Events)
	assert.Equal(t, "0.5", ov.Window.CostUSD.String())

	assert.Equal(t, int64(1), ov.ActiveAgents)
	assert.Zero(t, ov.PausedAgents)
	assert.Zero(t, ov.OpenAlerts)
}
