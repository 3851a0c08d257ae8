package aggregate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// DefaultOverviewDays is the trailing window used when the caller gives none.
const DefaultOverviewDays = 7

// OverviewDays clamps a requested trailing window to [1, retention_days].
func OverviewDays(t model.WorkspaceTier, days int) int {
	if days <= 0 {
		days = DefaultOverviewDays
	}
	return max(1, min(days, t.RetentionDays))
}

// Overview combines live counters for the current UTC day with totals from
// the stored rollups of the trailing window, which ends yesterday.
func Overview(ctx context.Context, db *storage.DB, t model.WorkspaceTier, days int, now time.Time) (model.Overview, error) {
	now = now.UTC()
	workspaceID := t.WorkspaceID
	today := model.UTCDay(now)

	stats, err := db.EventWindowStats(ctx, workspaceID, nil, today, now.Add(time.Nanosecond))
	if err != nil {
		return model.Overview{}, err
	}
	runs, err := db.CountRunsStarted(ctx, workspaceID, today, now.Add(time.Nanosecond))
	if err != nil {
		return model.Overview{}, err
	}

	days = OverviewDays(t, days)
	from, _ := tier.ClampRange(t, today.AddDate(0, 0, -days), time.Time{}, now)
	window, err := db.WindowTotals(ctx, workspaceID, from, today.AddDate(0, 0, -1))
	if err != nil {
		return model.Overview{}, err
	}

	active, paused, err := db.CountAgentsByState(ctx, workspaceID)
	if err != nil {
		return model.Overview{}, err
	}
	open, err := db.CountOpenAlerts(ctx, workspaceID)
	if err != nil {
		return model.Overview{}, err
	}

	return model.Overview{
		Today: model.OverviewToday{
			Date:        today,
			Events:      stats.Events,
			ErrorEvents: stats.ErrorEvents,
			ErrorRate:   stats.ErrorRate().Round(4).InexactFloat64(),
			Runs:        runs,
			TokensIn:    stats.TokensIn,
			TokensOut:   stats.TokensOut,
			CostUSD:     stats.CostUSD,
		},
		Window:       window,
		ActiveAgents: active,
		PausedAgents: paused,
		OpenAlerts:   open,
		GeneratedAt:  now,
	}, nil
}

// OverviewFor resolves the workspace tier and builds its overview.
func OverviewFor(ctx context.Context, db *storage.DB, tiers *tier.Registry, workspaceID uuid.UUID, days int, now time.Time) (model.Overview, error) {
	t, err := tiers.Get(ctx, workspaceID)
	if err != nil {
		return model.Overview{}, err
	}
	return Overview(ctx, db, t, days, now)
}
