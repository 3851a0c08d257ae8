// Package retention expires data past each workspace's tier window and
// sweeps grants whose time has run out.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// Defaults for the retention job.
const (
	DefaultBatchSize      = 1000
	DefaultIdempotencyTTL = 24 * time.Hour
)

// Service runs the retention job.
type Service struct {
	db             *storage.DB
	tiers          *tier.Registry
	logger         *slog.Logger
	batchSize      int
	idempotencyTTL time.Duration
	unitBudget     time.Duration
}

// New creates a retention service.
func New(db *storage.DB, tiers *tier.Registry, logger *slog.Logger) *Service {
	return &Service{
		db:             db,
		tiers:          tiers,
		logger:         logger,
		batchSize:      DefaultBatchSize,
		idempotencyTTL: DefaultIdempotencyTTL,
		unitBudget:     jobs.DefaultUnitBudget,
	}
}

// Cutoff is the oldest instant a tier keeps: the start of the UTC day
// RetentionDays before now.
func Cutoff(t model.WorkspaceTier, now time.Time) time.Time {
	return model.UTCDay(now).AddDate(0, 0, -t.RetentionDays)
}

// Run clears elapsed throttles, revokes expired keys, drops stale
// idempotency records, then purges each workspace.
func (s *Service) Run(ctx context.Context, now time.Time) (model.JobSummary, error) {
	now = now.UTC()
	summary := model.JobSummary{Details: map[string]any{}}

	throttles, err := s.db.ClearExpiredThrottles(ctx, now)
	if err != nil {
		return summary, err
	}
	keys, err := s.db.RevokeExpiredAPIKeys(ctx, now)
	if err != nil {
		return summary, err
	}
	idem, err := s.db.CleanupIdempotencyKeys(ctx, s.idempotencyTTL)
	if err != nil {
		return summary, err
	}
	summary.Details["throttles_cleared"] = throttles
	summary.Details["keys_revoked"] = keys
	summary.Details["idempotency_keys_deleted"] = idem

	ids, err := s.db.ListWorkspaceIDs(ctx)
	if err != nil {
		return summary, err
	}
	var purged storage.PurgeCount
	for i, id := range ids {
		if !jobs.HasTime(ctx, s.unitBudget) {
			summary.Truncated = true
			summary.Remaining = len(ids) - i
			break
		}
		n, err := s.purge(ctx, id, now)
		purged.Events += n.Events
		purged.Runs += n.Runs
		if err != nil {
			summary.Failed++
			s.logger.Error("retention: purge failed", "workspace_id", id, "error", err)
			continue
		}
		summary.Processed++
	}
	summary.Details["events_purged"] = purged.Events
	summary.Details["runs_purged"] = purged.Runs
	return summary, nil
}

func (s *Service) purge(ctx context.Context, workspaceID uuid.UUID, now time.Time) (storage.PurgeCount, error) {
	t, err := s.tiers.Get(ctx, workspaceID)
	if err != nil {
		return storage.PurgeCount{}, err
	}
	n, err := s.db.PurgeExpired(ctx, workspaceID, Cutoff(t, now), s.batchSize)
	if n.Events > 0 || n.Runs > 0 {
		s.logger.Info("retention: purged", "workspace_id", workspaceID, "tier", t.TierName,
			"events", n.Events, "runs", n.Runs)
	}
	return n, err
}
