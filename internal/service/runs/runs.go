// Package runs opens, closes and reads runs. Totals are accumulated by
// ingestion; this package only manages the lifecycle.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// DefaultStaleAfter is how long a run may stay running before reads flag it.
const DefaultStaleAfter = time.Hour

var (
	// ErrAgentPaused is returned when a paused agent tries to start a run.
	ErrAgentPaused = errors.New("runs: agent is paused")

	// ErrInvalidStatus is returned when Finish is given a non-terminal status.
	ErrInvalidStatus = errors.New("runs: status must be success or error")
)

// ThrottledError is returned while the agent is throttled. It matches
// ErrAgentThrottled via errors.Is.
type ThrottledError struct {
	Until time.Time
}

// ErrAgentThrottled is the sentinel matched by *ThrottledError.
var ErrAgentThrottled = errors.New("runs: agent is throttled")

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("runs: agent is throttled until %s", e.Until.Format(time.RFC3339))
}

// Is reports ErrAgentThrottled.
func (e *ThrottledError) Is(target error) bool { return target == ErrAgentThrottled }

// RetryAfter is the time remaining until the throttle lifts, rounded up to
// whole seconds.
func (e *ThrottledError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second) + time.Second
}

// Service manages run lifecycles.
type Service struct {
	db         *storage.DB
	tiers      *tier.Registry
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a run service. staleAfter <= 0 uses DefaultStaleAfter.
func New(db *storage.DB, tiers *tier.Registry, staleAfter time.Duration, logger *slog.Logger) *Service {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{db: db, tiers: tiers, logger: logger, staleAfter: staleAfter, now: time.Now}
}

// StartInput describes a run to open.
type StartInput struct {
	RunID    *uuid.UUID
	AgentID  string
	Metadata map[string]any
}

// Start opens a run. The agent is registered under the workspace agent
// ceiling if this is its first appearance.
func (s *Service) Start(ctx context.Context, workspaceID uuid.UUID, in StartInput) (model.Run, error) {
	if err := model.ValidateAgentID(in.AgentID); err != nil {
		return model.Run{}, err
	}
	t, err := s.tiers.Get(ctx, workspaceID)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: resolve tier: %w", err)
	}
	agent, _, err := s.db.EnsureAgent(ctx, workspaceID, in.AgentID, t.MaxAgents)
	if err != nil {
		return model.Run{}, tier.QuotaError(t, err)
	}

	now := s.now().UTC()
	if !agent.IsActive {
		return model.Run{}, fmt.Errorf("%w: %s", ErrAgentPaused, in.AgentID)
	}
	if agent.Throttled(now) {
		return model.Run{}, &ThrottledError{Until: *agent.ThrottledUntil}
	}

	r := model.Run{WorkspaceID: workspaceID, AgentID: in.AgentID, Metadata: in.Metadata, StartedAt: now}
	if in.RunID != nil {
		r.ID = *in.RunID
	}
	created, err := s.db.CreateRun(ctx, r)
	if err != nil {
		return model.Run{}, err
	}
	if err := s.db.TouchAgent(ctx, workspaceID, in.AgentID, now, nil); err != nil {
		s.logger.Warn("runs: touch agent failed", "workspace_id", workspaceID, "agent_id", in.AgentID, "error", err)
	}
	return s.mark(created, now), nil
}

// FinishInput is the terminal status of a run.
type FinishInput struct {
	Status model.RunStatus
	Error  *string
}

// Finish closes a running run.
func (s *Service) Finish(ctx context.Context, workspaceID, runID uuid.UUID, in FinishInput) (model.Run, error) {
	if !in.Status.Terminal() {
		return model.Run{}, ErrInvalidStatus
	}
	now := s.now().UTC()
	r, err := s.db.FinishRun(ctx, workspaceID, runID, in.Status, in.Error, now)
	if err != nil {
		return model.Run{}, err
	}
	return s.mark(r, now), nil
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, workspaceID, runID uuid.UUID) (model.Run, error) {
	r, err := s.db.GetRun(ctx, workspaceID, runID)
	if err != nil {
		return model.Run{}, err
	}
	return s.mark(r, s.now().UTC()), nil
}

// List returns runs newest first with the total matching count.
func (s *Service) List(ctx context.Context, workspaceID uuid.UUID, f storage.RunFilters) ([]model.Run, int, error) {
	runs, total, err := s.db.ListRuns(ctx, workspaceID, f)
	if err != nil {
		return nil, 0, err
	}
	now := s.now().UTC()
	for i := range runs {
		runs[i] = s.mark(runs[i], now)
	}
	return runs, total, nil
}

func (s *Service) mark(r model.Run, now time.Time) model.Run {
	r.Stale = IsStale(r, now, s.staleAfter)
	return r
}

// IsStale reports whether a run is still running after staleAfter.
func IsStale(r model.Run, now time.Time, staleAfter time.Duration) bool {
	return r.Status == model.RunStatusRunning && now.Sub(r.StartedAt) > staleAfter
}
