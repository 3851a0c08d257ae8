// Package ingest validates, prices and stores telemetry events.
//
// A batch is checked against the workspace tier as a whole, then each item
// is handled independently: one bad item never sinks its neighbours.
// Dedupe and run accumulation happen in storage, inside the insert
// transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/cost"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// ErrBatchTooLarge is returned when a batch exceeds the tier's batch size.
// It also wraps tier.ErrQuotaExceeded.
var ErrBatchTooLarge = errors.New("ingest: batch too large")

// Service ingests events.
type Service struct {
	db     *storage.DB
	tiers  *tier.Registry
	costs  *cost.Engine
	logger *slog.Logger
	now    func() time.Time

	ingested metric.Int64Counter
}

// New creates an ingestion service.
func New(db *storage.DB, tiers *tier.Registry, costs *cost.Engine, logger *slog.Logger) *Service {
	meter := telemetry.Meter("ingest")
	ingested, _ := meter.Int64Counter("kansoku.events.ingested",
		metric.WithDescription("Events processed by ingestion, by outcome"),
	)
	return &Service{
		db:       db,
		tiers:    tiers,
		costs:    costs,
		logger:   logger,
		now:      time.Now,
		ingested: ingested,
	}
}

// Ingest stores a batch of events for a workspace. The error is non-nil
// only when the whole batch is rejected; per-item failures are reported in
// the result.
func (s *Service) Ingest(ctx context.Context, workspaceID uuid.UUID, items []model.EventInput) (model.IngestResult, error) {
	t, err := s.tiers.Get(ctx, workspaceID)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("ingest: resolve tier: %w", err)
	}
	if err := tier.CheckBatch(t, len(items)); err != nil {
		return model.IngestResult{}, fmt.Errorf("%w: %w", ErrBatchTooLarge, err)
	}

	now := s.now().UTC()
	res := model.IngestResult{Results: make([]model.ItemResult, 0, len(items))}
	// Agents already resolved in this batch; skips repeat lookups.
	known := make(map[string]bool)
	lastSeen := make(map[string]time.Time)
	// Model of each agent's latest accepted llm_call in this batch.
	lastModel := make(map[string]observedModel)

	for i := range items {
		item := s.ingestOne(ctx, t, i, &items[i], known, now)
		switch item.Status {
		case model.ItemAccepted:
			res.Accepted++
		case model.ItemDuplicate:
			res.Duplicates++
		case model.ItemRejected:
			res.Rejected++
		}
		if item.Status != model.ItemRejected {
			at := items[i].Timestamp(now)
			if at.After(lastSeen[items[i].AgentID]) {
				lastSeen[items[i].AgentID] = at
			}
			if items[i].EventType == model.EventLLMCall && items[i].Model != nil && *items[i].Model != "" {
				if prev, ok := lastModel[items[i].AgentID]; !ok || !at.Before(prev.at) {
					lastModel[items[i].AgentID] = observedModel{name: *items[i].Model, at: at}
				}
			}
		}
		s.ingested.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(item.Status))))
		res.Results = append(res.Results, item)
	}

	for agentID, at := range lastSeen {
		var observed *string
		if m, ok := lastModel[agentID]; ok {
			observed = &m.name
		}
		if err := s.db.TouchAgent(ctx, workspaceID, agentID, at, observed); err != nil {
			s.logger.Warn("ingest: touch agent failed", "workspace_id", workspaceID, "agent_id", agentID, "error", err)
		}
	}
	return res, nil
}

type observedModel struct {
	name string
	at   time.Time
}

func (s *Service) ingestOne(ctx context.Context, t model.WorkspaceTier, idx int, in *model.EventInput, known map[string]bool, now time.Time) model.ItemResult {
	out := model.ItemResult{Index: idx}
	reject := func(reason, msg string) model.ItemResult {
		out.Status = model.ItemRejected
		out.Reason = reason
		out.Message = msg
		return out
	}

	if err := in.Validate(); err != nil {
		var ie *model.ItemError
		if errors.As(err, &ie) {
			return reject(ie.Reason, ie.Message)
		}
		return reject(model.RejectInvalidItem, err.Error())
	}

	if !known[in.AgentID] {
		_, _, err := s.db.EnsureAgent(ctx, t.WorkspaceID, in.AgentID, t.MaxAgents)
		if errors.Is(err, storage.ErrAgentLimitExceeded) {
			out = reject(model.RejectAgentLimitExceeded, tier.QuotaError(t, err).Error())
			out.UpgradeRequired = true
			return out
		}
		if err != nil {
			s.logger.Error("ingest: ensure agent", "workspace_id", t.WorkspaceID, "agent_id", in.AgentID, "error", err)
			return reject(model.RejectInternal, "failed to register agent")
		}
		known[in.AgentID] = true
	}

	e := model.Event{
		WorkspaceID: t.WorkspaceID,
		AgentID:     in.AgentID,
		RunID:       in.RunID,
		EventType:   in.EventType,
		Status:      in.Status,
		Provider:    in.Provider,
		Model:       in.Model,
		TokensIn:    in.TokensIn,
		TokensOut:   in.TokensOut,
		LatencyMS:   in.LatencyMS,
		Payload:     in.Payload,
		DedupeKey:   in.DedupeKey,
		CreatedAt:   in.Timestamp(now),
	}
	if in.CostUSD != nil {
		e.CostUSD = *in.CostUSD
	} else if in.Model != nil && (in.TokensIn > 0 || in.TokensOut > 0) {
		provider := ""
		if in.Provider != nil {
			provider = *in.Provider
		}
		c, missing, err := s.costs.CostFor(ctx, provider, *in.Model, in.TokensIn, in.TokensOut)
		if err != nil {
			s.logger.Error("ingest: price event", "workspace_id", t.WorkspaceID, "model", *in.Model, "error", err)
			return reject(model.RejectInternal, "failed to price event")
		}
		e.CostUSD = c
		e.PricingMissing = missing
	}

	stored, err := s.db.InsertEvent(ctx, e)
	if err != nil {
		s.logger.Error("ingest: insert event", "workspace_id", t.WorkspaceID, "agent_id", in.AgentID, "error", err)
		return reject(model.RejectInternal, "failed to store event")
	}

	id := stored.Event.ID
	out.ID = &id
	out.PricingMissing = stored.Event.PricingMissing
	if !stored.Inserted {
		out.Status = model.ItemDuplicate
		return out
	}
	out.Status = model.ItemAccepted
	if stored.Event.RunID != nil {
		linked := stored.RunLinked
		out.RunLinked = &linked
	}
	return out
}
