// Package tier resolves the quota bundle governing each workspace and
// enforces its ceilings.
//
// Registry caches lookups with a TTL. Quota errors wrap ErrQuotaExceeded so
// the HTTP layer can map them to 403 with upgrade_required.
package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

var (
	// ErrQuotaExceeded is wrapped by every tier ceiling violation.
	ErrQuotaExceeded = errors.New("tier: quota exceeded")

	// ErrUnknownTier is returned by Set for a name with no built-in bundle.
	ErrUnknownTier = errors.New("tier: unknown tier")
)

// DefaultCacheTTL is how long a resolved tier is served from memory.
const DefaultCacheTTL = 60 * time.Second

// Store is the persistence the registry needs.
type Store interface {
	GetWorkspaceTier(ctx context.Context, workspaceID uuid.UUID) (model.WorkspaceTier, error)
	UpsertWorkspaceTier(ctx context.Context, t model.WorkspaceTier) error
}

// Registry resolves workspace tiers through a TTL cache. A workspace with
// no explicit tier row gets the free bundle.
type Registry struct {
	store Store
	cache *cache.Cache
}

// NewRegistry creates a registry. ttl <= 0 uses DefaultCacheTTL.
func NewRegistry(store Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Registry{
		store: store,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Get returns the tier for a workspace.
func (r *Registry) Get(ctx context.Context, workspaceID uuid.UUID) (model.WorkspaceTier, error) {
	key := workspaceID.String()
	if v, ok := r.cache.Get(key); ok {
		return v.(model.WorkspaceTier), nil
	}

	t, err := r.store.GetWorkspaceTier(ctx, workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		t = model.DefaultTier(workspaceID)
	} else if err != nil {
		return model.WorkspaceTier{}, fmt.Errorf("tier: get: %w", err)
	}
	r.cache.Set(key, t, cache.DefaultExpiration)
	return t, nil
}

// Invalidate drops the cached tier so the next Get reads the store.
func (r *Registry) Invalidate(workspaceID uuid.UUID) {
	r.cache.Delete(workspaceID.String())
}

// Set moves a workspace onto a built-in bundle.
func (r *Registry) Set(ctx context.Context, workspaceID uuid.UUID, tierName string) (model.WorkspaceTier, error) {
	t, ok := model.TierBundle(tierName, workspaceID)
	if !ok {
		return model.WorkspaceTier{}, fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
	}
	if err := r.store.UpsertWorkspaceTier(ctx, t); err != nil {
		return model.WorkspaceTier{}, fmt.Errorf("tier: set: %w", err)
	}
	r.Invalidate(workspaceID)
	return t, nil
}

// CheckBatch rejects batches larger than the tier allows.
func CheckBatch(t model.WorkspaceTier, n int) error {
	limit := min(t.MaxBatchSize, model.HardMaxBatchSize)
	if n > limit {
		return fmt.Errorf("%w: batch of %d exceeds %s tier limit of %d", ErrQuotaExceeded, n, t.TierName, limit)
	}
	return nil
}

// RetentionCutoff is the oldest instant still inside the retention window.
func RetentionCutoff(t model.WorkspaceTier, now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -t.RetentionDays)
}

// ClampRange bounds a query range to the retention window. A zero from
// means the start of retention and a zero to means now. The result always
// has from <= to.
func ClampRange(t model.WorkspaceTier, from, to, now time.Time) (time.Time, time.Time) {
	cutoff := RetentionCutoff(t, now)
	now = now.UTC()
	if from.IsZero() || from.Before(cutoff) {
		from = cutoff
	}
	if to.IsZero() || to.After(now) {
		to = now
	}
	if from.After(to) {
		from = to
	}
	return from.UTC(), to.UTC()
}

// QuotaError wraps a storage ceiling error in ErrQuotaExceeded with a
// message naming the tier. Other errors pass through unchanged. The
// agent, alert rule and api key ceilings are counted in storage under the
// workspace row lock; this is their only tier-facing form.
func QuotaError(t model.WorkspaceTier, err error) error {
	switch {
	case errors.Is(err, storage.ErrAgentLimitExceeded):
		return fmt.Errorf("%w: %s tier allows %d agents", ErrQuotaExceeded, t.TierName, t.MaxAgents)
	case errors.Is(err, storage.ErrAlertRuleLimitExceeded):
		return fmt.Errorf("%w: %s tier allows %d alert rules", ErrQuotaExceeded, t.TierName, t.MaxAlertRules)
	case errors.Is(err, storage.ErrAPIKeyLimitExceeded):
		return fmt.Errorf("%w: %s tier allows %d api keys", ErrQuotaExceeded, t.TierName, t.MaxAPIKeys)
	}
	return err
}
