package alerts

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/notify"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// targetCache memoizes workspace and tier lookups for one evaluation pass.
type targetCache struct {
	db     *storage.DB
	tiers  *tier.Registry
	global string

	mu   sync.Mutex
	seen map[uuid.UUID]workspaceInfo
}

type workspaceInfo struct {
	ws   model.Workspace
	tier model.WorkspaceTier
}

func newTargetCache(db *storage.DB, tiers *tier.Registry, global string) *targetCache {
	return &targetCache{db: db, tiers: tiers, global: global, seen: make(map[uuid.UUID]workspaceInfo)}
}

func (c *targetCache) get(ctx context.Context, workspaceID uuid.UUID, override *string) (notify.Targets, error) {
	c.mu.Lock()
	info, ok := c.seen[workspaceID]
	c.mu.Unlock()
	if !ok {
		ws, err := c.db.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return notify.Targets{}, err
		}
		t, err := c.tiers.Get(ctx, workspaceID)
		if err != nil {
			return notify.Targets{}, err
		}
		info = workspaceInfo{ws: ws, tier: t}
		c.mu.Lock()
		c.seen[workspaceID] = info
		c.mu.Unlock()
	}
	return notify.Route(info.ws, info.tier, override, c.global), nil
}
