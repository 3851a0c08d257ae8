// Package cost turns token counts into exact USD amounts using the pricing
// reference table.
//
// Resolution rules:
//   - an exact (provider, model) row wins
//   - otherwise the longest registered model name that prefixes the
//     requested one wins, so "gpt-4o-mini-2024-07-18" falls back to
//     "gpt-4o-mini" before "gpt-4o"
//   - an empty provider searches every provider; ties go to the lexically
//     first provider
//
// All arithmetic is decimal. Prices are per million tokens.
package cost

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultCacheTTL is how long the pricing table is served from memory.
const DefaultCacheTTL = 5 * time.Minute

const tableKey = "pricing"

// Store is the persistence the engine needs.
type Store interface {
	ListPricing(ctx context.Context) ([]model.Pricing, error)
	UpsertPricing(ctx context.Context, rows []model.Pricing) error
}

// Engine resolves prices and computes costs.
type Engine struct {
	store Store
	cache *cache.Cache
}

// NewEngine creates an engine. ttl <= 0 uses DefaultCacheTTL.
func NewEngine(store Store, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Engine{store: store, cache: cache.New(ttl, 2*ttl)}
}

func (e *Engine) table(ctx context.Context) ([]model.Pricing, error) {
	if v, ok := e.cache.Get(tableKey); ok {
		return v.([]model.Pricing), nil
	}
	rows, err := e.store.ListPricing(ctx)
	if err != nil {
		return nil, fmt.Errorf("cost: load pricing: %w", err)
	}
	e.cache.Set(tableKey, rows, cache.DefaultExpiration)
	return rows, nil
}

// Invalidate drops the cached table so the next lookup reads the store.
func (e *Engine) Invalidate() {
	e.cache.Delete(tableKey)
}

// Upsert writes pricing rows and invalidates the cache so they apply
// immediately.
func (e *Engine) Upsert(ctx context.Context, rows []model.Pricing) error {
	for i, p := range rows {
		if err := ValidatePricing(p); err != nil {
			return fmt.Errorf("cost: row %d: %w", i, err)
		}
	}
	if err := e.store.UpsertPricing(ctx, rows); err != nil {
		return fmt.Errorf("cost: upsert pricing: %w", err)
	}
	e.Invalidate()
	return nil
}

// ValidatePricing checks one pricing row.
func ValidatePricing(p model.Pricing) error {
	if strings.TrimSpace(p.Provider) == "" || strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("provider and model are required")
	}
	if p.InputPerMillion.IsNegative() || p.OutputPerMillion.IsNegative() {
		return fmt.Errorf("prices must be non-negative")
	}
	return nil
}

// Resolve finds the pricing row for a model. found is false when nothing
// matches.
func (e *Engine) Resolve(ctx context.Context, provider, modelName string) (model.Pricing, bool, error) {
	rows, err := e.table(ctx)
	if err != nil {
		return model.Pricing{}, false, err
	}
	p, ok := Resolve(rows, provider, modelName)
	return p, ok, nil
}

// Resolve applies the resolution rules to an in-memory table.
func Resolve(rows []model.Pricing, provider, modelName string) (model.Pricing, bool) {
	if modelName == "" {
		return model.Pricing{}, false
	}
	var candidates []model.Pricing
	for _, p := range rows {
		if provider != "" && p.Provider != provider {
			continue
		}
		if strings.HasPrefix(modelName, p.Model) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return model.Pricing{}, false
	}
	// Longest model name first; an exact match is the longest possible.
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].Model) != len(candidates[j].Model) {
			return len(candidates[i].Model) > len(candidates[j].Model)
		}
		return candidates[i].Provider < candidates[j].Provider
	})
	return candidates[0], true
}

var million = decimal.NewFromInt(1_000_000)

// Compute returns tokensIn/1e6*input + tokensOut/1e6*output.
func Compute(p model.Pricing, tokensIn, tokensOut int64) decimal.Decimal {
	in := decimal.NewFromInt(tokensIn).Mul(p.InputPerMillion).Div(million)
	out := decimal.NewFromInt(tokensOut).Mul(p.OutputPerMillion).Div(million)
	return in.Add(out)
}

// CostFor prices a call. missing is true when no pricing row matched; the
// cost is then zero.
func (e *Engine) CostFor(ctx context.Context, provider, modelName string, tokensIn, tokensOut int64) (decimal.Decimal, bool, error) {
	p, ok, err := e.Resolve(ctx, provider, modelName)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !ok {
		return decimal.Zero, true, nil
	}
	return Compute(p, tokensIn, tokensOut), false, nil
}
