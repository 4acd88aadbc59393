package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gosette/gosette/pkg/cache"
	"github.com/gosette/gosette/pkg/web"
)

// DefaultCacheTTL is how long a cached decision is reused.
const DefaultCacheTTL = 10 * time.Second

// CachedResolver wraps another Checker with a short-lived LRU cache.
// Entries are keyed by a generation so that registering or removing a
// plugin invalidates every earlier decision. Errors are never cached.
type CachedResolver struct {
	inner      Checker
	cache      *cache.LRU[Decision]
	generation func() uint64
}

// NewCachedResolver creates a CachedResolver. generation is typically the
// hook registry's Generation method; nil means a constant generation.
func NewCachedResolver(inner Checker, maxSize int, ttl time.Duration, generation func() uint64) *CachedResolver {
	if generation == nil {
		generation = func() uint64 { return 0 }
	}
	return &CachedResolver{
		inner:      inner,
		cache:      cache.NewLRU[Decision](maxSize, ttl),
		generation: generation,
	}
}

// Resolve checks the cache first and delegates to the inner Checker on miss.
func (c *CachedResolver) Resolve(ctx context.Context, actor web.Actor, action string, resource Resource) (Decision, error) {
	ds, err := c.ResolveMany(ctx, actor, action, []Resource{resource})
	if len(ds) == 0 {
		return Decision{Outcome: Deny, Reason: "resolution failed", Source: SourceDefault}, err
	}
	return ds[0], err
}

// ResolveMany serves cached decisions and resolves the rest in one batch.
func (c *CachedResolver) ResolveMany(ctx context.Context, actor web.Actor, action string, resources []Resource) ([]Decision, error) {
	actorKey, err := actorCacheKey(actor)
	if err != nil {
		return c.inner.ResolveMany(ctx, actor, action, resources)
	}
	gen := c.generation()

	out := make([]Decision, len(resources))
	var (
		missIdx []int
		misses  []Resource
	)
	for i, res := range resources {
		if d, ok := c.cache.Get(cacheKey(gen, actorKey, action, res)); ok {
			out[i] = d
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, res)
	}
	if len(misses) == 0 {
		return out, nil
	}

	resolved, err := c.inner.ResolveMany(ctx, actor, action, misses)
	for j, d := range resolved {
		out[missIdx[j]] = d
		if err == nil {
			c.cache.Set(cacheKey(gen, actorKey, action, misses[j]), d)
		}
	}
	return out, err
}

// InvalidateAll drops every cached decision.
func (c *CachedResolver) InvalidateAll() { c.cache.InvalidateAll() }

// actorCacheKey serializes the actor. Map keys marshal in sorted order, so
// equal actors produce equal keys.
func actorCacheKey(actor web.Actor) (string, error) {
	if actor == nil {
		return "null", nil
	}
	b, err := json.Marshal(actor)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func cacheKey(gen uint64, actor, action string, res Resource) string {
	return fmt.Sprintf("%d\x00%s\x00%s\x00%s\x00%s", gen, actor, action, res.Parent, res.Child)
}
