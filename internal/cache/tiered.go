package cache

import (
	"context"
	"time"
)

// Cache source labels reported in the x-ditto-cache-source header.
const (
	SourceMemory = "memory"
	SourceShared = "shared"
)

// Tiered checks the memory tier first, then the shared tier, hydrating the
// memory tier on a shared hit. The shared tier may be nil.
type Tiered struct {
	memory *Memory
	shared Shared
}

// NewTiered combines the memory tier with an optional shared tier.
func NewTiered(memory *Memory, shared Shared) *Tiered {
	return &Tiered{memory: memory, shared: shared}
}

// Memory exposes the local tier for purge and sweep operations.
func (t *Tiered) Memory() *Memory { return t.memory }

// Lookup returns the cached response and the tier it came from.
func (t *Tiered) Lookup(ctx context.Context, scope, key string, ttlSeconds, maxEntries int) (Response, string, bool) {
	if resp, ok := t.memory.Get(scope, key); ok {
		return resp, SourceMemory, true
	}
	if t.shared != nil {
		if resp, ok := t.shared.Get(ctx, key); ok {
			t.memory.Put(scope, key, resp, ttlSeconds, maxEntries)
			return resp, SourceShared, true
		}
	}
	return Response{}, "", false
}

// Store writes the response to both tiers.
func (t *Tiered) Store(ctx context.Context, scope, key string, resp Response, ttlSeconds, maxEntries int) {
	t.memory.Put(scope, key, resp, ttlSeconds, maxEntries)
	if t.shared != nil && ttlSeconds > 0 && maxEntries > 0 {
		t.shared.Set(ctx, key, resp, time.Duration(ttlSeconds)*time.Second)
	}
}

// Purge drops one scope from the memory tier. The shared tier is scoped by
// full cache key, so per-scope purges only affect the local tier.
func (t *Tiered) Purge(scope string) int {
	return t.memory.Purge(scope)
}

// PurgeAll drops everything from both tiers.
func (t *Tiered) PurgeAll(ctx context.Context) int {
	n := t.memory.PurgeAll()
	if t.shared != nil {
		t.shared.Clear(ctx)
	}
	return n
}
