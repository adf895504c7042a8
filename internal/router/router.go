// Package router selects candidate backends for a request: key route pins,
// prefix rules, then weighted sampling without replacement. The shuffle is
// seeded from the request id so a request's candidate order is reproducible
// while the fleet-wide distribution follows the configured weights.
package router

import (
	"hash/fnv"
	"math/rand"

	gateway "github.com/dittolabs/ditto/internal"
)

// Router resolves models to ordered backend candidate lists.
type Router struct {
	cfg gateway.RouterConfig
}

// New creates a Router over the given config.
func New(cfg gateway.RouterConfig) *Router {
	return &Router{cfg: cfg}
}

// RuleFor returns the first rule matching model, exact rules first. A key
// with a pinned route bypasses rules entirely.
func (r *Router) RuleFor(model string, key *gateway.VirtualKey) *gateway.RouteRule {
	if key != nil && key.Route != "" {
		return nil
	}
	for i := range r.cfg.Rules {
		if r.cfg.Rules[i].Exact && r.cfg.Rules[i].Matches(model) {
			return &r.cfg.Rules[i]
		}
	}
	for i := range r.cfg.Rules {
		if !r.cfg.Rules[i].Exact && r.cfg.Rules[i].Matches(model) {
			return &r.cfg.Rules[i]
		}
	}
	return nil
}

// Candidates returns the ordered backend list for the request. The key's
// pinned route short-circuits everything; otherwise the matching rule's pool
// (or the default pool) is weighted-shuffled with a seed derived from the
// request id and key id.
func (r *Router) Candidates(model string, key *gateway.VirtualKey, requestID string) []string {
	if key != nil && key.Route != "" {
		return []string{key.Route}
	}

	pool := r.cfg.DefaultBackends
	if rule := r.RuleFor(model, key); rule != nil && len(rule.Backends) > 0 {
		pool = rule.Backends
	}
	if len(pool) == 0 {
		return nil
	}

	seed := requestID
	if key != nil {
		seed += "|" + key.ID
	}
	return WeightedShuffle(pool, seedHash(seed))
}

// WeightedShuffle samples the pool without replacement, each draw
// proportional to the remaining weights. Zero and negative weights sort
// last in input order. Deduplicates backend names, keeping the first draw.
func WeightedShuffle(pool []gateway.RouteBackend, seed uint64) []string {
	remaining := make([]gateway.RouteBackend, len(pool))
	copy(remaining, pool)
	rng := rand.New(rand.NewSource(int64(seed)))

	out := make([]string, 0, len(remaining))
	seen := make(map[string]bool, len(remaining))

	for len(remaining) > 0 {
		total := 0.0
		for _, b := range remaining {
			if b.Weight > 0 {
				total += b.Weight
			}
		}

		idx := 0
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, b := range remaining {
				if b.Weight <= 0 {
					continue
				}
				acc += b.Weight
				if target < acc {
					idx = i
					break
				}
			}
		}
		// All weights exhausted: drain remaining in input order.

		name := remaining[idx].Backend
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// seedHash folds a seed string to 64 bits with FNV-1a.
func seedHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
