package cache

import (
	"sync"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

type entry struct {
	resp      Response
	expiresAt time.Time
}

// scopeCache is one key's slice of the memory tier. order tracks recency,
// least recently used first.
type scopeCache struct {
	entries map[string]entry
	order   []string
}

func (s *scopeCache) touch(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, key)
}

func (s *scopeCache) remove(key string) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Memory is the in-process cache tier. Entries are partitioned by scope
// (virtual key id) so one key's traffic can never evict another's.
type Memory struct {
	clock gateway.Clock

	mu     sync.Mutex
	scopes map[string]*scopeCache
}

// NewMemory creates an empty memory tier.
func NewMemory(clock gateway.Clock) *Memory {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	return &Memory{clock: clock, scopes: make(map[string]*scopeCache)}
}

// Get returns the cached response for (scope, key) and promotes it to most
// recently used. Expired entries are removed and reported as misses.
func (m *Memory) Get(scope, key string) (Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.scopes[scope]
	if !ok {
		return Response{}, false
	}
	e, ok := sc.entries[key]
	if !ok {
		return Response{}, false
	}
	if m.clock.Now().After(e.expiresAt) {
		sc.remove(key)
		return Response{}, false
	}
	sc.touch(key)
	return e.resp, true
}

// Put inserts a response under (scope, key), evicting the scope's least
// recently used entries down to maxEntries. A non-positive ttl or maxEntries
// disables caching entirely for the call.
func (m *Memory) Put(scope, key string, resp Response, ttlSeconds, maxEntries int) {
	if ttlSeconds <= 0 || maxEntries <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.scopes[scope]
	if !ok {
		sc = &scopeCache{entries: make(map[string]entry)}
		m.scopes[scope] = sc
	}
	if _, exists := sc.entries[key]; !exists {
		sc.order = append(sc.order, key)
	} else {
		sc.touch(key)
	}
	sc.entries[key] = entry{resp: resp, expiresAt: m.clock.Now().Add(time.Duration(ttlSeconds) * time.Second)}

	for len(sc.order) > maxEntries {
		oldest := sc.order[0]
		sc.order = sc.order[1:]
		delete(sc.entries, oldest)
	}
}

// Purge drops every entry for one scope. Returns the number removed.
func (m *Memory) Purge(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scopes[scope]
	if !ok {
		return 0
	}
	n := len(sc.entries)
	delete(m.scopes, scope)
	return n
}

// PurgeAll drops every entry in every scope. Returns the number removed.
func (m *Memory) PurgeAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sc := range m.scopes {
		n += len(sc.entries)
	}
	m.scopes = make(map[string]*scopeCache)
	return n
}

// Len reports the entry count for a scope.
func (m *Memory) Len(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.scopes[scope]; ok {
		return len(sc.entries)
	}
	return 0
}

// EvictExpired removes expired entries across all scopes and returns the
// number removed. Called from the background sweeper.
func (m *Memory) EvictExpired() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for scope, sc := range m.scopes {
		for key, e := range sc.entries {
			if now.After(e.expiresAt) {
				sc.remove(key)
				removed++
			}
		}
		if len(sc.entries) == 0 {
			delete(m.scopes, scope)
		}
	}
	return removed
}
