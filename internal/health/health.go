// Package health tracks per-backend failure state and implements the
// circuit breaker that excludes bad backends from selection. Network
// failures and 5xx statuses count toward the breaker; once the threshold is
// reached the backend is held unhealthy for a cooldown period. Any success
// closes the breaker.
package health

import (
	"sync"

	gateway "github.com/dittolabs/ditto/internal"
)

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	Enabled          bool  `yaml:"enabled"`
	FailureThreshold int   `yaml:"failure_threshold"`
	CooldownSeconds  int64 `yaml:"cooldown_seconds"`
}

// DefaultBreakerConfig returns the stock thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Enabled: true, FailureThreshold: 3, CooldownSeconds: 30}
}

// FailureKind classifies an attempt failure for breaker accounting.
type FailureKind int

const (
	// FailureNetwork is a transport-level failure (dial, timeout, EOF).
	FailureNetwork FailureKind = iota
	// FailureStatus is a retryable HTTP status from the upstream.
	FailureStatus
)

type state struct {
	consecutiveFailures int
	unhealthyUntil      int64 // epoch seconds; 0 = not open
	lastError           string
	lastFailureTSMS     uint64
	probeHealthy        *bool
	probeLastError      string
}

// healthy reports routability: breaker not open and the last
// health-check probe did not explicitly report unhealthy.
func (s *state) healthy(nowEpoch int64) bool {
	if s.probeHealthy != nil && !*s.probeHealthy {
		return false
	}
	return s.unhealthyUntil == 0 || nowEpoch >= s.unhealthyUntil
}

// Tracker manages health state for all backends behind one mutex. All
// operations are constant-time map updates; never held across I/O.
type Tracker struct {
	clock gateway.Clock
	cfg   BreakerConfig

	mu       sync.Mutex
	backends map[string]*state
}

// NewTracker creates a Tracker with the given breaker config.
func NewTracker(cfg BreakerConfig, clock gateway.Clock) *Tracker {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = DefaultBreakerConfig().CooldownSeconds
	}
	return &Tracker{clock: clock, cfg: cfg, backends: make(map[string]*state)}
}

func (t *Tracker) get(name string) *state {
	s, ok := t.backends[name]
	if !ok {
		s = &state{}
		t.backends[name] = s
	}
	return s
}

// Healthy reports whether the backend may receive traffic right now.
// Unknown backends are healthy.
func (t *Tracker) Healthy(name string) bool {
	now := t.clock.Now().Unix()
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.backends[name]
	if !ok {
		return true
	}
	return s.healthy(now)
}

// FilterHealthy returns the candidates that pass the health predicate,
// preserving order.
func (t *Tracker) FilterHealthy(candidates []string) []string {
	now := t.clock.Now().Unix()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if s, ok := t.backends[name]; ok && !s.healthy(now) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// RecordSuccess clears failure state and closes the breaker.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(name)
	s.consecutiveFailures = 0
	s.unhealthyUntil = 0
	s.lastError = ""
	s.lastFailureTSMS = 0
}

// RecordFailure notes a failed attempt. Network failures and statuses >= 500
// count toward the breaker threshold; 4xx retryables (429) do not.
func (t *Tracker) RecordFailure(name string, kind FailureKind, statusCode int, message string) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(name)
	s.lastError = message
	s.lastFailureTSMS = gateway.NowMillis(now)

	if !t.cfg.Enabled {
		return
	}
	if kind == FailureStatus && statusCode < 500 {
		return
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= t.cfg.FailureThreshold {
		s.unhealthyUntil = now.Unix() + t.cfg.CooldownSeconds
	}
}

// RecordProbe records a health-check probe outcome.
func (t *Tracker) RecordProbe(name string, healthy bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(name)
	s.probeHealthy = &healthy
	if healthy {
		s.probeLastError = ""
	} else {
		s.probeLastError = message
	}
}

// Reset clears all state for a backend (admin breaker reset).
func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.backends, name)
}

// Snapshot returns the externally visible state for one backend.
func (t *Tracker) Snapshot(name string) gateway.BackendHealthSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := gateway.BackendHealthSnapshot{Backend: name}
	s, ok := t.backends[name]
	if !ok {
		return snap
	}
	snap.ConsecutiveFailures = s.consecutiveFailures
	snap.LastError = s.lastError
	if s.unhealthyUntil != 0 {
		until := s.unhealthyUntil
		snap.UnhealthyUntilEpochSeconds = &until
	}
	if s.lastFailureTSMS != 0 {
		ts := s.lastFailureTSMS
		snap.LastFailureTSMS = &ts
	}
	if s.probeHealthy != nil {
		h := *s.probeHealthy
		snap.HealthCheckHealthy = &h
		snap.HealthCheckLastError = s.probeLastError
	}
	return snap
}

// SnapshotAll returns snapshots for every backend in names order, including
// backends with no recorded state yet.
func (t *Tracker) SnapshotAll(names []string) []gateway.BackendHealthSnapshot {
	out := make([]gateway.BackendHealthSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, t.Snapshot(name))
	}
	return out
}
