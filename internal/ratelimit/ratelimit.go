// Package ratelimit implements per-scope sliding-window RPM and TPM limiting.
//
// Each (scope, route) pair keeps the current and previous minute's counters.
// Admission combines them weighted by how far into the current minute the
// request arrives: the previous bucket contributes (60-second)/60 of its
// credits. Counters store credits (60 per request, 60 per token) so the
// weighted totals compare directly against rpm*60 and tpm*60.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

// window TTL: per-key state expires this long after last use so the current
// and previous minute stay resolvable under the sliding-window overlap.
const staleAfter = 3 * time.Minute

type bucket struct {
	requests int64 // credits: 60 per request
	tokens   int64 // credits: 60 per token
}

type window struct {
	minute   int64
	current  bucket
	previous bucket
	lastUsed time.Time
}

// roll advances the window to minute, shifting or clearing buckets.
func (w *window) roll(minute int64) {
	switch {
	case minute == w.minute:
	case minute == w.minute+1:
		w.previous = w.current
		w.current = bucket{}
		w.minute = minute
	default:
		w.previous = bucket{}
		w.current = bucket{}
		w.minute = minute
	}
}

// weighted returns the sliding-window totals at the given second-in-minute.
func (w *window) weighted(second int64) (requests, tokens int64) {
	weight := 60 - second
	requests = w.current.requests + w.previous.requests*weight/60
	tokens = w.current.tokens + w.previous.tokens*weight/60
	return
}

// Limiter tracks sliding windows for every (scope, route) pair.
type Limiter struct {
	clock gateway.Clock

	mu         sync.Mutex
	windows    map[string]*window
	lastMinute int64
}

// NewLimiter creates a Limiter using the given clock.
func NewLimiter(clock gateway.Clock) *Limiter {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	return &Limiter{clock: clock, windows: make(map[string]*window)}
}

// Check consumes one request and the estimated tokens from the scope's
// window. Limits of nil are unlimited; an explicit 0 denies all traffic.
// Returns a RateLimitError naming the scope and limit on denial.
func (l *Limiter) Check(scope, route string, limits gateway.LimitsConfig, tokens int64) error {
	if limits.RPM == nil && limits.TPM == nil {
		return nil
	}

	now := l.clock.Now()
	minute := now.Unix() / 60
	second := int64(now.Second())

	l.mu.Lock()
	defer l.mu.Unlock()

	// Clock rollback wipes all scopes: stale higher-minute buckets would
	// otherwise deny traffic for the whole rollback span.
	if minute < l.lastMinute {
		l.windows = make(map[string]*window)
	}
	l.lastMinute = minute

	id := scope + "|" + route
	w, ok := l.windows[id]
	if !ok {
		w = &window{minute: minute}
		l.windows[id] = w
	}
	w.roll(minute)
	w.lastUsed = now

	weightedReq, weightedTok := w.weighted(second)
	nextReq := weightedReq + 60
	nextTok := weightedTok + tokens*60

	if limits.RPM != nil {
		rpm := *limits.RPM
		if rpm <= 0 || nextReq > rpm*60 {
			return &gateway.RateLimitError{Scope: scope, Limit: limitString("rpm", rpm)}
		}
	}
	if limits.TPM != nil {
		tpm := *limits.TPM
		if tpm <= 0 || nextTok > tpm*60 {
			return &gateway.RateLimitError{Scope: scope, Limit: limitString("tpm", tpm)}
		}
	}

	w.current.requests += 60
	w.current.tokens += tokens * 60
	return nil
}

// EvictStale removes windows unused since the TTL cutoff. Returns the count
// removed. Intended to be called periodically by a background worker.
func (l *Limiter) EvictStale() int {
	cutoff := l.clock.Now().Add(-staleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, w := range l.windows {
		if w.lastUsed.Before(cutoff) {
			delete(l.windows, id)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of live windows (for metrics).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func limitString(kind string, limit int64) string {
	return kind + ">" + strconv.FormatInt(limit, 10)
}
