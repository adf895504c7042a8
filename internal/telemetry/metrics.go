// Package telemetry provides observability primitives for the Ditto gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	BackendDuration  *prometheus.HistogramVec
	BackendAttempts  *prometheus.CounterVec
	BackendFailures  *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	GuardrailBlocks  *prometheus.CounterVec
	BudgetDenials    *prometheus.CounterVec
	BudgetOvershoot  *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	CostMicrosTotal  *prometheus.CounterVec
	ReapedResv       prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ditto",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ditto",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ditto",
			Name:                            "backend_duration_seconds",
			Help:                            "Upstream backend call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"backend", "model"}),

		BackendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "backend_attempts_total",
			Help:      "Total upstream attempts, including retries.",
		}, []string{"backend"}),

		BackendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "backend_failures_total",
			Help:      "Total failed upstream attempts.",
		}, []string{"backend", "reason"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits by tier.",
		}, []string{"source"}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope_kind", "limit"}),

		GuardrailBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "guardrail_blocks_total",
			Help:      "Total requests rejected by guardrails.",
		}, []string{"reason"}),

		BudgetDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "budget_denials_total",
			Help:      "Total reservations denied by budget or cost ledgers.",
		}, []string{"kind", "scope_kind"}),

		BudgetOvershoot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "budget_overshoot_total",
			Help:      "Commits where actual usage exceeded the reservation.",
		}, []string{"kind"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CostMicrosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "cost_usd_micros_total",
			Help:      "Total committed cost in USD micros.",
		}, []string{"model"}),

		ReapedResv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ditto",
			Name:      "reaped_reservations_total",
			Help:      "Total stale reservations rolled back by the reaper.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.BackendDuration,
		m.BackendAttempts,
		m.BackendFailures,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.GuardrailBlocks,
		m.BudgetDenials,
		m.BudgetOvershoot,
		m.TokensProcessed,
		m.CostMicrosTotal,
		m.ReapedResv,
	)

	return m
}

// ScopeKind extracts the partition class from a scope id, e.g.
// "key:k1" yields "key". Used to keep metric label cardinality bounded.
func ScopeKind(scope string) string {
	for i := 0; i < len(scope); i++ {
		if scope[i] == ':' {
			return scope[:i]
		}
	}
	return "unknown"
}
