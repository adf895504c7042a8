// Package server implements the HTTP transport layer for the Ditto gateway:
// the OpenAI-compatible proxy pipeline, the admin plane, and the metrics
// endpoints.
package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/audit"
	"github.com/dittolabs/ditto/internal/backendauth"
	"github.com/dittolabs/ditto/internal/budget"
	"github.com/dittolabs/ditto/internal/cache"
	"github.com/dittolabs/ditto/internal/config"
	"github.com/dittolabs/ditto/internal/guardrails"
	"github.com/dittolabs/ditto/internal/health"
	"github.com/dittolabs/ditto/internal/pricing"
	"github.com/dittolabs/ditto/internal/ratelimit"
	"github.com/dittolabs/ditto/internal/router"
	"github.com/dittolabs/ditto/internal/store"
	"github.com/dittolabs/ditto/internal/store/redisstore"
	"github.com/dittolabs/ditto/internal/telemetry"
	"github.com/dittolabs/ditto/internal/tokencount"
	"github.com/dittolabs/ditto/internal/translation"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Cfg          *config.Config
	Log          *slog.Logger
	Clock        gateway.Clock
	Store        store.Store
	Keys         *Keyring
	Backends     map[string]gateway.Backend
	Limiter      *ratelimit.Limiter
	SharedRL     *redisstore.RateLimiter // nil = in-process limiter only
	Guard        *guardrails.Checker
	Tokens       *tokencount.Counter
	Pricing      *pricing.Table // nil = no cost enforcement
	Budget       *budget.Manager
	Health       *health.Tracker
	Router       *router.Router
	Cache        *cache.Tiered
	Audit        *audit.Log
	Translations *translation.Registry
	Metrics      *telemetry.Metrics
	Registry     *prometheus.Registry
	Client       *http.Client // shared outbound client
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = gateway.RealClock{}
	}
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	s := &server{
		deps:     deps,
		tracer:   telemetry.Tracer("ditto/server"),
		auth:     make(map[string]backendauth.Applier),
		inFlight: make(map[string]chan struct{}),
		models:   newModelCache(),
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.metrics)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetricsJSON)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics/prometheus",
			promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Admin plane, mounted only when a token is configured.
	if deps.Cfg.Admin.Token != "" || deps.Cfg.Admin.ReadToken != "" || len(deps.Cfg.Admin.TenantTokens) > 0 {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleUpsertKey)
			r.Put("/keys/{id}", s.handleUpsertKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)
			r.Get("/ledgers/budget", s.handleBudgetLedgers)
			r.Get("/ledgers/cost", s.handleCostLedgers)
			r.Get("/backends", s.handleBackends)
			r.Post("/backends/{name}/reset", s.handleBackendReset)
			r.Post("/proxy-cache/purge", s.handleCachePurge)
			r.Post("/reservations/reap", s.handleReap)
			r.Get("/audit", s.handleAuditList)
			r.Get("/audit/export", s.handleAuditExport)
		})
	}

	// Client-facing proxy: /v1/models is assembled locally, everything else
	// under /v1 (and the unprefixed aliases) goes through the pipeline.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/models", s.handleListModels)
		r.Handle("/v1/*", http.HandlerFunc(s.handleProxy))
		r.Handle("/*", http.HandlerFunc(s.handleProxy))
	})

	return r
}

type server struct {
	deps   Deps
	tracer trace.Tracer

	mu       sync.Mutex
	auth     map[string]backendauth.Applier
	inFlight map[string]chan struct{}
	models   *modelCache
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// Pre-allocated response bodies and header value slice for the health
// endpoint hot path.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)
