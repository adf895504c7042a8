// Package worker runs the gateway's background loops: the stale reservation
// reaper, the backend health prober, and the sweepers that bound in-memory
// rate-limit and cache state.
package worker

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/cache"
	"github.com/dittolabs/ditto/internal/health"
	"github.com/dittolabs/ditto/internal/ratelimit"
	"github.com/dittolabs/ditto/internal/store"
	"github.com/dittolabs/ditto/internal/telemetry"
)

// sweepInterval is how often in-memory rate-limit windows and expired cache
// entries are swept.
const sweepInterval = time.Minute

// Config controls the background loops.
type Config struct {
	ReapInterval  time.Duration
	ReapOlderThan time.Duration
	ReapBatch     int

	ProbeEnabled  bool
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	ProbePath     string
}

// Runner owns the background goroutines. Run blocks until the context is
// cancelled; loops that error keep running after logging.
type Runner struct {
	cfg      Config
	log      *slog.Logger
	store    store.Store
	health   *health.Tracker
	limiter  *ratelimit.Limiter
	cache    *cache.Tiered
	backends map[string]gateway.Backend
	client   *http.Client
	metrics  *telemetry.Metrics
}

// New creates a Runner. Any nil collaborator disables its loop.
func New(cfg Config, log *slog.Logger, st store.Store, tracker *health.Tracker, limiter *ratelimit.Limiter, tiered *cache.Tiered, backends map[string]gateway.Backend, client *http.Client, metrics *telemetry.Metrics) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Runner{
		cfg:      cfg,
		log:      log,
		store:    st,
		health:   tracker,
		limiter:  limiter,
		cache:    tiered,
		backends: backends,
		client:   client,
		metrics:  metrics,
	}
}

// Run starts every enabled loop and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if r.store != nil && r.cfg.ReapInterval > 0 {
		g.Go(func() error { return r.reapLoop(ctx) })
	}
	if r.cfg.ProbeEnabled && r.health != nil && r.cfg.ProbeInterval > 0 {
		g.Go(func() error { return r.probeLoop(ctx) })
	}
	if r.limiter != nil || r.cache != nil {
		g.Go(func() error { return r.sweepLoop(ctx) })
	}

	return g.Wait()
}

// reapLoop periodically rolls back reservations leaked by crashed or
// disconnected requests.
func (r *Runner) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reaped, err := r.store.ReapReservations(ctx, r.cfg.ReapOlderThan, r.cfg.ReapBatch, false)
			if err != nil {
				r.log.Warn("reservation reap failed", "error", err)
				continue
			}
			if len(reaped) > 0 {
				if r.metrics != nil {
					r.metrics.ReapedResv.Add(float64(len(reaped)))
				}
				r.log.Info("reaped stale reservations", "count", len(reaped))
			}
		}
	}
}

// probeLoop checks every URL-backed backend and feeds the result into the
// health tracker. A probe only marks a backend unhealthy on network failure
// or a 5xx answer.
func (r *Runner) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, backend := range r.backends {
				if backend.BaseURL == "" {
					continue
				}
				r.probe(ctx, name, &backend)
			}
		}
	}
}

func (r *Runner) probe(ctx context.Context, name string, backend *gateway.Backend) {
	timeout := r.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimSuffix(backend.BaseURL, "/") + r.cfg.ProbePath
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, target, nil)
	if err != nil {
		r.health.RecordProbe(name, false, err.Error())
		return
	}
	for k, v := range backend.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.health.RecordProbe(name, false, err.Error())
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		r.health.RecordProbe(name, false, "status "+strconv.Itoa(resp.StatusCode))
		return
	}
	r.health.RecordProbe(name, true, "")
}

// sweepLoop bounds in-memory state: stale rate-limit windows and expired
// cache entries.
func (r *Runner) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.limiter != nil {
				r.limiter.EvictStale()
			}
			if r.cache != nil {
				r.cache.Memory().EvictExpired()
			}
		}
	}
}
