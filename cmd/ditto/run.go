package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/audit"
	"github.com/dittolabs/ditto/internal/budget"
	"github.com/dittolabs/ditto/internal/cache"
	"github.com/dittolabs/ditto/internal/config"
	"github.com/dittolabs/ditto/internal/guardrails"
	"github.com/dittolabs/ditto/internal/health"
	"github.com/dittolabs/ditto/internal/pricing"
	"github.com/dittolabs/ditto/internal/ratelimit"
	"github.com/dittolabs/ditto/internal/router"
	"github.com/dittolabs/ditto/internal/server"
	"github.com/dittolabs/ditto/internal/store"
	"github.com/dittolabs/ditto/internal/store/redisstore"
	"github.com/dittolabs/ditto/internal/telemetry"
	"github.com/dittolabs/ditto/internal/tokencount"
	"github.com/dittolabs/ditto/internal/translation"
	"github.com/dittolabs/ditto/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Telemetry.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting ditto", "version", version, "addr", cfg.Server.Addr, "store", cfg.Store.Kind)

	clock := gateway.RealClock{}
	ctx := context.Background()

	st, err := store.Open(cfg.Store.Kind, cfg.Store.DSN, clock)
	if err != nil {
		return err
	}
	defer st.Close()

	// Config keys are authoritative when present; otherwise the persisted
	// set survives restarts.
	keys := cfg.Keys
	if len(keys) > 0 {
		if err := st.ReplaceKeys(ctx, keys); err != nil {
			return fmt.Errorf("persist keys: %w", err)
		}
	} else {
		if keys, err = st.LoadKeys(ctx); err != nil {
			return fmt.Errorf("load keys: %w", err)
		}
	}
	keyring := server.NewKeyring(keys)

	auditLog := audit.NewLog(clock)
	if records, err := st.LoadAudit(ctx); err != nil {
		return fmt.Errorf("load audit: %w", err)
	} else if len(records) > 0 {
		if err := auditLog.Restore(records); err != nil {
			return fmt.Errorf("restore audit chain: %w", err)
		}
	}

	backends := make(map[string]gateway.Backend, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends[b.Name] = b
	}

	var registry *prometheus.Registry
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(registry)
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	overshoot := func(kind gateway.ReservationKind, scope string, reserved, actual uint64) {
		if metrics != nil {
			metrics.BudgetOvershoot.WithLabelValues(string(kind)).Inc()
		}
		logger.Debug("usage overshot reservation", "kind", string(kind), "scope", scope,
			"reserved", reserved, "actual", actual)
	}
	budgetMgr := budget.NewManager(st, clock, overshoot)

	var table *pricing.Table
	if cfg.Pricing.Path != "" {
		if table, err = pricing.LoadFile(cfg.Pricing.Path); err != nil {
			return fmt.Errorf("load pricing: %w", err)
		}
		logger.Info("pricing table loaded", "models", table.Len())
	}

	limiter := ratelimit.NewLimiter(clock)
	var sharedRL *redisstore.RateLimiter
	if cfg.RateLimit.Shared {
		client, err := redisClient(cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("rate limit redis: %w", err)
		}
		defer client.Close()
		sharedRL = redisstore.NewRateLimiter(client, clock, logger)
	}

	var sharedCache cache.Shared
	if cfg.Cache.RedisURL != "" {
		client, err := redisClient(cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("cache redis: %w", err)
		}
		defer client.Close()
		sharedCache = cache.NewRedis(client, logger)
	}
	tiered := cache.NewTiered(cache.NewMemory(clock), sharedCache)

	tracker := health.NewTracker(cfg.Breaker, clock)

	// Shared DNS cache for all outbound traffic.
	resolver := &dnscache.Resolver{}
	stopRefresh := make(chan struct{})
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				resolver.Refresh(true)
			case <-stopRefresh:
				return
			}
		}
	}()
	defer close(stopRefresh)

	client := &http.Client{Transport: newTransport(resolver)}

	handler := server.New(server.Deps{
		Cfg:          cfg,
		Log:          logger,
		Clock:        clock,
		Store:        st,
		Keys:         keyring,
		Backends:     backends,
		Limiter:      limiter,
		SharedRL:     sharedRL,
		Guard:        guardrails.NewChecker(),
		Tokens:       tokencount.NewCounter(cfg.Limits.DefaultMaxOutputTokens),
		Pricing:      table,
		Budget:       budgetMgr,
		Health:       tracker,
		Router:       router.New(cfg.Router),
		Cache:        tiered,
		Audit:        auditLog,
		Translations: translation.NewRegistry(),
		Metrics:      metrics,
		Registry:     registry,
		Client:       client,
	})

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.New(worker.Config{
		ReapInterval:  cfg.Reaper.Interval,
		ReapOlderThan: cfg.Reaper.OlderThan,
		ReapBatch:     cfg.Reaper.Batch,
		ProbeEnabled:  cfg.Health.Enabled,
		ProbeInterval: cfg.Health.Interval,
		ProbeTimeout:  cfg.Health.Timeout,
		ProbePath:     cfg.Health.Path,
	}, logger, st, tracker, limiter, tiered, backends, client, metrics)
	go func() {
		if err := runner.Run(workerCtx); err != nil {
			logger.Warn("background workers stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("ditto ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("ditto stopped")
	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// redisClient dials a redis URL.
func redisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// newTransport returns a pooled transport that dials through the shared DNS
// cache.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	return &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}
}
