package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/balancer"
	"github.com/routexhq/routex/internal/cache"
	"github.com/routexhq/routex/internal/config"
	"github.com/routexhq/routex/internal/crypto"
	"github.com/routexhq/routex/internal/health"
	"github.com/routexhq/routex/internal/oauth"
	"github.com/routexhq/routex/internal/proxy"
	"github.com/routexhq/routex/internal/ratelimit"
	"github.com/routexhq/routex/internal/router"
	"github.com/routexhq/routex/internal/server"
	"github.com/routexhq/routex/internal/storage/sqlite"
	"github.com/routexhq/routex/internal/tee"
	"github.com/routexhq/routex/internal/telemetry"
	"github.com/routexhq/routex/internal/transform"
	"github.com/routexhq/routex/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	slog.Info("starting routex", "version", version, "addr", cfg.Server.Addr)

	salt, err := cfg.Security.Salt()
	if err != nil {
		return err
	}
	cipher, err := crypto.New(cfg.Security.MasterPassword, salt)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.DSN, sqlite.Options{
		CacheSizeKiB:  cfg.Database.CacheSizeKiB,
		MmapSizeBytes: cfg.Database.MmapSizeBytes,
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store, cipher); err != nil {
		return err
	}

	// Core routing plane
	catalog := cache.NewCatalog(store, cfg.Cache.TTL())
	healthReg := health.NewRegistry(cfg.Health.Tracker())
	lb := balancer.New(balancer.Strategy(cfg.Balancer.Strategy))
	rt := router.New(catalog, healthReg, lb)
	transforms := transform.NewRegistry()

	// Restore persisted breaker state so restarts do not reopen traffic
	// to channels that were tripped.
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		healthReg.GetOrCreate(ch)
	}

	// Telemetry
	promReg := prometheus.NewRegistry()
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(promReg)
	}
	counters := telemetry.NewCounters()
	traces := telemetry.NewTraceStore(256)

	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx,
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Upstream plumbing
	resolver := &dnscache.Resolver{}
	client := proxy.NewUpstreamClient(resolver)

	var queueGauge worker.QueueGauge
	var ttlGauge worker.TTLGauge
	var cacheCounters worker.CacheCounterSink
	obs := []proxy.Observer{counters}
	if metrics != nil {
		queueGauge = metrics.LogQueueLength
		ttlGauge = cacheTTLGauge{metrics.CacheTTLSeconds}
		cacheCounters = cacheCounterVecs{hits: metrics.CacheHits, misses: metrics.CacheMisses}
		obs = append(obs, metrics)
	}

	dispatcher := tee.NewDispatcher(store, client, slog.Default())
	if err := dispatcher.Refresh(ctx); err != nil {
		return err
	}
	// Tee delivery runs downstream of the flusher: a destination only sees
	// a record after its log row is persisted.
	flusher := worker.NewLogFlusher(store, queueGauge, dispatcher)

	engine := proxy.NewEngine(rt, healthReg, transforms, cipher, client,
		logFan{flusher: flusher, traces: traces},
		proxy.MultiObserver(obs...), slog.Default(),
		otel.Tracer("github.com/routexhq/routex"), proxy.Options{})

	// Security and sessions
	var signer *crypto.Signer
	if cfg.Security.SigningSecret != "" {
		signer = crypto.NewSigner(cfg.Security.SigningSecret, cfg.Security.SignatureWindow)
	}
	var oauthMgr *oauth.Manager
	if providers := cfg.OAuthProviders(); len(providers) > 0 {
		oauthMgr = oauth.NewManager(store, cipher, providers)
	}

	proxyLimiter := ratelimit.NewPreset(ratelimit.PresetProxy)
	adminLimiter := ratelimit.NewPreset(ratelimit.PresetStandard)
	authLimiter := ratelimit.NewPreset(ratelimit.PresetAuth)

	handler := server.New(server.Deps{
		Store:            store,
		Catalog:          catalog,
		Health:           healthReg,
		Balancer:         lb,
		Engine:           engine,
		Transforms:       transforms,
		Pricing:          cfg.Pricing.Table(),
		Tees:             dispatcher,
		OAuth:            oauthMgr,
		Metrics:          metrics,
		Counters:         counters,
		Traces:           traces,
		PromReg:          promReg,
		Cipher:           cipher,
		Signer:           signer,
		RequireSignature: cfg.Security.RequireSignature,
		ProxyLimiter:     proxyLimiter,
		AdminLimiter:     adminLimiter,
		AuthLimiter:      authLimiter,
		ReadyCheck:       store.Ping,
		Version:          version,
		CORSOrigins:      cfg.Server.CORSOrigins,
	})

	workers := []worker.Worker{
		flusher,
		dispatcher,
		worker.NewCacheTuner(catalog, ttlGauge, cacheCounters, 0),
		worker.NewHealthFlusher(store, healthReg, 0),
		worker.NewRateLimitSweeper(proxyLimiter, 0),
		worker.NewRateLimitSweeper(adminLimiter, 0),
	}
	if oauthMgr != nil {
		workers = append(workers, worker.NewStateSweeper(oauthMgr.SweepStates, 0))
	}
	runner := worker.NewRunner(workers...)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("routex ready", "addr", cfg.Server.Addr)

	err = g.Wait()
	slog.Info("routex stopped")
	return err
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// logFan feeds each request record to the log flusher and, when traced,
// to the in-memory trace ring.
type logFan struct {
	flusher *worker.LogFlusher
	traces  *telemetry.TraceStore
}

func (f logFan) Enqueue(rec routex.RequestLog, preview []byte) bool {
	f.traces.AddLog(rec)
	return f.flusher.Enqueue(rec, preview)
}

// cacheTTLGauge adapts the Prometheus gauge vec to the tuner's interface.
type cacheTTLGauge struct {
	vec *prometheus.GaugeVec
}

func (g cacheTTLGauge) Set(class string, seconds float64) {
	g.vec.WithLabelValues(class).Set(seconds)
}

// cacheCounterVecs adapts the hit and miss counter vecs to the tuner's sink.
type cacheCounterVecs struct {
	hits, misses *prometheus.CounterVec
}

func (c cacheCounterVecs) AddHits(class string, n float64) {
	c.hits.WithLabelValues(class).Add(n)
}

func (c cacheCounterVecs) AddMisses(class string, n float64) {
	c.misses.WithLabelValues(class).Add(n)
}
