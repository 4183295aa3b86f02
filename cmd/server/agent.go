package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"offline-cache-agent/internal/apicache"
	"offline-cache-agent/internal/audio"
	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/classify"
	"offline-cache-agent/internal/config"
	"offline-cache-agent/internal/database"
	"offline-cache-agent/internal/fetch"
	"offline-cache-agent/internal/handlers"
	"offline-cache-agent/internal/metrics"
	"offline-cache-agent/internal/realtime"
	"offline-cache-agent/internal/router"
	"offline-cache-agent/internal/routes"
	"offline-cache-agent/internal/settings"
	"offline-cache-agent/internal/static"
	"offline-cache-agent/internal/store"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Cache namespace names. The static namespace is per build generation.
const (
	AudioCacheName = "audio-cache"
	APICacheName   = "api-cache"
)

const shutdownTimeout = 10 * time.Second

// agent is the assembled process: storage, engines and the HTTP surface.
type agent struct {
	cfg      config.Config
	log      *log.Logger
	db       *gorm.DB
	storage  cache.Storage
	sqlStore *store.SQL

	audio  *audio.Engine
	static *static.Handler
	loader *settings.Loader
	meters *sdkmetric.MeterProvider

	handler http.Handler
}

func newAgent(ctx context.Context, cfg config.Config, logger *log.Logger) (*agent, error) {
	a := &agent{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	dbPath := cfg.DBPath
	if cfg.Memory {
		dbPath = ":memory:"
	}
	level := gormlogger.Warn
	if cfg.Level() > log.DebugLevel {
		level = gormlogger.Silent
	}
	db, err := database.Open(dbPath, level)
	if err != nil {
		return nil, err
	}
	a.db = db

	if cfg.Memory {
		a.storage = cache.NewMemory(cache.Options{ConcurrencySafe: true})
	} else {
		s, err := store.New(db)
		if err != nil {
			return nil, err
		}
		a.sqlStore = s
		a.storage = s
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	a.meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(a.meters)
	rec, err := metrics.New(a.meters.Meter(metrics.MeterName))
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	order := cfg.EvictionOrder()
	audioStore, err := a.bounded(ctx, AudioCacheName, cfg.AudioCacheLimit, order)
	if err != nil {
		return nil, err
	}
	apiStore, err := a.bounded(ctx, APICacheName, cfg.APICacheLimit, order)
	if err != nil {
		return nil, err
	}
	staticNS, err := a.storage.Open(ctx, static.NamespaceName(cfg.Commit))
	if err != nil {
		return nil, fmt.Errorf("open static cache: %w", err)
	}

	settingsStore := settings.NewStore(db)
	staleness := settings.NewStaleness()
	a.loader = settings.NewLoader(settingsStore, staleness, logger.With("component", "settings"))
	// an unreadable cutoff is already logged and leaves the cache fresh
	_ = a.loader.Reload(ctx)

	client, err := fetch.New(cfg.Upstream, cfg.FetchTimeout)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(logger.With("component", "hub"), rec)
	a.audio, err = audio.New(audioStore, client, hub, audio.Config{
		Concurrency: cfg.PrefetchConcurrency,
		Retries:     cfg.PrefetchRetries,
	}, audio.WithLogger(logger.With("component", "audio")), audio.WithMetrics(rec))
	if err != nil {
		return nil, err
	}
	apiEngine := apicache.New(apiStore, client, staleness,
		apicache.WithLogger(logger.With("component", "api")), apicache.WithMetrics(rec))

	classifier := classify.New(cfg.Prefix, classify.DefaultStaticResources)
	a.static = static.New(staticNS, client, static.Config{
		Prefix:      classifier.Prefix(),
		Resources:   classify.DefaultStaticResources,
		Development: cfg.Development,
	}, logger.With("component", "static"), rec)

	msgRouter := router.New(a.audio, a.loader, logger.With("component", "router"))
	if cfg.Level() > log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	a.handler = routes.SetupRoutes(routes.Deps{
		Control:     handlers.NewControl(a.audio, settingsStore, logger.With("component", "control")),
		Channel:     handlers.NewControlChannel(hub, msgRouter, logger.With("component", "ws")),
		Interceptor: handlers.NewInterceptor(classifier, a.audio, apiEngine, a.static, handlers.NewUpstreamProxy(client.Base()), logger.With("component", "intercept")),
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:      logger.With("component", "http"),
	})

	ok = true
	return a, nil
}

func (a *agent) bounded(ctx context.Context, name string, limit int, order cache.Order) (*cache.Bounded, error) {
	ns, err := a.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	b, err := cache.NewBounded(ns, limit, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	// a lowered limit takes effect at startup
	evicted, err := b.Evict(ctx)
	if err != nil {
		return nil, fmt.Errorf("trim %s: %w", name, err)
	}
	size, err := b.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("size %s: %w", name, err)
	}
	a.log.Info("cache opened", "name", name, "entries", size, "limit", limit, "order", order, "evicted", len(evicted))
	return b, nil
}

// install fills the current static generation, then drops older ones.
// Failures are logged; the agent keeps serving from the network.
func (a *agent) install(ctx context.Context) {
	if err := a.static.Install(ctx); err != nil {
		a.log.Error("Fail to add static resources", "err", err)
	}
	deleted, err := static.Activate(ctx, a.storage, a.static.Namespace(), a.log)
	if err != nil {
		a.log.Error("static activation failed", "err", err)
		return
	}
	a.log.Info("static generation active", "namespace", a.static.Namespace(), "dropped", len(deleted), "dev", a.cfg.Development)
}

func (a *agent) close(ctx context.Context) {
	if a.audio != nil {
		a.audio.Close()
	}
	if a.meters != nil {
		_ = a.meters.Shutdown(ctx)
	}
	if a.sqlStore != nil {
		a.sqlStore.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	a, err := newAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	go a.install(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	logger.Info("Agent listening",
		"addr", cfg.Listen,
		"upstream", cfg.Upstream,
		"prefix", cfg.Prefix,
		"commit", cfg.Commit,
		"store", storeKind(cfg),
		"maxBody", humanize.Bytes(uint64(fetch.DefaultMaxBodyBytes)))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func storeKind(cfg config.Config) string {
	if cfg.Memory {
		return "memory"
	}
	return cfg.DBPath
}
