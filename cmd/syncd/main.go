package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/offline-sync/internal/api"
	"github.com/onnwee/offline-sync/internal/api/handlers"
	"github.com/onnwee/offline-sync/internal/circuitbreaker"
	"github.com/onnwee/offline-sync/internal/config"
	"github.com/onnwee/offline-sync/internal/connectivity"
	"github.com/onnwee/offline-sync/internal/engine"
	"github.com/onnwee/offline-sync/internal/errorreporting"
	"github.com/onnwee/offline-sync/internal/httpx"
	"github.com/onnwee/offline-sync/internal/kvstore"
	"github.com/onnwee/offline-sync/internal/lifecycle"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/scheduler"
	"github.com/onnwee/offline-sync/internal/secrets"
	"github.com/onnwee/offline-sync/internal/server"
	"github.com/onnwee/offline-sync/internal/tracing"
)

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	if envErr != nil {
		logger.Debug("no .env file found, using process environment")
	}

	if err := secrets.ValidateEnv(secrets.RequiredForBackend(cfg.StorageBackend)...); err != nil {
		logger.Error("missing configuration", "error", err)
		os.Exit(1)
	}

	if err := errorreporting.Init(errorreporting.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     cfg.SentryRelease,
		SampleRate:  cfg.SentrySampleRate,
	}); err != nil {
		logger.Warn("Sentry disabled", "error", err)
	}
	defer errorreporting.Flush(2 * time.Second)

	shutdownTracing, err := tracing.Init(tracing.Options{
		ServiceName: "offline-syncd",
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		SampleRate:  cfg.OTELSampleRate,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("syncd exited", "error", err)
		errorreporting.CaptureError(err)
		stop()
		shutdownTracing(context.Background())
		errorreporting.Flush(2 * time.Second)
		os.Exit(1)
	}
	shutdownTracing(context.Background())
}

func run(ctx context.Context, cfg *config.Config) error {
	storage, err := kvstore.Open(ctx, kvstore.Options{
		Backend:    cfg.StorageBackend,
		DSN:        cfg.StorageDSN,
		Table:      cfg.StorageTable,
		HotCacheMB: cfg.StorageHotCacheMB,
	})
	if err != nil {
		return err
	}
	defer storage.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "remote",
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	remote := httpx.New(httpx.Options{
		BaseURL:   cfg.RemoteBaseURL,
		Timeout:   cfg.RemoteTimeout,
		RPS:       cfg.RemoteRPS,
		Burst:     cfg.RemoteBurst,
		AuthToken: cfg.RemoteAuthToken,
		Breaker:   breaker,
	})

	probe := connectivity.NewHTTPProbe(connectivity.HTTPProbeOptions{
		URL:      cfg.ReachabilityURL,
		Interval: cfg.ReachabilityInterval,
	})
	go probe.Run(ctx)
	defer probe.Stop()

	life := lifecycle.NewSignals()
	go life.Run(ctx)

	eng, err := engine.New(ctx, engine.Deps{
		Storage:      storage,
		Reachability: probe,
		Lifecycle:    life,
		Remote:       remote,
	}, engine.Options{
		BatchSize:      cfg.SyncBatchSize,
		MaxRetries:     cfg.SyncMaxRetries,
		DefaultMaxAge:  cfg.CacheDefaultMaxAge,
		DisableRefresh: !cfg.RefreshCritical,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	hub := handlers.NewEventHub(cfg.CORSAllowedOrigins)
	go hub.Run(ctx)
	defer eng.AddListener(hub.Publish)()

	eng.Start(ctx)

	sweeper := scheduler.NewService(eng.Cache(), cfg.SweepInterval, cfg.SweepMaxAge)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	collector := metrics.NewCollector(eng, cfg.MetricsInterval)
	go collector.Start(ctx)
	defer collector.Stop()

	router := api.NewRouter(eng, hub, api.RouterConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Lifecycle:      life,
	})
	logger.Info("syncd starting",
		"addr", cfg.Addr,
		"remote", secrets.MaskURL(cfg.RemoteBaseURL),
		"storage", cfg.StorageBackend)
	return server.New(cfg.Addr, router).Run(ctx)
}
