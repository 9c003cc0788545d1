// Package main is the entry point for the flowline server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/flowline/internal/config"
	"github.com/pitabwire/flowline/internal/engine"
	"github.com/pitabwire/flowline/internal/fixture"
	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/internal/observability"
	"github.com/pitabwire/flowline/internal/template"
	"github.com/pitabwire/flowline/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowline", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	stores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	tplService := template.NewService(stores.templates, stores.execution, stores.users,
		template.WithLogger(logger))

	eng := engine.New(stores.execution, tplService, stores.users,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	)

	if err := applyFixtures(ctx, cfg, stores, logger); err != nil {
		logger.Error("fixture loading failed", zap.Error(err))
		return 1
	}

	authenticate, err := transport.NewAuthenticator(cfg.Identity)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			tpls, err := stores.templates.List(checkCtx)
			return err == nil && len(tpls) > 0
		},
	}
	if hc, ok := stores.execution.(observability.HealthChecker); ok {
		readiness.ExecutionStore = hc
	}
	if hc, ok := stores.templates.(observability.HealthChecker); ok {
		readiness.TemplateStore = hc
	}
	if hc, ok := stores.users.(observability.HealthChecker); ok {
		readiness.UserDirectory = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       eng,
		Templates:    tplService,
		Users:        stores.users,
		Authenticate: authenticate,
		Logger:       logger,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background stall sweeps run until shutdown.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	monitor := engine.NewStallMonitor(stores.execution, tplService,
		cfg.Engine.StallAfter, cfg.Engine.StallCheckInterval,
		engine.WithMonitorLogger(logger),
		engine.WithMonitorMetrics(metrics),
	)
	go monitor.Run(bgCtx)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if stores.close != nil {
		stores.close()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// storeSet bundles the three persistence handles, which share one connection
// pool under the postgres driver.
type storeSet struct {
	execution engine.Store
	templates template.Store
	users     identity.Directory

	// memory-driver concrete handles, kept for fixture loading.
	memDir *identity.MemoryDirectory

	close func()
}

// buildStores creates the execution store, template store, and user directory
// for the configured driver.
func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storeSet, error) {
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		dir := identity.NewMemoryDirectory()
		return &storeSet{
			execution: engine.NewMemoryStore(),
			templates: template.NewMemoryStore(),
			users:     dir,
			memDir:    dir,
		}, nil

	case "postgres":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}

		return &storeSet{
			execution: engine.NewPgStore(pool),
			templates: template.NewPgStore(pool),
			users:     identity.NewPgDirectory(pool),
			close:     pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
}

// applyFixtures seeds users and templates from the configured file. Fixtures
// only make sense with the memory driver, where every restart begins empty.
func applyFixtures(ctx context.Context, cfg *config.Config, stores *storeSet, logger *zap.Logger) error {
	if cfg.Fixtures.File == "" {
		return nil
	}
	if stores.memDir == nil {
		logger.Warn("fixtures ignored for non-memory store driver",
			zap.String("file", cfg.Fixtures.File))
		return nil
	}

	seed, err := fixture.Load(cfg.Fixtures.File)
	if err != nil {
		return err
	}
	return seed.Apply(ctx, stores.memDir, stores.templates, logger)
}
