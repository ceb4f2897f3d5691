package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nekrolabs/sandpool/internal/config"
	"github.com/nekrolabs/sandpool/internal/executor"
	"github.com/nekrolabs/sandpool/internal/observability"
	"github.com/nekrolabs/sandpool/internal/pool"
	"github.com/nekrolabs/sandpool/internal/runtime"
	"github.com/nekrolabs/sandpool/internal/storage"
	pgstore "github.com/nekrolabs/sandpool/internal/storage/postgres"
	sqlitestore "github.com/nekrolabs/sandpool/internal/storage/sqlite"
	"github.com/nekrolabs/sandpool/internal/sweeper"
)

// SharedComponents holds the subsystems both serve and mcp modes
// require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Metrics *observability.MetricsCollector // nil = metrics disabled.
	Tracer  *observability.TracerSetup      // nil = tracing disabled.
	Health  *observability.HealthChecker

	Store    storage.Store // nil = audit persistence disabled.
	Runtime  runtime.Runtime
	Pool     *pool.Pool
	Executor *executor.Executor
	Sweeper  *sweeper.Sweeper // nil = idle sweeping disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds the full execution stack from configuration.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
		Health: observability.NewHealthChecker(logger),
	}

	// Observability.
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		sc.Metrics = observability.NewMetricsCollector()
		logger.Debug("metrics collector initialized")
	}
	ts, err := observability.NewTracerSetup(tracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	if ts != nil {
		sc.Tracer = ts
		sc.addCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ts.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutting down tracer", slog.String("error", err.Error()))
			}
		})
		logger.Debug("tracing initialized")
	}

	// Storage (optional: SQLite default, PostgreSQL for multi-instance).
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})

		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		sc.Health.AddCheck("storage", store.Ping)
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Runtime backend.
	rt, err := initRuntime(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing runtime: %w", err)
	}
	sc.Runtime = rt
	logger.Debug("runtime initialized", slog.String("backend", cfg.Runtime.BackendName()))

	// Session pool.
	sc.Pool = pool.New(pool.Config{
		BaseWorkdir: cfg.BaseWorkdir,
		MaxSessions: cfg.Pool.Sessions(),
		IdleTimeout: cfg.Pool.IdleTimeout(),
	}, rt, sc.Metrics, logger)
	sc.addCleanup(sc.Pool.Shutdown)

	// Executor.
	exec := executor.New(executor.Config{
		Timeout:            cfg.Executor.Timeout(),
		MaxMemoryMB:        cfg.Executor.MaxMemoryMB,
		ArtifactExtensions: cfg.Executor.Extensions(),
	}, sc.Pool, rt, logger)
	if sc.Store != nil {
		exec = exec.WithAudit(sc.Store.Executions())
	}
	if sc.Metrics != nil || sc.Tracer != nil {
		exec = exec.WithObservability(sc.Metrics, tracerOrNil(sc.Tracer))
	}
	sc.Executor = exec

	// Idle sweeper.
	if cfg.Sweep != nil {
		var sweepMetrics *sweeper.Metrics
		if sc.Metrics != nil {
			sweepMetrics = sweeper.NewMetrics(sc.Metrics.Registry)
		}
		sw, err := sweeper.New(cfg.Sweep.CronSchedule(), sc.Pool, sweepMetrics, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing sweeper: %w", err)
		}
		sc.Sweeper = sw
		sw.Start()
		sc.addCleanup(sw.Stop)
		logger.Debug("idle sweeper started", slog.String("schedule", cfg.Sweep.CronSchedule()))
	}

	return sc, nil
}

// initStore opens the configured audit storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		path := ""
		journalMode := ""
		if cfg.Storage.SQLite != nil {
			path = cfg.Storage.SQLite.Path
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		if path == "" {
			path = filepath.Join(cfg.BaseWorkdir, "sandpool.db")
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        path,
			JournalMode: journalMode,
		}, logger)
	}
}

// initRuntime builds the configured sandbox backend.
func initRuntime(cfg *config.Config, logger *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime.BackendName() {
	case "docker":
		dcfg := runtime.DockerConfig{
			Interpreter: cfg.Runtime.Interpreter,
			MemoryMB:    cfg.Executor.MaxMemoryMB,
		}
		if d := cfg.Runtime.Docker; d != nil {
			dcfg.Image = d.Image
			dcfg.CPUCores = d.CPUCores
			dcfg.PIDsLimit = d.PIDsLimit
			dcfg.NetworkAllowed = d.NetworkAllowed
		}
		return runtime.NewDockerRuntime(dcfg, logger), nil
	default:
		return runtime.NewProcessRuntime(runtime.ProcessConfig{
			Interpreter:   cfg.Runtime.Interpreter,
			MaxMemoryMB:   cfg.Executor.MaxMemoryMB,
			MaxCPUSeconds: cfg.Executor.TimeoutSeconds,
		}, logger)
	}
}

func tracingConfig(cfg *config.Config) *config.TracingConfig {
	if cfg.Observability == nil {
		return nil
	}
	return cfg.Observability.Tracing
}

func tracerOrNil(ts *observability.TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}
