package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/nekrolabs/sandpool/internal/config"
	"github.com/nekrolabs/sandpool/internal/httpapi"
	"github.com/nekrolabs/sandpool/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sandpool --config path` and `sandpool serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the pool behind the HTTP API gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("SANDPOOL_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{}
		}
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting in serve mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *ratelimit.Limiter
	if cfg.Server != nil && cfg.Server.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
			BurstSize:         cfg.Server.BurstSize,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    cfg.Server != nil && cfg.Server.EnableDocs,
		HealthChecker: sc.Health,
		Metrics:       sc.Metrics,
		Tracer:        tracerOrNil(sc.Tracer),
	}
	if cfg.Server != nil {
		gwCfg.APIKeys = cfg.Server.APIKeys
	}
	if sc.Metrics != nil {
		gwCfg.MetricsRegistry = sc.Metrics.Registry
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(gwCfg, sc.Executor, sc.Pool, limiter, logger)
	if sc.Store != nil {
		gw = gw.WithAudit(sc.Store.Executions())
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return gw.Stop(shutdownCtx)
}

// loadConfig reads the config file when present, falling back to
// defaults so the pool can run with zero configuration.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}
