package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"maotrade/internal/alert"
	"maotrade/internal/broker"
	"maotrade/internal/client"
	"maotrade/internal/config"
	"maotrade/internal/engine"
	"maotrade/internal/health"
	"maotrade/internal/store"
	"maotrade/pkg/logging"
	"maotrade/pkg/telemetry"

	"golang.org/x/sync/errgroup"

	// Registered broker adapters and strategy classes.
	_ "maotrade/internal/broker/mtws"
	_ "maotrade/internal/broker/paper"
	_ "maotrade/internal/strategy/sma"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	logDir     = flag.String("log-dir", "logs", "Directory holding per-day log files")
)

func main() {
	flag.Parse()

	if env := os.Getenv("CONFIG_FILE"); env != "" {
		*configFile = env
	}
	if env := os.Getenv("LOG_DIR"); env != "" {
		*logDir = env
	}

	if err := run(*configFile, *logDir); err != nil {
		fmt.Fprintln(os.Stderr, "maotrade:", err)
		os.Exit(1)
	}
}

func run(configFile, logDir string) error {
	// 1. Load configuration (env overrides applied inside).
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize logger, with the fluentd shipper when enabled.
	logger, err := logging.NewZapLogger(logging.Options{
		Level:     cfg.Logging.Level,
		App:       "maotrade",
		AccountID: cfg.App.AccountID,
		Fluent: &logging.FluentOptions{
			Enable: cfg.Logging.FluentdEnable,
			Host:   cfg.Logging.FluentdHost,
			Port:   cfg.Logging.FluentdPort,
			Level:  cfg.Logging.FluentdLevel,
			Tag:    "maotrade." + cfg.App.AccountID,
		},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting maotrade",
		"account", cfg.App.AccountID,
		"broker", cfg.Broker.Name,
		"trading_enable", cfg.App.TradingEnable)

	// 3. Open the persistence store.
	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// 4. Broker adapter from the registry.
	adapter, err := broker.New(&cfg.Broker, logger)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("init broker: %w", err)
	}

	alerts := alert.NewManager(logger)
	checks := health.NewManager(logger)
	metrics, registry := telemetry.New()

	// 5. Wire the trade manager.
	eng, err := engine.New(cfg, db, adapter, alerts, checks, metrics, logger)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("init engine: %w", err)
	}

	srv := client.NewServer(cfg.Server, eng, logDir, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker init and crash recovery happen before anything serves.
	if err := eng.Start(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("start engine: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })
	if cfg.Telemetry.EnableMetrics {
		g.Go(func() error { return telemetry.Serve(ctx, registry, cfg.Telemetry.MetricsPort) })
	}

	err = g.Wait()
	logger.Info("maotrade stopped")
	return err
}
