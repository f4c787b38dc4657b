package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/evaluator"
	"fundarb/internal/execution"
	"fundarb/internal/health"
	"fundarb/internal/infrastructure/metrics"
	"fundarb/internal/journal"
	"fundarb/internal/queue"
	"fundarb/internal/reconciler"
	"fundarb/internal/request"
	"fundarb/internal/risk"
	"fundarb/internal/store"
	"fundarb/internal/venue/paper"
	"fundarb/internal/worker"
	"fundarb/pkg/logging"
	"fundarb/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			bootstrapFatal("invalid configuration", err)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		bootstrapFatal("logger init failed", err)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("fundarb")
	if err != nil {
		logger.Fatal("Telemetry setup failed", "error", err.Error())
	}

	asset := core.AssetConfig{
		PerpSymbol:   cfg.Asset.PerpSymbol,
		SpotSymbol:   cfg.Asset.SpotSymbol,
		BaseAsset:    cfg.Asset.BaseAsset,
		QuoteAsset:   cfg.Asset.QuoteAsset,
		BaseDecimals: cfg.Asset.BaseDecimals,
	}

	var sink core.ITransitionSink
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			logger.Fatal("Journal open failed", "path", cfg.Journal.Path, "error", err.Error())
		}
		defer j.Close()
		sink = j
	}

	// The paper venue is the only built-in venue; a live adapter slots in
	// behind core.IVenue.
	venue := paper.NewVenue(asset)

	st := store.NewStateStore()
	policy := request.NewPolicy(cfg.RateLimit, logger)
	q := queue.NewSerialQueue(context.Background(), 64, logger)
	monitor := health.NewMonitor(logger)
	rec := reconciler.New(venue, policy, st, asset, cfg.Reconciler, logger)

	var eval *evaluator.Evaluator
	engine := execution.New(venue, policy, st, risk.NewExecutionBreaker(logger), sink,
		func() core.RiskSnapshot { return eval.RiskSnapshot() },
		asset, cfg.Risk, cfg.Execution, logger)
	eval = evaluator.New(st, store.NewFreshnessChecker(cfg.Freshness), monitor,
		q, engine, asset, cfg.Risk, cfg.Strategy, cfg.Timing, logger)

	if cfg.Telemetry.EnableMetrics {
		srv := metrics.NewServer(cfg.Telemetry.MetricsPort, venue, monitor, logger)
		srv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("Metrics server stop failed", "error", err.Error())
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg, venue, st, monitor, q, rec, eval, logger)
	if err := w.Run(ctx); err != nil {
		logger.Error("Worker stopped with error", "error", err.Error())
		shutdownTelemetry(tel, logger)
		os.Exit(1)
	}

	shutdownTelemetry(tel, logger)
	logger.Info("Clean shutdown")
}

func shutdownTelemetry(tel *telemetry.Telemetry, logger core.ILogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err.Error())
	}
}

// bootstrapFatal reports startup failures that happen before the logger exists
func bootstrapFatal(msg string, err error) {
	os.Stderr.WriteString(msg + ": " + err.Error() + "\n")
	os.Exit(1)
}
