// Package main is the entry point for the standalone reconciliation sweeper.
// It runs the same sweep the API server schedules, either once (for cron) or
// on an interval, without exposing any HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/onnwee/creditledger/internal/config"
	"github.com/onnwee/creditledger/internal/credit"
	"github.com/onnwee/creditledger/internal/db"
	"github.com/onnwee/creditledger/internal/jobs"
	"github.com/onnwee/creditledger/internal/middleware"
	"github.com/onnwee/creditledger/internal/provider"
	"github.com/onnwee/creditledger/internal/reconcile"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	limit := flag.Int("limit", 0, "max payments per sweep (0 uses the configured batch size)")
	once := flag.Bool("once", false, "run a single sweep and exit")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Credit Ledger Reconciliation Sweeper")
		fmt.Println()
		fmt.Println("Usage: sweeper [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	engine := credit.NewEngine(conn, logger, nil)
	stripeProvider := provider.NewStripeProvider(
		cfg.StripeAPIKey,
		cfg.StripeWebhookSecret,
		provider.PriceTable(cfg.CreditPrices),
		logger,
	)

	batch := cfg.SweepBatchSize
	if *limit > 0 {
		batch = *limit
	}

	sweeper := reconcile.NewSweeper(engine, stripeProvider, logger, jobs.NewMetrics(), reconcile.Config{
		Interval:        cfg.SweepInterval,
		Grace:           cfg.SweepGrace,
		BatchSize:       batch,
		ProviderTimeout: cfg.ProviderTimeout,
	})

	if *once {
		stats, err := sweeper.Sweep(ctx, batch)
		if err != nil {
			logger.Error("sweep failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("sweep complete",
			slog.Int("scanned", stats.Scanned),
			slog.Int("repaired", stats.Repaired),
			slog.Int("skipped", stats.Skipped),
			slog.Int("failed", stats.Failed),
		)
		return
	}

	sweeper.Start(ctx)
	defer sweeper.Stop()

	logger.Info("sweeper running",
		slog.Duration("interval", cfg.SweepInterval),
		slog.Int("batch_size", batch),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("sweeper stopped")
}
