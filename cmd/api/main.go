// Package main is the entry point for the credit ledger API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/creditledger/internal/api"
	"github.com/onnwee/creditledger/internal/auth"
	"github.com/onnwee/creditledger/internal/config"
	"github.com/onnwee/creditledger/internal/credit"
	"github.com/onnwee/creditledger/internal/db"
	"github.com/onnwee/creditledger/internal/health"
	"github.com/onnwee/creditledger/internal/idempotency"
	"github.com/onnwee/creditledger/internal/jobs"
	"github.com/onnwee/creditledger/internal/middleware"
	"github.com/onnwee/creditledger/internal/provider"
	"github.com/onnwee/creditledger/internal/reconcile"
	"github.com/onnwee/creditledger/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Credit Ledger API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
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

	// Initialize logger
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summaryAttrs := make([]any, 0, 32)
	for k, v := range cfg.LogSummary() {
		summaryAttrs = append(summaryAttrs, slog.String(k, v))
	}
	logger.Info("configuration loaded", summaryAttrs...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	if err := db.Migrate(conn, cfg.MigrationsPath); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("migrations applied", slog.String("path", cfg.MigrationsPath))

	// Tracing (enabled when an OTLP endpoint is configured)
	traceProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "creditledger-api",
		Enabled:      cfg.OTLPEndpoint != "",
		Environment:  cfg.Env,
		ExporterType: "otlp-grpc",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := traceProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown tracing", slog.String("error", err.Error()))
		}
	}()

	// Metrics
	registry := prometheus.NewRegistry()
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	creditMetrics := credit.NewMetrics()
	if err := creditMetrics.Register(registry); err != nil {
		logger.Error("failed to register credit metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		logger.Error("failed to register job metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Core services
	engine := credit.NewEngine(conn, logger, creditMetrics)
	stripeProvider := provider.NewStripeProvider(
		cfg.StripeAPIKey,
		cfg.StripeWebhookSecret,
		provider.PriceTable(cfg.CreditPrices),
		logger,
	)

	var jwtService *auth.JWTService
	if cfg.JWTPreviousSecret != "" {
		jwtService = auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	} else {
		jwtService = auth.NewJWTService(cfg.JWTSecret)
	}

	// Rate limiting backend: Redis when configured, in-memory otherwise.
	var rateStore middleware.RateLimitStore
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", slog.String("error", err.Error()))
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		rateStore = middleware.NewRedisRateLimitStore(redisClient)
		logger.Info("rate limiting backed by redis")
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		rateStore = memStore
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					memStore.Cleanup()
				}
			}
		}()
	}

	// Background services
	sweeper := reconcile.NewSweeper(engine, stripeProvider, logger, jobMetrics, reconcile.Config{
		Interval:        cfg.SweepInterval,
		Grace:           cfg.SweepGrace,
		BatchSize:       cfg.SweepBatchSize,
		ProviderTimeout: cfg.ProviderTimeout,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	cleanup := idempotency.NewCleanupService(conn, logger, idempotency.CleanupConfig{
		Retention: cfg.EventRetention,
	})
	cleanup.Start(ctx)
	defer cleanup.Stop()

	// HTTP handlers
	webhookHandlers := api.NewWebhookHandlers(stripeProvider, engine, logger)
	balanceHandlers := api.NewBalanceHandlers(engine, logger)
	adminHandlers := api.NewAdminHandlers(engine, sweeper.Sweep, logger)

	healthConfig := api.HealthHandlersConfig{
		DBChecker:     health.NewDBChecker(conn),
		StripeChecker: health.NewStripeChecker(""),
	}
	if redisClient != nil {
		healthConfig.RedisChecker = health.NewRedisChecker(redisClient)
	}
	healthHandlers := api.NewHealthHandlers(healthConfig)

	requireAuth := api.RequireAuth(jwtService)
	requireAdmin := api.RequireAdmin()
	webhookLimit := middleware.RateLimiterWithMetrics(rateStore, middleware.DefaultWebhookLimit(), middleware.IPKeyFunc(), httpMetrics)
	debitLimit := middleware.RateLimiterWithMetrics(rateStore, middleware.DefaultDebitLimit(), middleware.AccountKeyFunc(), httpMetrics)

	mux := http.NewServeMux()

	mux.Handle("/webhooks/stripe", webhookLimit(http.HandlerFunc(webhookHandlers.HandleWebhook)))

	mux.Handle("/v1/balance", requireAuth(http.HandlerFunc(balanceHandlers.Balance)))
	mux.Handle("/v1/debit", requireAuth(debitLimit(http.HandlerFunc(balanceHandlers.Debit))))
	mux.Handle("/v1/ledger", requireAuth(http.HandlerFunc(balanceHandlers.Ledger)))

	mux.Handle("/v1/admin/adjust", requireAuth(requireAdmin(http.HandlerFunc(adminHandlers.Adjust))))
	mux.Handle("/v1/admin/actions", requireAuth(requireAdmin(http.HandlerFunc(adminHandlers.Actions))))
	mux.Handle("/v1/admin/reconcile", requireAuth(requireAdmin(http.HandlerFunc(adminHandlers.Reconcile))))
	mux.Handle("/v1/admin/accounts/", requireAuth(requireAdmin(http.HandlerFunc(adminHandlers.Accounts))))

	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Placeholder root endpoint
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact root path, everything else returns 404
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"creditledger-api","version":"0.0.1"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	// Apply middleware: RequestID -> Tracing -> HTTPMetrics -> Logging -> RateLimit
	globalLimit := middleware.RateLimiterWithMetrics(rateStore, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc(), httpMetrics)
	handler := middleware.RequestID(
		middleware.Tracing("creditledger-api")(
			middleware.HTTPMetrics(httpMetrics)(
				middleware.Logging(logger)(
					globalLimit(mux)))))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create context with timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("server stopped")
}
