// Package main is the entry point for the PropCanvas billing API server.
//
// It loads configuration, connects the PostgreSQL pool and AWS clients,
// assembles the payment providers, subscription orchestrator, webhook
// reconciliation engine and usage gate, and serves HTTP with the core
// chassis (middleware, routing, health checks).
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"propcanvas/internal/api/handlers"
	"propcanvas/internal/billing"
	"propcanvas/internal/config"
	"propcanvas/internal/core"
	"propcanvas/internal/payments"
	"propcanvas/internal/queue"
	"propcanvas/internal/store"
	"propcanvas/internal/subscription"
	"propcanvas/internal/telemetry"
	"propcanvas/internal/types"
	"propcanvas/internal/usage"
	"propcanvas/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("propcanvas billing API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	// Database pool.
	pool, err := newDatabasePool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	// Repositories.
	userRepo := store.NewUserRepository(pool)
	orgRepo := store.NewOrganizationRepository(pool)
	subRepo := store.NewSubscriptionRepository(pool, logger)
	payRepo := store.NewPaymentRepository(pool)
	usageRepo := store.NewUsageRepository(pool)
	webhookRepo, err := store.NewWebhookEventRepository(pool)
	if err != nil {
		return fmt.Errorf("creating webhook archive: %w", err)
	}

	// Payment providers. Razorpay is always present; Stripe joins the
	// registry only when the feature flag is on and credentials exist.
	razorpay := payments.NewRazorpayClient(nil, payments.RazorpayConfig{
		KeyID:     cfg.Billing.RazorpayKeyID.Unmask(),
		KeySecret: cfg.Billing.RazorpayKeySecret.Unmask(),
		Logger:    logger,
	})
	providers := []payments.Provider{razorpay}

	stripeEnabled := cfg.Billing.EnableStripe && cfg.Billing.StripeConfigured()
	if stripeEnabled {
		providers = append(providers, payments.NewStripeClient(nil, payments.StripeConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger,
		}))
	}

	registry := payments.NewRegistry(providers...)
	router := payments.NewRouter(registry, stripeEnabled)

	// Plan catalog and external plan id table (validated eagerly).
	catalog := billing.NewStaticCatalog()
	planIDs, err := billing.NewPlanIDTable(cfg.Plans)
	if err != nil {
		return fmt.Errorf("building plan id table: %w", err)
	}

	// AWS clients for the continuation queue and billing telemetry.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	dispatcher := queue.NewDispatcher(sqsClient, cfg.AWS, logger)
	metrics := telemetry.NewCloudWatchBillingMetrics(cwClient, cfg.AWS.MetricNamespace, logger)

	// Domain services.
	subSvc := subscription.NewService(
		userRepo,
		orgRepo,
		subRepo,
		catalog,
		planIDs,
		router,
		registry,
		dispatcher,
		cfg.Server.DashboardURL,
		logger,
	)

	webhookSecrets := map[types.ProviderType]string{
		types.ProviderRazorpay: cfg.Billing.RazorpayWebhookSecret.Unmask(),
	}
	if stripeEnabled {
		webhookSecrets[types.ProviderStripe] = cfg.Billing.StripeWebhookSecret.Unmask()
	}
	engine := webhooks.NewEngine(
		registry,
		webhookSecrets,
		subRepo,
		payRepo,
		orgRepo,
		webhookRepo,
		metrics,
		logger,
	)

	gate := usage.NewGate(orgRepo, usageRepo, dispatcher, metrics, logger)

	// HTTP server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes,
		core.NewProbe("database", pool.Ping),
	)
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	billingHandler := handlers.NewBillingHandler(subSvc, registry, gate, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, billingHandler.RegisterRoutes)

	webhookHandler := handlers.NewWebhookHandler(engine, logger)
	srv.WebhookRegistrars = append(srv.WebhookRegistrars, webhookHandler.RegisterRoutes)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newDatabasePool builds the pgx pool with the configured tuning parameters
// and verifies connectivity before returning.
func newDatabasePool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = dbCfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// runHTTPServer starts the server with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
