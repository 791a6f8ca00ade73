package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/api"
	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/config"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/metering"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/retry"
	"github.com/platinummonkey/tokenmeter/pkg/storage/postgres"
	"github.com/platinummonkey/tokenmeter/pkg/stripe"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/tokens"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenmeter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	catalog := plans.DefaultCatalog()
	if cfg.Catalog.Path != "" {
		if catalog, err = plans.LoadCatalog(cfg.Catalog.Path); err != nil {
			return err
		}
		logger.WithField("path", cfg.Catalog.Path).Info("Loaded plan catalog")
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("Database migrations applied")
	}

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: cfg.Database.ReplicaURLs,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, logger)
	if err != nil {
		return err
	}
	cm.StartHealthCheckRoutine(ctx, 30*time.Second)

	var redisClient *postgres.RedisClient
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(postgres.RedisConfig{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			cm.Close()
			return err
		}
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
		go reportPoolStats(ctx, cm, metrics)
	}

	// Stores
	store := subscribers.NewPostgresStore(cm.Primary())
	ledger := usage.NewPostgresLedger(cm.Primary())
	alertStore := alerts.NewPostgresStore(cm.Primary())
	events := billing.NewPostgresEventStore(cm.Primary())

	// Processor
	processor := stripe.NewClient(stripe.Config{
		SecretKey: cfg.Stripe.SecretKey,
		BaseURL:   cfg.Stripe.BaseURL,
		Timeout:   cfg.Stripe.Timeout,
	})
	products := stripe.NewProductNames(processor, cfg.Billing.ProductCacheSize, cfg.Billing.ProductCacheTTL, metrics)

	// Domain services
	resolver := entitlements.NewResolver(catalog, store, ledger)
	notifier := webhooks.NewAlertNotifier(webhooks.Config{
		SlackURL: cfg.Notifications.SlackWebhookURL,
		TeamsURL: cfg.Notifications.TeamsWebhookURL,
		Timeout:  cfg.Notifications.Timeout,
		Retry:    retry.Policy{MaxAttempts: cfg.Notifications.RetryAttempts, InitialDelay: time.Second, Multiplier: 2},
	}, logger)
	engine := alerts.NewEngine(alertStore, ledger, catalog, notifier, logger, metrics)
	reporter := metering.NewReporter(processor, metering.ReporterConfig{
		EventName: cfg.Stripe.MeterEventName,
		Policy:    retry.DefaultPolicy(),
	}, logger, metrics)
	tokenService := tokens.NewService(resolver, ledger, reporter, engine, logger, metrics)
	reconciler := billing.NewReconciler(billing.Config{
		WebhookSecret:      cfg.Stripe.WebhookSecret,
		SignatureTolerance: cfg.Stripe.SignatureTolerance,
		OwnerLookup:        retry.Fixed(cfg.Billing.OwnerRetryAttempts, cfg.Billing.OwnerRetryDelay),
	}, events, store, catalog, products, logger, metrics)

	var limiter *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Distributed && redisClient != nil {
			limiter = middleware.NewDistributedRateLimitMiddleware(redisClient.Client(), logger, metrics)
			logger.Info("Using Redis rate limiting")
		} else {
			limiter = middleware.NewInMemoryRateLimitMiddleware(logger, metrics)
			logger.Info("Using in-memory rate limiting")
		}
	}

	var health *observability.HealthChecker
	if redisClient != nil {
		health = observability.NewHealthChecker(version, cm.Primary(), redisClient.Client())
	} else {
		health = observability.NewHealthChecker(version, cm.Primary(), nil)
	}
	health.AddCheck("replicas", false, cm.HealthCheck)

	server := api.NewServer(api.Config{
		Tokens:    tokenService,
		Alerts:    engine,
		Access:    resolver,
		Webhooks:  reconciler,
		Catalog:   catalog,
		Health:    health,
		Registry:  registry,
		Metrics:   metrics,
		Logger:    logger,
		RateLimit: limiter,
		Tracing:   cfg.Observability.OTelEnabled,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.AddServer(httpServer)
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc("database", func(context.Context) error {
		return cm.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc("background", func(context.Context) error {
		cancel()
		return nil
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":    httpServer.Addr,
			"version": version,
		}).Info("Starting tokenmeter")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("server failed: %w", err), shutdownErr)
	default:
		return shutdownErr
	}
}

// reportPoolStats copies primary pool statistics into the DB gauges
func reportPoolStats(ctx context.Context, cm *postgres.ConnectionManager, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.UpdateDBStats(cm.Stats().Primary)
		case <-ctx.Done():
			return
		}
	}
}
