package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/config"
	"github.com/platinummonkey/tokenmeter/pkg/export"
	"github.com/platinummonkey/tokenmeter/pkg/jobs"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/retry"
	"github.com/platinummonkey/tokenmeter/pkg/storage/postgres"
	"github.com/platinummonkey/tokenmeter/pkg/stripe"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

var version = "dev"

var (
	runOnce = flag.String("run-once", "", "Run one job and exit: duplicate_cleanup, alert_sweep or usage_archive")
	month   = flag.String("month", "", "Month to archive (YYYY-MM) with -run-once usage_archive; defaults to last month")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	if err := run(log); err != nil {
		log.WithError(err).Fatal("tokenmeter-jobs failed")
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel.String()); err == nil {
		log.SetLevel(level)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "tokenmeter-jobs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog := plans.DefaultCatalog()
	if cfg.Catalog.Path != "" {
		if catalog, err = plans.LoadCatalog(cfg.Catalog.Path); err != nil {
			return err
		}
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
	defer cm.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store := subscribers.NewPostgresStore(cm.Primary())
	ledger := usage.NewPostgresLedger(cm.Primary())
	notifier := webhooks.NewAlertNotifier(webhooks.Config{
		SlackURL: cfg.Notifications.SlackWebhookURL,
		TeamsURL: cfg.Notifications.TeamsWebhookURL,
		Timeout:  cfg.Notifications.Timeout,
		Retry:    retry.Policy{MaxAttempts: cfg.Notifications.RetryAttempts, InitialDelay: time.Second, Multiplier: 2},
	}, logger)
	engine := alerts.NewEngine(alerts.NewPostgresStore(cm.Primary()), ledger, catalog,
		notifier, logger, metrics)

	processor := stripe.NewClient(stripe.Config{
		SecretKey: cfg.Stripe.SecretKey,
		BaseURL:   cfg.Stripe.BaseURL,
		Timeout:   cfg.Stripe.Timeout,
	})

	health := observability.NewHealthChecker(version, cm.Primary(), nil)

	var archiver *export.Archiver
	if cfg.Archive.Bucket != "" {
		objects, err := export.NewS3Store(ctx, export.S3Config{
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UsePathStyle: cfg.Archive.UsePathStyle,
			CreateBucket: cfg.Archive.Endpoint != "",
		})
		if err != nil {
			return err
		}
		// Archive scans read from a replica when one is configured
		archiver = export.NewArchiver(usage.NewPostgresLedger(cm.Replica()), objects, cfg.Archive.Prefix, logger)
		health.AddCheck("archive", false, archiver.HealthCheck)
	}

	runner := jobs.NewRunner(jobs.Config{
		Workers: cfg.Jobs.Workers,
		Timeout: cfg.Jobs.Timeout,
	}, store, billing.NewDuplicateCleaner(processor, log), engine, ledger, catalog, archiver, metrics, log)

	if *runOnce != "" {
		return runJob(ctx, runner, archiver, *runOnce, *month)
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.PrintfLogger(log)))
	if err := runner.Schedule(c, jobs.Schedules{
		DuplicateCleanup: cfg.Jobs.CleanupSchedule,
		AlertSweep:       cfg.Jobs.AlertSweepSchedule,
		UsageArchive:     cfg.Jobs.ArchiveSchedule,
	}); err != nil {
		return err
	}

	mux := http.NewServeMux()
	observability.RegisterHealthRoutes(mux, health)
	mux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:              ":" + cfg.Server.HealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.AddServer(healthServer)
	shutdown.RegisterShutdownFunc("cron", func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("running jobs did not finish: %w", ctx.Err())
		}
	})

	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Health server failed")
			cancel()
		}
	}()

	c.Start()
	log.WithFields(logrus.Fields{"version": version, "health": healthServer.Addr}).Info("tokenmeter-jobs started")

	return shutdown.WaitForShutdown(ctx)
}

// runJob executes a single job in the foreground
func runJob(ctx context.Context, runner *jobs.Runner, archiver *export.Archiver, name, month string) error {
	switch name {
	case jobs.JobDuplicateCleanup:
		return runner.Run(ctx, name, runner.SweepDuplicates)
	case jobs.JobAlertSweep:
		return runner.Run(ctx, name, runner.SweepAlerts)
	case jobs.JobUsageArchive:
		if archiver == nil {
			return errors.New("usage archive needs TOKENMETER_ARCHIVE_BUCKET")
		}
		if month == "" {
			return runner.Run(ctx, name, runner.ArchiveUsage)
		}
		m, err := time.Parse("2006-01", month)
		if err != nil {
			return fmt.Errorf("invalid month %q: %w", month, err)
		}
		return runner.Run(ctx, name, func(ctx context.Context) error {
			_, err := archiver.ArchiveMonth(ctx, m)
			return err
		})
	}
	return fmt.Errorf("unknown job %q", name)
}
