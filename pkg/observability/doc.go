// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler. Request-scoped loggers travel in
// the context and pick up the request id, user id and trace ids:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).WithField("team_id", teamID).Info("Alert created")
//
// # Metrics
//
// Metrics registers every collector on one registry. A nil *Metrics records
// nothing, which keeps tests free of registry plumbing:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordRejection("tokens_exhausted")
//
// # Health
//
// HealthChecker probes Postgres (critical), Redis (optional) and any checks
// added with AddCheck. Readiness answers 503 only when a critical dependency
// is down.
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second)
//	sm.AddServer(httpServer)
//	sm.RegisterShutdownFunc("database", func(ctx context.Context) error { return db.Close() })
//	sm.WaitForShutdown(ctx)
package observability
