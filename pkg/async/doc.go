// Package async runs background work without leaking goroutines or
// crashing the process.
//
// SafeGo runs one task with a timeout. Errors and panics are logged with the
// logger found in the context:
//
//	async.SafeGo(context.WithoutCancel(ctx), 30*time.Second, "usage alert evaluation", func(ctx context.Context) error {
//		return engine.Evaluate(ctx, teamID, planType, now)
//	})
//
// Batch fans a slice out over a bounded WorkerPool and returns every error:
//
//	errs := async.Batch(ctx, teams, 4, "alert sweep", time.Minute, sweepTeam)
package async
