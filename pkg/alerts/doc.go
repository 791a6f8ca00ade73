// Package alerts tracks usage thresholds for teams on fixed-cap plans.
//
// # Ladder
//
//	info_50      50%   info       no email
//	warning_80   80%   warning    email
//	urgent_95    95%   urgent     email
//	blocked_100  100%  critical   email
//
// Each alert fires at most once per team, type and calendar month. The store
// enforces that with an atomic insert, so concurrent evaluations for the same
// team create each alert exactly once and only the creating call sees it.
//
// # Usage
//
//	created, err := engine.Evaluate(ctx, teamID, planType, time.Now())
//	engine.Notify(ctx, created, used, limit)
//
// Notify is fire and forget: it keeps running after the request that
// triggered it has completed.
package alerts
