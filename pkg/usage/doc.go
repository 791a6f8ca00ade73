// Package usage is the append-only token usage ledger.
//
// Every consumption appends one Event. Nothing in this package enforces
// quotas; callers decide whether to record. Monthly totals cover calendar
// months in UTC and are computed with a single aggregate query:
//
//	used, err := ledger.MonthlyTotal(ctx, subscribers.TeamRef(teamID), time.Now())
//
// History is read newest first in bounded pages:
//
//	page, err := ledger.RecentHistory(ctx, ref, usage.Cursor{Limit: 10})
//	next, err := ledger.RecentHistory(ctx, ref, usage.NextCursor(page[len(page)-1], 10))
package usage
