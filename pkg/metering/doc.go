// Package metering reports usage to the payment processor's meter.
//
// Reporter.Report makes up to three attempts (1s then 2s between them by
// default) and only retries rate limits, connection failures and 5xx
// responses. It never returns an error: a lost report is logged with the
// attempt count and failure class, and the caller records the usage without
// a meter reference.
//
//	id, ok := reporter.Report(ctx, "", customerID, tokens, metering.IdempotencyKey(userID, time.Now()))
package metering
