// Package export archives closed months of the usage ledger to S3.
//
// Each month becomes one newline-delimited JSON object at
// <prefix>/<yyyy>/<mm>.jsonl, carrying the event count, token total and a
// SHA-256 of the body as object metadata. Archives are write-once.
package export
