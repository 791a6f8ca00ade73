// Package retry runs an operation with bounded attempts and exponential backoff.
//
// The caller decides what is worth retrying:
//
//	id, err := retry.Do(ctx, retry.DefaultPolicy(), metering.IsRetryable,
//		func(ctx context.Context) (string, error) {
//			return gateway.CreateMeterEvent(ctx, event)
//		})
//
// Waits between attempts honour context cancellation.
package retry
