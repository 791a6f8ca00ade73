// Package billing keeps local subscription state in step with the payment processor.
//
// # Webhooks
//
// Reconciler.Handle processes one delivery in four steps:
//
//  1. Verify the Stripe-Signature header. Nothing else is touched when it fails.
//  2. Decode the envelope into an Event with a closed EventKind.
//  3. Claim the event id in the EventStore. A second delivery of the same id
//     returns Result{Duplicate: true}.
//  4. Dispatch on the kind. A failed dispatch releases the claim and returns
//     an error wrapping ErrRetryable so the processor delivers it again.
//
// Subscription events may arrive before the checkout event that links the
// customer to a user. The owner lookup waits for it a bounded number of times
// and then fails with ErrOwnerNotFound, leaving the rest to processor retries.
//
// Clearing a subscription is guarded by its id: a cancellation for a
// subscription that has since been replaced leaves the row alone.
//
// # Duplicate subscriptions
//
// DuplicateCleaner cancels all but the newest active subscription of a
// customer at the processor. Local rows change only through the webhooks
// that follow.
//
//	res, err := billing.NewDuplicateCleaner(stripeClient, log).Cleanup(ctx, "cus_123")
package billing
