// Package stripe is a small client for the payment processor's REST API.
//
// It covers what billing needs and nothing more: meter events, product
// lookups, listing and canceling subscriptions, and webhook signature
// verification. Error responses decode into *metering.GatewayError and
// transport failures wrap metering.ErrConnection, so metering.IsRetryable
// works on every error this package returns.
//
//	client := stripe.NewClient(stripe.Config{SecretKey: cfg.Stripe.SecretKey})
//	names := stripe.NewProductNames(client, 256, time.Hour, metrics)
//	name, err := names.ProductName(ctx, "prod_123")
package stripe
