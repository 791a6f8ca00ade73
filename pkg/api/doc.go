// Package api exposes token metering over HTTP.
//
// Routes:
//
//	GET  /api/plans             plan catalog
//	GET  /api/access            caller's entitlements
//	POST /api/tokens/consume    consume tokens (rate limited)
//	GET  /api/tokens/usage      monthly total and recent events
//	GET  /api/alerts            unacknowledged alerts of the caller's team
//	GET  /api/alerts/current    most severe active alert
//	POST /api/alerts            acknowledge an alert
//	POST /api/stripe/webhook    processor webhook deliveries
//	GET  /health, /health/live, /health/ready, /metrics
//
// The caller's identity arrives in the X-User-ID header, set by the gateway
// in front of this service. Handlers depend on small interfaces
// (TokenService, AlertService, AccessService, WebhookProcessor) so they can
// be tested without storage:
//
//	server := api.NewServer(api.Config{
//		Tokens:   tokenService,
//		Alerts:   alertEngine,
//		Access:   resolver,
//		Webhooks: reconciler,
//		Metrics:  metrics,
//		Logger:   logger,
//	})
//	http.ListenAndServe(":8080", server)
//
// Domain errors map to status codes in one place: no plan is 403, an
// exhausted cap is 429 and unknown failures are 500 with a generic message.
package api
