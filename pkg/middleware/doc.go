// Package middleware provides HTTP middleware for caller identity and rate limiting.
//
// # Identity
//
// Authentication happens upstream. The gateway forwards the authenticated
// user as X-User-ID; IdentityMiddleware parses it into the request context
// together with a request id and a request-scoped logger.
//
//	identity := middleware.NewIdentityMiddleware(logger)
//	router.Use(identity.Handler)
//	userID, ok := middleware.UserID(r)
//
// # Rate Limiting
//
// RateLimitMiddleware limits per user, or per client IP without identity.
// Limiters are in-process token buckets or Redis fixed windows shared
// across instances:
//
//	limiter := middleware.NewDistributedRateLimitMiddleware(redisClient, logger, metrics)
//	consume.Use(limiter.Handler)
//
// Redis errors fail open.
//
// Default (Anonymous): 100 req/min, 10 burst
// Per-User: 600 req/min, 50 burst
package middleware
