// Package contextkeys provides centralized context key definitions
//
// All request-scoped values shared between middleware and handlers are
// defined here so key usage stays discoverable.
//
//	ctx = contextkeys.WithUserID(ctx, 42)
//	userID, ok := contextkeys.UserID(ctx)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserIDKey contains the caller's user id
	// Set by: middleware.IdentityMiddleware (pkg/middleware/identity.go)
	// Required by: token consumption, usage, alert and access endpoints
	// Type: int64
	UserIDKey Key = "user_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.IdentityMiddleware
	// Used by: Logger, error responses
	// Type: string
	RequestIDKey Key = "request_id"

	// RequestStartTimeKey contains request start timestamp
	// Set by: middleware.IdentityMiddleware
	// Used by: access logging
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithUserID adds the caller's user id to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// UserID retrieves the caller's user id from context
func UserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok && userID > 0
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, start)
}

// GetRequestStartTime retrieves the request start time from context
func GetRequestStartTime(ctx context.Context) (time.Time, bool) {
	start, ok := ctx.Value(RequestStartTimeKey).(time.Time)
	return start, ok
}
