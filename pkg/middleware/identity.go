package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tokenmeter/pkg/contextkeys"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

// Headers set by the upstream gateway after it has authenticated the caller
const (
	UserIDHeader    = "X-User-ID"
	RequestIDHeader = "X-Request-ID"
)

// IdentityMiddleware reads the caller identity forwarded by the gateway and
// attaches it, a request id and a request-scoped logger to the context.
// Requests without identity pass through; handlers that need a user answer 401.
type IdentityMiddleware struct {
	logger *observability.Logger
}

// NewIdentityMiddleware creates a new identity middleware
func NewIdentityMiddleware(logger *observability.Logger) *IdentityMiddleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &IdentityMiddleware{logger: logger}
}

// Handler wraps an HTTP handler with identity extraction
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		ctx = contextkeys.WithRequestStartTime(ctx, time.Now())
		ctx = observability.WithLogger(ctx, m.logger)

		if raw := r.Header.Get(UserIDHeader); raw != "" {
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || userID <= 0 {
				unauthorizedResponse(w, "invalid user identity")
				return
			}
			ctx = contextkeys.WithUserID(ctx, userID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the caller's user id set by IdentityMiddleware
func UserID(r *http.Request) (int64, bool) {
	return contextkeys.UserID(r.Context())
}

// RequireUser rejects requests that carry no user identity
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserID(r); !ok {
			unauthorizedResponse(w, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
