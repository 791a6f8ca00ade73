// Package httputil provides HTTP helpers for JSON responses, request parsing
// and common middleware.
//
// Every error response has the shape {"error": "..."}:
//
//	httputil.WriteBadRequest(w, "Alert ID required")
//	httputil.WriteInternalError(w, r, err, "Failed to consume tokens")
//
// WriteInternalError logs the error with the request-scoped logger and only
// sends the message.
//
//	var req tokens.ConsumeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Middleware composes with Chain, outermost first:
//
//	handler := httputil.Chain(identity.Handler, httputil.RecoveryMiddleware, httputil.LoggingMiddleware)(router)
package httputil
