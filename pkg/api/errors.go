package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/tokens"
	"github.com/platinummonkey/tokenmeter/pkg/usage"
)

// writeServiceError maps domain errors to responses. Anything unrecognized
// is logged and answered with the generic fallback message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var accessErr *entitlements.AccessError
	switch {
	case errors.Is(err, tokens.ErrUnauthenticated), errors.Is(err, subscribers.ErrNotFound):
		httputil.WriteUnauthorized(w, "Unauthorized")
	case errors.As(err, &accessErr):
		switch accessErr.Kind {
		case entitlements.KindNoPlan:
			httputil.WriteForbidden(w, "No active subscription found")
		case entitlements.KindTokensExhausted:
			httputil.WriteTooManyRequests(w, "Token limit reached for this month")
		default:
			httputil.WriteForbidden(w, accessErr.Error())
		}
	case errors.Is(err, usage.ErrInvalidTokens), errors.Is(err, usage.ErrMissingAction),
		errors.Is(err, usage.ErrInvalidMetadata), errors.Is(err, usage.ErrInvalidUser):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, alerts.ErrAlertNotFound):
		httputil.WriteNotFoundError(w, "Alert not found")
	default:
		httputil.WriteInternalError(w, r, err, fallback)
	}
}
