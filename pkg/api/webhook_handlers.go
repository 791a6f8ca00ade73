package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

// SignatureHeader carries the processor's webhook signature
const SignatureHeader = "Stripe-Signature"

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleWebhook handles POST /api/stripe/webhook. The body is read raw:
// the signature covers the exact bytes sent.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "Failed to read request body")
		return
	}

	result, err := s.webhooks.Handle(r.Context(), payload, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		observability.FromContext(r.Context()).WithError(err).Warn("Webhook signature verification failed")
		httputil.WriteBadRequest(w, "Webhook signature verification failed.")
		return
	case errors.Is(err, billing.ErrMalformedEvent):
		observability.FromContext(r.Context()).WithError(err).Warn("Malformed webhook payload")
		httputil.WriteBadRequest(w, "Malformed webhook payload")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err, "Webhook processing failed")
		return
	}

	httputil.WriteSuccess(w, WebhookResponse{Received: true, Duplicate: result.Duplicate})
}
