package api

import (
	"bytes"
	"net/http"

	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
	"github.com/platinummonkey/tokenmeter/pkg/tokens"
)

// consumeTokens handles POST /api/tokens/consume
func (s *Server) consumeTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		httputil.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req tokens.ConsumeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.UserID = userID
	if bytes.Equal(bytes.TrimSpace(req.Metadata), []byte("null")) {
		req.Metadata = nil
	}

	result, err := s.tokens.Consume(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err, "Failed to consume tokens")
		return
	}

	httputil.WriteSuccess(w, result)
}

// getUsage handles GET /api/tokens/usage
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		httputil.WriteUnauthorized(w, "Unauthorized")
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", tokens.DefaultSummaryLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	summary, err := s.tokens.Summary(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, r, err, "Failed to fetch usage")
		return
	}

	httputil.WriteSuccess(w, summary)
}
