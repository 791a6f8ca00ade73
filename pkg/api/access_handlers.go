package api

import (
	"net/http"

	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
)

// listPlans handles GET /api/plans
func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{"plans": s.catalog.All()})
}

// getAccess handles GET /api/access
func (s *Server) getAccess(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r)

	acct, err := s.access.Account(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to fetch access")
		return
	}

	info, err := s.access.AccessInfo(r.Context(), acct, s.now())
	if err != nil {
		writeServiceError(w, r, err, "Failed to fetch access")
		return
	}

	httputil.WriteSuccess(w, info)
}
