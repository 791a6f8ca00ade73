package api

import (
	"net/http"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
)

// AcknowledgeRequest is the body of POST /api/alerts
type AcknowledgeRequest struct {
	AlertID int64 `json:"alertId"`
}

// teamOf resolves the caller's team. It writes the error response and
// returns false when there is none.
func (s *Server) teamOf(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserID(r)
	if !ok {
		httputil.WriteUnauthorized(w, "Unauthorized")
		return 0, false
	}
	acct, err := s.access.Account(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to fetch alerts")
		return 0, false
	}
	if acct.Team == nil {
		httputil.WriteUnauthorized(w, "Unauthorized")
		return 0, false
	}
	return acct.Team.ID, true
}

// listAlerts handles GET /api/alerts
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	teamID, ok := s.teamOf(w, r)
	if !ok {
		return
	}

	active, err := s.alerts.ActiveAlerts(r.Context(), teamID, s.now())
	if err != nil {
		writeServiceError(w, r, err, "Failed to fetch alerts")
		return
	}
	if active == nil {
		active = []*alerts.Alert{}
	}

	httputil.WriteSuccess(w, map[string]interface{}{"alerts": active})
}

// currentAlert handles GET /api/alerts/current
func (s *Server) currentAlert(w http.ResponseWriter, r *http.Request) {
	teamID, ok := s.teamOf(w, r)
	if !ok {
		return
	}

	current, err := s.alerts.CurrentAlert(r.Context(), teamID, s.now())
	if err != nil {
		writeServiceError(w, r, err, "Failed to fetch alerts")
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"alert": current})
}

// acknowledgeAlert handles POST /api/alerts
func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	teamID, ok := s.teamOf(w, r)
	if !ok {
		return
	}

	var req AcknowledgeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.AlertID <= 0 {
		httputil.WriteBadRequest(w, "Alert ID required")
		return
	}

	if err := s.alerts.Acknowledge(r.Context(), teamID, req.AlertID); err != nil {
		writeServiceError(w, r, err, "Failed to acknowledge alert")
		return
	}

	httputil.WriteSuccess(w, map[string]bool{"success": true})
}
