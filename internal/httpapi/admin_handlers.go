package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"mawney.org/sentinel/internal/monitor"
)

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	alerts := a.Alerts.Recent(limit)
	if severity := monitor.Severity(strings.ToLower(r.URL.Query().Get("severity"))); severity != "" {
		kept := alerts[:0]
		for _, al := range alerts {
			if al.Severity == severity {
				kept = append(kept, al)
			}
		}
		alerts = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

type revocationRequest struct {
	SubjectID string     `json:"subject_id"`
	JTI       string     `json:"jti"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// handleRevocation revokes one access token or every session of a subject.
func (a *API) handleRevocation(w http.ResponseWriter, r *http.Request) {
	var req revocationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.JTI = strings.TrimSpace(req.JTI)
	if (req.SubjectID == "") == (req.JTI == "") {
		writeError(w, r, http.StatusBadRequest, "exactly one of subject_id or jti is required")
		return
	}
	var err error
	if req.JTI != "" {
		var exp time.Time
		if req.ExpiresAt != nil {
			exp = *req.ExpiresAt
		}
		err = a.Tokens.RevokeToken(r.Context(), req.JTI, exp)
	} else {
		err = a.Tokens.RevokeSubject(r.Context(), req.SubjectID)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
