package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/secerr"
)

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	owner := stateFrom(r.Context()).owner
	profile, err := a.Credentials.Snapshot(r.Context(), owner)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.Audit.Record(r.Context(), audit.Event{
		Type:      audit.TypeDataAccess,
		SubjectID: owner,
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"resource": "profile"},
	})
	writeJSON(w, http.StatusOK, profile)
}

type exportResponse struct {
	ExportedAt  time.Time     `json:"exported_at"`
	Profile     any           `json:"profile"`
	AuditEvents []audit.Event `json:"audit_events"`
}

// handleDataExport returns everything held about the owner. The event it
// records carries record_count for the bulk export rule.
func (a *API) handleDataExport(w http.ResponseWriter, r *http.Request) {
	owner := stateFrom(r.Context()).owner
	profile, err := a.Credentials.Snapshot(r.Context(), owner)
	if err != nil {
		respondError(w, r, err)
		return
	}
	events, err := a.Audit.Query(r.Context(), audit.Query{SubjectID: owner, Limit: audit.MaxQueryLimit})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	a.Audit.Record(r.Context(), audit.Event{
		Type:      audit.TypeDataAccess,
		SubjectID: owner,
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"action": "export", "record_count": len(events) + 1},
	})
	writeJSON(w, http.StatusOK, exportResponse{
		ExportedAt:  a.now().UTC(),
		Profile:     profile,
		AuditEvents: events,
	})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	st := stateFrom(r.Context())
	// Audit logs are never read across subjects, whatever the role grants.
	if st.owner != st.subject {
		a.Audit.Record(r.Context(), audit.Event{
			Type:      audit.TypeAuthorization,
			SubjectID: st.subject,
			Outcome:   audit.OutcomeBlocked,
			Details: map[string]any{
				"permission": string(access.PermReadOwnAuditLogs),
				"owner_id":   st.owner,
				"reason":     "cross_subject_audit_read",
			},
		})
		respondError(w, r, secerr.ErrAuthorization)
		return
	}
	q.SubjectID = st.owner
	events, err := a.Audit.Query(r.Context(), q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func parseAuditQuery(r *http.Request) (audit.Query, error) {
	var q audit.Query
	values := r.URL.Query()
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, errors.New("limit must be an integer")
		}
		if n < 1 || n > audit.MaxQueryLimit {
			return q, errors.New("limit must be between 1 and " + strconv.Itoa(audit.MaxQueryLimit))
		}
		q.Limit = n
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New(p.name + " must be RFC3339")
		}
		*p.dst = t
	}
	q.Type = audit.EventType(strings.TrimSpace(values.Get("event_type")))
	return q, nil
}

type deleteRequest struct {
	Confirm bool `json:"confirm"`
}

// handleDataDelete soft-deletes the owner and ends every session it holds.
// The record is purged after the retention window.
func (a *API) handleDataDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Confirm {
		writeError(w, r, http.StatusBadRequest, "deletion must be confirmed")
		return
	}
	owner := stateFrom(r.Context()).owner
	if err := a.Credentials.SoftDelete(r.Context(), owner); err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.Tokens.RevokeSubject(r.Context(), owner); err != nil {
		respondError(w, r, err)
		return
	}
	now := a.now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "deleted",
		"subject_id":     owner,
		"retention_days": int(a.DeletionRetention / (24 * time.Hour)),
		"purge_after":    now.Add(a.DeletionRetention),
	})
}
