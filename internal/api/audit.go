package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/auth"
	"github.com/triage-ai/semgate/internal/chread"
)

type EventListResp struct {
	Events   []chread.EventRow `json:"events"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

type EventResp struct {
	RequestID string            `json:"request_id"`
	Events    []chread.EventRow `json:"events"`
}

func auditUnavailable(w http.ResponseWriter) {
	writeError(w, apperror.New(apperror.KindNotReady, "AUDIT_UNAVAILABLE", "audit storage is not configured"))
}

// resolveDatabase maps the database_id query parameter to a storage id.
// It returns "" when the parameter is absent.
func (d *Dependencies) resolveDatabase(r *http.Request, tenantID string) (string, error) {
	ref := r.URL.Query().Get("database_id")
	if ref == "" || d.Databases == nil {
		return ref, nil
	}
	db, err := d.Databases.Get(r.Context(), ref, tenantID)
	if err != nil {
		return "", err
	}
	if db == nil {
		return "", apperror.NotFound("DATABASE_NOT_FOUND", fmt.Sprintf("database %q not found", ref))
	}
	return db.ID, nil
}

// handleListEvents implements GET /api/audit/events.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		auditUnavailable(w)
		return
	}
	tenantID := tenantOf(auth.FromContext(r.Context()))
	databaseID, err := d.resolveDatabase(r, tenantID)
	if err != nil {
		d.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	params := chread.ListEventsParams{
		TenantID: tenantID,
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	if params.Page < 1 {
		params.Page = 1
	}

	if databaseID != "" {
		params.DatabaseID = &databaseID
	}
	optional := map[string]**string{
		"result":     &params.Result,
		"user_id":    &params.UserID,
		"error_code": &params.ErrorCode,
		"query_hash": &params.QueryHash,
		"member":     &params.Member,
	}
	for key, dst := range optional {
		if v := q.Get(key); v != "" {
			*dst = &v
		}
	}
	for key, dst := range map[string]**time.Time{"start_time": &params.StartTime, "end_time": &params.EndTime} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, apperror.Validation("INVALID_PARAMETER", fmt.Sprintf("%s must be RFC 3339", key)))
			return
		}
		*dst = &t
	}

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.fail(w, r, fmt.Errorf("handleListEvents: %w", err))
		return
	}
	if events == nil {
		events = []chread.EventRow{}
	}
	writeJSON(w, http.StatusOK, EventListResp{Events: events, Total: total, Page: params.Page, PageSize: params.PageSize})
}

// handleGetEvent implements GET /api/audit/events/{request_id}. One request
// may have produced several events.
func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		auditUnavailable(w)
		return
	}
	requestID := r.PathValue("request_id")
	events, err := d.Reader.GetEvent(r.Context(), tenantOf(auth.FromContext(r.Context())), requestID)
	if err != nil {
		d.fail(w, r, fmt.Errorf("handleGetEvent: %w", err))
		return
	}
	if len(events) == 0 {
		writeError(w, apperror.NotFound("EVENT_NOT_FOUND", fmt.Sprintf("no events for request %q", requestID)))
		return
	}
	writeJSON(w, http.StatusOK, EventResp{RequestID: requestID, Events: events})
}

// handleGetAnalytics implements GET /api/audit/analytics.
func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		auditUnavailable(w)
		return
	}
	tenantID := tenantOf(auth.FromContext(r.Context()))
	databaseID, err := d.resolveDatabase(r, tenantID)
	if err != nil {
		d.fail(w, r, err)
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	result, err := d.Reader.GetAnalytics(r.Context(), tenantID, databaseID, days)
	if err != nil {
		d.fail(w, r, fmt.Errorf("handleGetAnalytics: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
