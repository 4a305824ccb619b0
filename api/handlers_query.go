package api

import (
	"fmt"
	"net/http"
	"strings"

	"hostaudit/storage"

	"github.com/gorilla/mux"
)

// sourceVar returns the {source} path segment, writing a 404 when it is
// neither live nor sample.
func (a *API) sourceVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	source := strings.ToLower(mux.Vars(r)["source"])
	if !storage.ValidSource(source) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("%w: %q", storage.ErrInvalidSource, source), a.logger)
		return "", false
	}
	return source, true
}

// getCompliance returns Passed/Failed totals for one source
func (a *API) getCompliance(w http.ResponseWriter, r *http.Request) {
	source, ok := a.sourceVar(w, r)
	if !ok {
		return
	}
	if a.deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit_disabled", nil, a.logger)
		return
	}
	stats, err := a.deps.Audit.ComplianceStats(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// getEvents returns a page of security events
func (a *API) getEvents(w http.ResponseWriter, r *http.Request) {
	source, ok := a.sourceVar(w, r)
	if !ok {
		return
	}
	if a.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "events_disabled", nil, a.logger)
		return
	}
	q := r.URL.Query()
	result, err := a.deps.Events.ListEvents(r.Context(), storage.EventFilter{
		Source:   source,
		Query:    q.Get("q"),
		EventIDs: queryIntList(r, "event_id"),
		Account:  q.Get("account"),
		IP:       q.Get("ip"),
		Host:     q.Get("host"),
		Page:     queryPage(r),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getAudit returns a page of audit outcomes
func (a *API) getAudit(w http.ResponseWriter, r *http.Request) {
	source, ok := a.sourceVar(w, r)
	if !ok {
		return
	}
	if a.deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit_disabled", nil, a.logger)
		return
	}
	q := r.URL.Query()
	result, err := a.deps.Audit.ListAudit(r.Context(), storage.AuditFilter{
		Source:   source,
		Query:    q.Get("q"),
		Host:     q.Get("host"),
		Outcome:  q.Get("outcome"),
		Severity: q.Get("severity"),
		Category: q.Get("category"),
		Page:     queryPage(r),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getDetections returns a page of detections
func (a *API) getDetections(w http.ResponseWriter, r *http.Request) {
	source, ok := a.sourceVar(w, r)
	if !ok {
		return
	}
	if a.deps.Detections == nil {
		writeError(w, http.StatusServiceUnavailable, "detections_disabled", nil, a.logger)
		return
	}
	q := r.URL.Query()
	result, err := a.deps.Detections.ListDetections(r.Context(), storage.DetectionFilter{
		Source:   source,
		Query:    q.Get("q"),
		Account:  q.Get("account"),
		IP:       q.Get("ip"),
		Host:     q.Get("host"),
		Severity: q.Get("severity"),
		Status:   q.Get("status"),
		RuleID:   q.Get("rule"),
		Page:     queryPage(r),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
