package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"hostaudit/core"
	"hostaudit/ingest"
	"hostaudit/runner"
	"hostaudit/storage"

	"github.com/gorilla/mux"
)

// rescanRequest is the optional body of POST /api/live/rescan
type rescanRequest struct {
	Collectors []string        `json:"collectors"`
	Wait       json.RawMessage `json:"wait"`
}

// waitRequested accepts wait as a JSON bool, a number or a string
func (req rescanRequest) waitRequested() bool {
	if len(req.Wait) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(req.Wait, &b); err == nil {
		return b
	}
	var n float64
	if err := json.Unmarshal(req.Wait, &n); err == nil {
		return n != 0
	}
	var s string
	if err := json.Unmarshal(req.Wait, &s); err == nil {
		return truthy(s)
	}
	return false
}

// rescanResult is the completed-job response of a waiting rescan
type rescanResult struct {
	OK       bool           `json:"ok"`
	JobID    string         `json:"job_id"`
	Status   core.JobStatus `json:"status"`
	Ingested int            `json:"ingested"`
	Failed   int            `json:"failed"`
	runner.Summary
}

// rescan enqueues an on-demand collector job, optionally waiting for it
func (a *API) rescan(w http.ResponseWriter, r *http.Request) {
	if a.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner_disabled", nil, a.logger)
		return
	}

	var req rescanRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err, a.logger)
		return
	}
	wait := req.waitRequested() || truthy(r.URL.Query().Get("wait"))

	jobID, err := a.deps.Runner.Enqueue(req.Collectors)
	switch {
	case errors.Is(err, runner.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full", err, a.logger)
		return
	case errors.Is(err, runner.ErrNoCollectors):
		writeError(w, http.StatusBadRequest, "no_collectors", err, a.logger)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err, a.logger)
		return
	}

	a.logger.Infow("Rescan requested",
		"job_id", jobID,
		"collectors", req.Collectors,
		"wait", wait,
		"request_id", r.Context().Value(requestIDKey))

	if !wait {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":     true,
			"job_id": jobID,
			"status": core.JobStatusQueued,
		})
		return
	}

	job, done, err := a.deps.Runner.Wait(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wait_failed", err, a.logger)
		return
	}
	if !done {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      false,
			"job_id":  jobID,
			"status":  core.JobStatusPending,
			"message": "timeout_waiting",
		})
		return
	}

	summary, err := a.deps.Runner.Summarize(r.Context(), job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summary_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rescanResult{
		OK:       job.Status == core.JobStatusDone,
		JobID:    jobID,
		Status:   job.Status,
		Ingested: summary.Inserted,
		Failed:   summary.Failed,
		Summary:  *summary,
	})
}

// jobView is a job plus its derived totals
type jobView struct {
	*core.Job
	InsertedTotal int `json:"inserted_total"`
	FailedCount   int `json:"failed_count"`
}

func (a *API) viewJob(r *http.Request, job *core.Job) (*jobView, error) {
	summary, err := a.deps.Runner.Summarize(r.Context(), job)
	if err != nil {
		return nil, err
	}
	return &jobView{Job: job, InsertedTotal: summary.Inserted, FailedCount: summary.Failed}, nil
}

// getJob returns one job with its per-collector logs
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	if a.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner_disabled", nil, a.logger)
		return
	}
	job, err := a.deps.Runner.Status(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", nil, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job_lookup_failed", err, a.logger)
		return
	}
	view, err := a.viewJob(r, job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summary_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// listJobs returns retained jobs, newest first
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	if a.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner_disabled", nil, a.logger)
		return
	}
	jobs := a.deps.Runner.List()
	if limit := queryInt(r, "limit", storage.DefaultPageSize); limit >= 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	views := make([]*jobView, 0, len(jobs))
	for _, job := range jobs {
		view, err := a.viewJob(r, job)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "summary_failed", err, a.logger)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": views, "total": len(views)})
}

// postFacts ingests a facts document posted directly by an agent
func (a *API) postFacts(w http.ResponseWriter, r *http.Request) {
	if a.deps.Facts == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest_disabled", nil, a.logger)
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err, a.logger)
		return
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "invalid_json", errors.New("body is not valid JSON"), a.logger)
		return
	}

	doc, err := a.deps.Facts.Decode(data)
	if err != nil {
		var schemaErr *ingest.SchemaError
		if errors.As(err, &schemaErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "schema_invalid", Detail: strings.Join(schemaErr.Details, "; ")})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json", err, a.logger)
		return
	}

	res, err := a.deps.Facts.Ingest(r.Context(), doc, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingest_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"host":     res.Host,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
	})
}

// listRules returns the public shape of every loaded rule
func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	if a.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "rules_disabled", nil, a.logger)
		return
	}
	rules, err := a.deps.Rules.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rules_load_failed", err, a.logger)
		return
	}
	out := make([]core.RuleSummary, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

// updateDetectionStatus sets a detection's triage status
func (a *API) updateDetectionStatus(w http.ResponseWriter, r *http.Request) {
	if a.deps.Detections == nil {
		writeError(w, http.StatusServiceUnavailable, "detections_disabled", nil, a.logger)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", fmt.Errorf("invalid detection id %q", mux.Vars(r)["id"]), a.logger)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err, a.logger)
		return
	}
	status := core.DetectionStatus(strings.ToLower(strings.TrimSpace(body.Status)))

	err = a.deps.Detections.UpdateStatus(r.Context(), id, status)
	switch {
	case errors.Is(err, storage.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err, a.logger)
		return
	case errors.Is(err, storage.ErrDetectionNotFound):
		writeError(w, http.StatusNotFound, "not_found", nil, a.logger)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "update_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id, "status": status})
}

// reloadSamples forces a sample resync
func (a *API) reloadSamples(w http.ResponseWriter, r *http.Request) {
	if a.deps.Samples == nil {
		writeError(w, http.StatusServiceUnavailable, "samples_disabled", nil, a.logger)
		return
	}
	force := truthy(r.URL.Query().Get("force"))
	res, err := a.deps.Samples.Sync(r.Context(), force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reload_failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"reloaded":    res.Reloaded,
		"inserted":    res.Inserted,
		"fingerprint": res.Fingerprint,
	})
}
