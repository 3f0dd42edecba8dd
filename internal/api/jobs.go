package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
)

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	filter := storageJobFilter(r, limit, offset)
	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) jobStatsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.JobStatsSummary(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

type runJobRequest struct {
	SpecName    string         `json:"spec_name"`
	RuntimeArgs map[string]any `json:"runtime_args"`
	CreatedBy   string         `json:"created_by"`
	QueueName   string         `json:"queue_name"`
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	var body runJobRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.SpecName) == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "spec_name is required"})
		return
	}
	job, err := h.dispatcher.Submit(r.Context(), body.SpecName, body.RuntimeArgs, body.CreatedBy, body.QueueName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, job)
}

// jobByID handles GET/DELETE on /jobs/{id} once the suffix-matched action
// routes (cancel, retry, move, logs/*) have already been ruled out.
func (h *Handler) jobByID(w http.ResponseWriter, r *http.Request, rest string) {
	id, sub, hasSub := splitFirstSegment(rest)

	if hasSub && (sub == "logs" || strings.HasPrefix(sub, "logs/")) {
		h.routeJobLogs(w, r, id, strings.TrimPrefix(sub, "logs"))
		return
	}
	if hasSub {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getJob(w, r, id)
	case http.MethodDelete:
		h.deleteJob(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.dispatcher.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.dispatcher.Retry(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, job)
}

type moveJobRequest struct {
	NewQueue string `json:"new_queue"`
}

func (h *Handler) moveJob(w http.ResponseWriter, r *http.Request, id string) {
	var body moveJobRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.dispatcher.Move(r.Context(), id, body.NewQueue); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// routeJobLogs handles /jobs/{id}/logs, /jobs/{id}/logs/clear, and
// /jobs/{id}/logs/stream (the latter dispatched directly by ServeHTTP's
// suffix match before jobByID is ever reached).
func (h *Handler) routeJobLogs(w http.ResponseWriter, r *http.Request, jobID, rest string) {
	switch {
	case rest == "" && r.Method == http.MethodGet:
		h.getJobLogs(w, r, jobID)
	case rest == "/clear" && r.Method == http.MethodDelete:
		h.clearJobLogs(w, r, jobID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) getJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if h.logs == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "log store unavailable"})
		return
	}
	rc, err := h.logs.GetLogs(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Error("stream job logs", "job_id", jobID, "error", err)
	}
}

func (h *Handler) clearJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if h.logs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.logs.Delete(r.Context(), jobID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storageJobFilter translates the API's page/per_page/queue/status/
// exclude_status query params into a storage.JobFilter.
func storageJobFilter(r *http.Request, limit, offset int) storage.JobFilter {
	q := r.URL.Query()
	var excl []model.JobStatus
	if raw := q.Get("exclude_status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				excl = append(excl, model.JobStatus(s))
			}
		}
	}
	return storage.JobFilter{
		QueueName:     q.Get("queue"),
		Status:        model.JobStatus(q.Get("status")),
		ExcludeStatus: excl,
		Limit:         limit,
		Offset:        offset,
	}
}

// splitFirstSegment splits "id/rest/of/path" into ("id", "rest", true), or
// ("id", "", false) if there is no further segment.
func splitFirstSegment(path string) (first, second string, hasSecond bool) {
	path = strings.TrimPrefix(path, "/")
	i := strings.Index(path, "/")
	if i < 0 {
		return path, "", false
	}
	return path[:i], path[i+1:], true
}
