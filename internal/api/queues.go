package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
)

// routeQueues handles /queues, /queues/{id}, /queues/{id}/start|stop|pause,
// and /queues/{id}/workers.
func (h *Handler) routeQueues(w http.ResponseWriter, r *http.Request, rest string) {
	id, sub, hasSub := splitFirstSegment(rest)
	if id == "" {
		switch r.Method {
		case http.MethodGet:
			h.listQueues(w, r)
		case http.MethodPost:
			h.createQueue(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if hasSub {
		switch {
		case sub == "start" || sub == "stop" || sub == "pause":
			h.setQueueState(w, r, id, sub)
		case sub == "workers" || strings.HasPrefix(sub, "workers/"):
			h.routeQueueWorkers(w, r, id, strings.TrimPrefix(sub, "workers"))
		case sub == "logs" || strings.HasPrefix(sub, "logs/"):
			h.routeQueueLogs(w, r, id, strings.TrimPrefix(sub, "logs"))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getQueue(w, r, id)
	case http.MethodPut:
		h.updateQueue(w, r, id)
	case http.MethodDelete:
		h.deleteQueue(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.store.ListQueues(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

type queueRequest struct {
	Name              string               `json:"name"`
	Description       string               `json:"description"`
	Priority          model.QueuePriority  `json:"priority"`
	Strategy          model.QueueStrategy  `json:"strategy"`
	IsDefault         bool                 `json:"is_default"`
	DefaultMaxRetries int                  `json:"default_max_retries"`
}

func (h *Handler) createQueue(w http.ResponseWriter, r *http.Request) {
	var body queueRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	now := time.Now()
	q := &model.Queue{
		ID:                newEntityID("queue"),
		Name:              body.Name,
		Description:       body.Description,
		Priority:          defaultPriority(body.Priority),
		Strategy:          defaultStrategy(body.Strategy),
		State:             model.QueueStateStopped,
		IsDefault:         body.IsDefault,
		DefaultMaxRetries: body.DefaultMaxRetries,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := h.queues.Create(r.Context(), q); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, q)
}

func defaultPriority(p model.QueuePriority) model.QueuePriority {
	if p == "" {
		return model.QueuePriorityNormal
	}
	return p
}

func defaultStrategy(s model.QueueStrategy) model.QueueStrategy {
	if s == "" {
		return model.StrategyRoundRobin
	}
	return s
}

func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request, id string) {
	q, err := h.store.GetQueue(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, q)
}

func (h *Handler) updateQueue(w http.ResponseWriter, r *http.Request, id string) {
	q, err := h.store.GetQueue(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var body queueRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Name != "" {
		q.Name = body.Name
	}
	q.Description = body.Description
	if body.Priority != "" {
		q.Priority = body.Priority
	}
	if body.Strategy != "" {
		q.Strategy = body.Strategy
	}
	q.IsDefault = body.IsDefault
	q.DefaultMaxRetries = body.DefaultMaxRetries
	q.UpdatedAt = time.Now()
	if err := h.queues.Update(r.Context(), q); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, q)
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.queues.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setQueueState(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var target model.QueueState
	switch action {
	case "start":
		target = model.QueueStateStarted
	case "stop":
		target = model.QueueStateStopped
	case "pause":
		target = model.QueueStatePaused
	}
	if err := h.queues.SetState(r.Context(), id, target); err != nil {
		h.writeError(w, err)
		return
	}
	h.dispatcher.WakeDispatch()
	w.WriteHeader(http.StatusNoContent)
}

// routeQueueLogs handles /queues/{id}/logs, /queues/{id}/logs/clear, and
// /queues/{id}/logs/stream. A queue has no log artifact of its own; log
// bytes are a per-job artifact (see internal/events.Bus.SubscribeLog), so
// each form fans out over the jobs that ran through the queue (spec.md §6
// "same shape for /api/queues/{id}/...").
func (h *Handler) routeQueueLogs(w http.ResponseWriter, r *http.Request, queueID, rest string) {
	jobsFn := func(ctx context.Context) ([]*model.Job, error) {
		q, err := h.store.GetQueue(ctx, queueID)
		if err != nil {
			return nil, err
		}
		return h.store.ListJobs(ctx, storageJobFilterForQueue(q.Name))
	}

	switch {
	case rest == "" && r.Method == http.MethodGet:
		jobs, err := jobsFn(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	case rest == "/clear" && r.Method == http.MethodPost:
		h.clearEntityLogs(w, r, jobsFn)
	case rest == "/stream" && r.Method == http.MethodGet:
		h.streamEntityLogs(w, r, jobsFn)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func storageJobFilterForQueue(queueName string) storage.JobFilter {
	return storage.JobFilter{QueueName: queueName, Limit: 200}
}

// routeQueueWorkers handles /queues/{id}/workers,
// /queues/{id}/workers/bulk, and /queues/{id}/workers/{worker_id}.
func (h *Handler) routeQueueWorkers(w http.ResponseWriter, r *http.Request, queueID, rest string) {
	workerID := strings.TrimPrefix(rest, "/")
	if workerID == "" {
		switch r.Method {
		case http.MethodGet:
			workers, err := h.store.ListWorkersForQueue(r.Context(), queueID)
			if err != nil {
				h.writeError(w, err)
				return
			}
			h.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
		case http.MethodPost:
			var body struct {
				WorkerID string `json:"worker_id"`
			}
			if err := h.decodeJSON(r, &body); err != nil {
				h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if err := h.store.AssignWorkerToQueue(r.Context(), queueID, body.WorkerID); err != nil {
				h.writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if workerID == "bulk" {
		h.bulkAssignQueueWorkers(w, r, queueID)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := h.store.AssignWorkerToQueue(r.Context(), queueID, workerID); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := h.store.UnassignWorkerFromQueue(r.Context(), queueID, workerID); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// bulkAssignQueueWorkers handles POST /queues/{id}/workers/bulk
// {"worker_ids": [...]}, assigning each worker in turn. The first failure
// aborts the batch and is reported; workers assigned before the failure
// stay assigned (each AssignWorkerToQueue call is independently committed).
func (h *Handler) bulkAssignQueueWorkers(w http.ResponseWriter, r *http.Request, queueID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		WorkerIDs []string `json:"worker_ids"`
	}
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	for _, workerID := range body.WorkerIDs {
		if err := h.store.AssignWorkerToQueue(r.Context(), queueID, workerID); err != nil {
			h.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
