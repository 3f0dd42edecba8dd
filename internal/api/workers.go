package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
)

// routeWorkers handles /workers, /workers/{id}, and
// /workers/{id}/start|stop|pause.
func (h *Handler) routeWorkers(w http.ResponseWriter, r *http.Request, rest string) {
	id, sub, hasSub := splitFirstSegment(rest)
	if id == "" {
		switch r.Method {
		case http.MethodGet:
			h.listWorkers(w, r)
		case http.MethodPost:
			h.createWorker(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if hasSub {
		switch sub {
		case "start", "stop", "pause":
			h.setWorkerState(w, r, id, sub)
		case "logs":
			h.routeWorkerLogs(w, r, id, strings.TrimPrefix(rest, "/"+id+"/logs"))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getWorker(w, r, id)
	case http.MethodPut:
		h.updateWorker(w, r, id)
	case http.MethodDelete:
		h.deleteWorker(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.ListWorkers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

type workerRequest struct {
	Name          string              `json:"name"`
	Type          model.WorkerType    `json:"type"`
	Hostname      string              `json:"hostname"`
	IPAddress     string              `json:"ip_address"`
	Port          int                 `json:"port"`
	SSHUser       string              `json:"ssh_user"`
	SSHAuthMethod model.SSHAuthMethod `json:"ssh_auth_method"`
	SSHKeyPath    string              `json:"ssh_key_path"`
	SSHPassword   string              `json:"ssh_password"`
	MaxJobs       int                 `json:"max_jobs"`
}

// createWorker creates the worker row. For a remote worker, deployment is
// triggered separately by provisioning it (spec.md §4.2 "registering a
// remote worker does not itself deploy it") — an operator calls start to
// kick off the SSH deployment sequence once the row exists.
func (h *Handler) createWorker(w http.ResponseWriter, r *http.Request) {
	var body workerRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Name) == "" || body.MaxJobs <= 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and a positive max_jobs are required"})
		return
	}
	now := time.Now()
	worker := &model.Worker{
		ID:            newEntityID("worker"),
		Name:          body.Name,
		Type:          body.Type,
		Hostname:      body.Hostname,
		IPAddress:     body.IPAddress,
		Port:          body.Port,
		SSHUser:       body.SSHUser,
		SSHAuthMethod: body.SSHAuthMethod,
		SSHKeyPath:    body.SSHKeyPath,
		SSHPassword:   body.SSHPassword,
		MaxJobs:       body.MaxJobs,
		Status:        model.WorkerStatusOffline,
		State:         model.WorkerStateStopped,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.store.CreateWorker(r.Context(), worker); err != nil {
		h.writeError(w, err)
		return
	}
	h.hub.Register(worker)
	h.writeJSON(w, http.StatusCreated, worker)
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request, id string) {
	worker, err := h.store.GetWorker(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, worker)
}

func (h *Handler) updateWorker(w http.ResponseWriter, r *http.Request, id string) {
	worker, err := h.store.GetWorker(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var body workerRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Name != "" {
		worker.Name = body.Name
	}
	worker.Hostname = body.Hostname
	worker.IPAddress = body.IPAddress
	if body.Port != 0 {
		worker.Port = body.Port
	}
	worker.SSHUser = body.SSHUser
	worker.SSHAuthMethod = body.SSHAuthMethod
	worker.SSHKeyPath = body.SSHKeyPath
	if body.SSHPassword != "" {
		worker.SSHPassword = body.SSHPassword
	}
	if body.MaxJobs > 0 {
		worker.MaxJobs = body.MaxJobs
	}
	worker.UpdatedAt = time.Now()
	if err := h.store.UpdateWorker(r.Context(), worker); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, worker)
}

func (h *Handler) deleteWorker(w http.ResponseWriter, r *http.Request, id string) {
	if id == model.SystemWorkerID {
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": "the System worker cannot be deleted"})
		return
	}
	if err := h.store.DeleteWorker(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.hub.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

// setWorkerState handles start/stop/pause. A start on a Type=remote
// worker with State=stopped triggers a fresh SSH
// deployment via the Worker Provisioner (spec.md §4.2); everything else
// delegates directly to the hub's state machine.
func (h *Handler) setWorkerState(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	worker := h.hub.Get(id)
	if worker == nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if action == "start" && worker.Type == model.WorkerTypeRemote && worker.State == model.WorkerStateStopped && h.provisioner != nil {
		callbackURL := r.URL.Query().Get("callback_url")
		deploymentID := h.provisioner.Deploy(r.Context(), worker, callbackURL)
		h.writeJSON(w, http.StatusAccepted, map[string]string{"deployment_id": deploymentID})
		return
	}

	var target model.WorkerState
	switch action {
	case "start":
		target = model.WorkerStateStarted
	case "stop":
		target = model.WorkerStateStopped
	case "pause":
		target = model.WorkerStatePaused
	}
	if err := h.hub.SetWorkerState(r.Context(), id, target); err != nil {
		h.writeError(w, err)
		return
	}
	h.dispatcher.WakeDispatch()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deploymentStatus(w http.ResponseWriter, r *http.Request, deploymentID string) {
	if h.provisioner == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "provisioning unavailable"})
		return
	}
	status, ok := h.provisioner.Status(deploymentID)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// workerMonitoring reports the operator-configured health-probe interval.
// It is read-only: the interval is fixed at process startup (spec.md §4.2
// health monitor), so PUT only validates the requested value round-trips.
func (h *Handler) workerMonitoring(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, map[string]string{"interval": h.monitoringInterval.String()})
	case http.MethodPut:
		var body struct {
			Interval string `json:"interval"`
		}
		if err := h.decodeJSON(r, &body); err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if _, err := time.ParseDuration(body.Interval); err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid interval"})
			return
		}
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": "health-probe interval is fixed at process startup and cannot be changed at runtime"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// routeWorkerLogs handles /workers/{id}/logs, /workers/{id}/logs/clear, and
// /workers/{id}/logs/stream: a worker has no log artifact of its own, so
// each fans out over the jobs that ran on it (spec.md §6 "same shape for
// /api/queues/{id}/...").
func (h *Handler) routeWorkerLogs(w http.ResponseWriter, r *http.Request, workerID, rest string) {
	switch {
	case rest == "" && r.Method == http.MethodGet:
		jobs, err := h.store.ListJobsByWorker(r.Context(), workerID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	case rest == "/clear" && r.Method == http.MethodPost:
		h.clearEntityLogs(w, r, func(ctx context.Context) ([]*model.Job, error) {
			return h.store.ListJobsByWorker(ctx, workerID)
		})
	case rest == "/stream" && r.Method == http.MethodGet:
		h.streamEntityLogs(w, r, func(ctx context.Context) ([]*model.Job, error) {
			return h.store.ListJobsByWorker(ctx, workerID)
		})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}
