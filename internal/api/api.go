// Package api implements the REST surface: manual path-prefix routing (no
// router library, matching the teacher's own api.go), JSON request/response
// bodies, and the realtime SSE endpoints backed by internal/events.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/auth"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/dispatch"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/hub"
	"github.com/dispatchd/dispatchd/internal/logstore"
	"github.com/dispatchd/dispatchd/internal/provision"
	"github.com/dispatchd/dispatchd/internal/queue"
	"github.com/dispatchd/dispatchd/internal/storage"
)

// Handler routes and serves the orchestrator's HTTP API.
type Handler struct {
	store      storage.Storage
	queues     *queue.Manager
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	provisioner *provision.Provisioner
	bus        *events.Bus
	logs       logstore.LogStore
	authn      *auth.Handler
	log        *slog.Logger

	// monitoringInterval is the fixed health-probe cadence reported by
	// GET /api/workers/monitoring; it mirrors the interval internal/hub
	// was started with.
	monitoringInterval time.Duration

	// cfg and cfgPath back the thin /api/db surface. cfg is nil when the
	// orchestrator was started without a config file, in which case the
	// db endpoints report unavailable rather than guessing at a path to
	// write to.
	cfg     *config.Config
	cfgPath string
}

// New creates a Handler wiring every orchestration component.
func New(store storage.Storage, queues *queue.Manager, h *hub.Hub, dispatcher *dispatch.Dispatcher, provisioner *provision.Provisioner, bus *events.Bus, logs logstore.LogStore, authn *auth.Handler, monitoringInterval time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store: store, queues: queues, hub: h, dispatcher: dispatcher,
		provisioner: provisioner, bus: bus, logs: logs, authn: authn,
		monitoringInterval: monitoringInterval, log: log,
	}
}

// SetConfig wires the loaded server config into the handler, enabling the
// /api/db endpoints. cfgPath is the file cfg was loaded from (or would be
// written to); empty if the orchestrator is running on defaults only.
func (h *Handler) SetConfig(cfg *config.Config, cfgPath string) {
	h.cfg = cfg
	h.cfgPath = cfgPath
}

// ServeHTTP routes /auth/login (unauthenticated) and every /api/* route
// (bearer-authenticated) to its handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/auth/login" && r.Method == http.MethodPost {
		h.authn.Login(w, r)
		return
	}
	h.authn.RequireAuth(http.HandlerFunc(h.route)).ServeHTTP(w, r)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api"), "/")

	switch {
	case path == "/auth/logout" && r.Method == http.MethodPost:
		// Bearer tokens are stateless; logout is purely a client-side
		// discard of the token. Nothing to revoke server-side.
		w.WriteHeader(http.StatusNoContent)

	case path == "/specs" || strings.HasPrefix(path, "/specs/"):
		h.routeSpecs(w, r, strings.TrimPrefix(path, "/specs"))

	case path == "/jobs/realtime" && r.Method == http.MethodGet:
		h.streamJobsList(w, r)
	case path == "/jobs/statistics/summary" && r.Method == http.MethodGet:
		h.jobStatsSummary(w, r)
	case path == "/jobs/run" && r.Method == http.MethodPost:
		h.runJob(w, r)
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/logs/stream"):
		h.streamJobLogs(w, r, trimSuffixPrefix(path, "/jobs/", "/logs/stream"))
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPut:
		h.cancelJob(w, r, trimSuffixPrefix(path, "/jobs/", "/cancel"))
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/retry") && r.Method == http.MethodPut:
		h.retryJob(w, r, trimSuffixPrefix(path, "/jobs/", "/retry"))
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/move") && r.Method == http.MethodPut:
		h.moveJob(w, r, trimSuffixPrefix(path, "/jobs/", "/move"))
	case path == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)
	case strings.HasPrefix(path, "/jobs/"):
		h.jobByID(w, r, strings.TrimPrefix(path, "/jobs/"))

	case path == "/queues/realtime" && r.Method == http.MethodGet:
		h.streamQueuesList(w, r)
	case path == "/queues" || strings.HasPrefix(path, "/queues/"):
		h.routeQueues(w, r, strings.TrimPrefix(path, "/queues"))

	case path == "/workers/realtime" && r.Method == http.MethodGet:
		h.streamWorkersList(w, r)
	case path == "/workers/monitoring":
		h.workerMonitoring(w, r)
	case strings.HasPrefix(path, "/workers/deployment-status/"):
		h.deploymentStatus(w, r, strings.TrimPrefix(path, "/workers/deployment-status/"))
	case path == "/workers" || strings.HasPrefix(path, "/workers/"):
		h.routeWorkers(w, r, strings.TrimPrefix(path, "/workers"))

	case path == "/db" || path == "/db/initialize":
		h.routeDB(w, r, path)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// trimSuffixPrefix extracts the {id} segment from a path of the shape
// prefix + id + suffix (e.g. "/jobs/job_1/cancel").
func trimSuffixPrefix(path, prefix, suffix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("write json response", "error", err)
	}
}

func (h *Handler) decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeError maps storage/dispatch sentinel errors to the taxonomy in
// spec.md §7: NotFound -> 404, Conflict -> 409, Unavailable -> 503,
// anything else -> 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, storage.ErrConflict):
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, dispatch.ErrNoDefaultQueue):
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, dispatch.ErrNotCancellable),
		errors.Is(err, dispatch.ErrNotRetryable),
		errors.Is(err, dispatch.ErrNotMovable),
		errors.Is(err, dispatch.ErrNotDeletable):
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.log.Error("api request failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// newEntityID generates a prefixed identifier in the teacher's style
// (short, readable, collision-resistant).
func newEntityID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// pageParams parses the ?page&per_page pagination convention shared by the
// list endpoints (spec.md §6).
func pageParams(r *http.Request, defaultPerPage int) (limit, offset int) {
	q := r.URL.Query()
	perPage := defaultPerPage
	if v, err := strconv.Atoi(q.Get("per_page")); err == nil && v > 0 && v <= 200 {
		perPage = v
	}
	page := 1
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		page = v
	}
	return perPage, (page - 1) * perPage
}
