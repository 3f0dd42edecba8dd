// Package hub implements the Worker Manager's connection/registry half
// (spec.md §4.2): an in-memory view of every worker, kept in sync with
// storage, plus the health-monitor loop that probes each started/paused
// worker and drives the 3-consecutive-miss offline/failed transition.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
	"github.com/dispatchd/dispatchd/internal/transport"
)

const missThreshold = 3

// Publisher is the subset of the Event Bus the hub needs: publishing a
// worker_update whenever a worker's observed status or state changes.
// Defined here, at the consumer, rather than importing internal/events
// directly.
type Publisher interface {
	PublishWorkerUpdate(worker *model.Worker)
}

// DispatchWaker is notified when a started worker goes offline, so the
// dispatcher can release any Pending assignment it hadn't transmitted yet
// (spec.md §4.2 "raises an event that wakes the dispatcher").
type DispatchWaker interface {
	WakeDispatch()
}

// JobCanceller cancels every Running job assigned to a worker, flipping
// each to Cancelled (spec.md §4.2 "started/paused → stopped ... jobs flip
// to Cancelled"). Implemented by internal/dispatch.
type JobCanceller interface {
	CancelJobsForWorker(ctx context.Context, workerID string) error
}

// TransportFactory builds a transport.Client for a worker's address. A
// local worker's client points at localhost:Port; a remote worker's at
// IPAddress:Port.
type TransportFactory func(w *model.Worker) *transport.Client

// Hub is the in-memory worker registry.
type Hub struct {
	mu      sync.RWMutex
	workers map[string]*model.Worker
	clients map[string]*transport.Client

	store     storage.Storage
	newClient TransportFactory
	publisher Publisher
	waker     DispatchWaker
	canceller JobCanceller
	log       *slog.Logger

	probeInterval time.Duration
}

// New creates a Hub and loads the current worker set from storage.
func New(ctx context.Context, store storage.Storage, newClient TransportFactory, publisher Publisher, waker DispatchWaker, probeInterval time.Duration, log *slog.Logger) (*Hub, error) {
	if log == nil {
		log = slog.Default()
	}
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	h := &Hub{
		workers:       make(map[string]*model.Worker),
		clients:       make(map[string]*transport.Client),
		store:         store,
		newClient:     newClient,
		publisher:     publisher,
		waker:         waker,
		log:           log,
		probeInterval: probeInterval,
	}
	workers, err := store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	for _, w := range workers {
		h.workers[w.ID] = w
		h.clients[w.ID] = newClient(w)
	}
	return h, nil
}

// SetJobCanceller wires the Job Lifecycle Controller in after construction,
// breaking the hub↔dispatch import cycle (dispatch depends on hub, so hub
// cannot import dispatch's concrete type at construction time).
func (h *Hub) SetJobCanceller(c JobCanceller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceller = c
}

// Register adds a newly created worker to the live registry (called after
// storage.CreateWorker succeeds).
func (h *Hub) Register(w *model.Worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[w.ID] = w
	h.clients[w.ID] = h.newClient(w)
}

// Unregister drops a deleted worker from the live registry.
func (h *Hub) Unregister(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.workers, workerID)
	delete(h.clients, workerID)
}

// Get returns the in-memory copy of a worker, or nil if unknown.
func (h *Hub) Get(workerID string) *model.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.workers[workerID]
}

// Client returns the transport client bound to a worker, or nil if unknown.
func (h *Hub) Client(workerID string) *transport.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[workerID]
}

// List returns a snapshot of all known workers.
func (h *Hub) List() []*model.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*model.Worker, 0, len(h.workers))
	for _, w := range h.workers {
		out = append(out, w)
	}
	return out
}

// Eligible returns workers currently eligible for dispatch (spec.md §3
// Worker invariant), optionally restricted to a set of worker IDs (a
// queue's assigned workers).
func (h *Hub) Eligible(restrictTo map[string]bool) []*model.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*model.Worker
	for id, w := range h.workers {
		if restrictTo != nil && !restrictTo[id] {
			continue
		}
		if w.Eligible() {
			out = append(out, w)
		}
	}
	return out
}

// Refresh reloads one worker's row from storage into the in-memory
// registry. Callers that mutate a worker directly in storage (the
// dispatcher's reservation and rollback paths) call this afterward so the
// hub's cached copy — and the candidates Eligible() hands to the queue
// selector — doesn't drift from the source of truth.
func (h *Hub) Refresh(ctx context.Context, workerID string) error {
	w, err := h.store.GetWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("reload worker %s: %w", workerID, err)
	}
	h.mu.Lock()
	h.workers[workerID] = w
	h.mu.Unlock()
	return nil
}

// Touch records a probe outcome and returns the worker's updated copy
// (for tests and direct callers; the health loop uses this internally).
func (h *Hub) Touch(ctx context.Context, workerID string, healthy bool, now time.Time) (*model.Worker, error) {
	h.mu.Lock()
	w, ok := h.workers[workerID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("worker %s not registered", workerID)
	}
	prevState, prevStatus := w.State, w.Status

	if healthy {
		w.Status = model.WorkerStatusOnline
		w.LastSeen = &now
		w.ErrorMessage = ""
		w.MissedProbes = 0
	} else {
		w.MissedProbes++
		if w.MissedProbes >= missThreshold {
			w.Status = model.WorkerStatusOffline
			if w.State == model.WorkerStateStarted {
				w.State = model.WorkerStateFailed
				w.ErrorMessage = fmt.Sprintf("worker unresponsive after %d consecutive health probes", w.MissedProbes)
			}
		}
	}
	w.UpdatedAt = now
	changed := prevState != w.State || prevStatus != w.Status
	wCopy := *w
	h.mu.Unlock()

	if err := h.store.UpdateWorker(ctx, &wCopy); err != nil {
		return nil, fmt.Errorf("persist worker health update: %w", err)
	}
	if changed {
		h.log.Info("worker health transition", "worker_id", workerID, "status", wCopy.Status, "state", wCopy.State, "missed_probes", wCopy.MissedProbes)
		if h.publisher != nil {
			h.publisher.PublishWorkerUpdate(&wCopy)
		}
		if wCopy.Status == model.WorkerStatusOffline && prevState == model.WorkerStateStarted && h.waker != nil {
			h.waker.WakeDispatch()
		}
	}
	return &wCopy, nil
}

// SetWorkerState drives the Worker Manager state machine (spec.md §4.2):
//   - stopped → started: contacts the worker (health probe) and only
//     transitions on success.
//   - started → paused: orchestrator-local; Running jobs are undisturbed.
//   - started/paused → stopped: cancels every Running job on the worker,
//     then marks it stopped.
func (h *Hub) SetWorkerState(ctx context.Context, workerID string, target model.WorkerState) error {
	w := h.Get(workerID)
	if w == nil {
		return fmt.Errorf("worker %s not registered", workerID)
	}

	switch target {
	case model.WorkerStateStarted:
		if w.State != model.WorkerStateStopped {
			return fmt.Errorf("cannot start worker in state %s", w.State)
		}
		client := h.Client(workerID)
		if client == nil {
			return fmt.Errorf("no transport client for worker %s", workerID)
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Health(probeCtx); err != nil {
			return fmt.Errorf("worker did not respond to start probe: %w", err)
		}
		return h.applyState(ctx, workerID, model.WorkerStateStarted, model.WorkerStatusOnline, "")

	case model.WorkerStatePaused:
		if w.State != model.WorkerStateStarted {
			return fmt.Errorf("cannot pause worker in state %s", w.State)
		}
		return h.applyState(ctx, workerID, model.WorkerStatePaused, w.Status, w.ErrorMessage)

	case model.WorkerStateStopped:
		if w.State != model.WorkerStateStarted && w.State != model.WorkerStatePaused {
			return fmt.Errorf("cannot stop worker in state %s", w.State)
		}
		if h.canceller != nil {
			if err := h.canceller.CancelJobsForWorker(ctx, workerID); err != nil {
				return fmt.Errorf("cancel running jobs on stop: %w", err)
			}
		}
		return h.applyState(ctx, workerID, model.WorkerStateStopped, model.WorkerStatusOffline, "")

	default:
		return fmt.Errorf("unsupported target state %s", target)
	}
}

func (h *Hub) applyState(ctx context.Context, workerID string, state model.WorkerState, status model.WorkerStatus, errMsg string) error {
	h.mu.Lock()
	w, ok := h.workers[workerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("worker %s not registered", workerID)
	}
	w.State = state
	w.Status = status
	w.ErrorMessage = errMsg
	w.UpdatedAt = time.Now()
	if state == model.WorkerStateStopped {
		// Every Running job on this worker was just force-cancelled by the
		// caller (JobCanceller.CancelJobsForWorker), so no completion event
		// will ever arrive to release its slot.
		w.CurrentJobs = 0
	} else {
		w.MissedProbes = 0
	}
	wCopy := *w
	h.mu.Unlock()

	if err := h.store.UpdateWorker(ctx, &wCopy); err != nil {
		return fmt.Errorf("persist worker state change: %w", err)
	}
	h.log.Info("worker state change", "worker_id", workerID, "state", state, "status", status)
	if h.publisher != nil {
		h.publisher.PublishWorkerUpdate(&wCopy)
	}
	return nil
}

// Run starts the health monitor loop: every probeInterval, probe each
// worker in state ∈ {started, paused} (spec.md §4.2).
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeAll(ctx)
		}
	}
}

func (h *Hub) probeAll(ctx context.Context) {
	for _, w := range h.candidatesForProbe() {
		w := w
		go h.probeOne(ctx, w)
	}
}

func (h *Hub) candidatesForProbe() []*model.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*model.Worker
	for _, w := range h.workers {
		if w.State == model.WorkerStateStarted || w.State == model.WorkerStatePaused {
			wCopy := *w
			out = append(out, &wCopy)
		}
	}
	return out
}

func (h *Hub) probeOne(ctx context.Context, w *model.Worker) {
	client := h.Client(w.ID)
	if client == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := client.Health(probeCtx)
	if _, touchErr := h.Touch(ctx, w.ID, err == nil, time.Now()); touchErr != nil {
		h.log.Warn("failed to record health probe result", "worker_id", w.ID, "error", touchErr)
	}
}
