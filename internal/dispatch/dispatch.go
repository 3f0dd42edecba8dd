// Package dispatch implements the Job Lifecycle Controller and the
// dispatch loop that ties the Queue Manager, Worker Manager, Storage, and
// Worker Transport Client together (spec.md §4.1 steps 1-6, §4.3).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/hub"
	"github.com/dispatchd/dispatchd/internal/logstore"
	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/queue"
	"github.com/dispatchd/dispatchd/internal/storage"
	"github.com/dispatchd/dispatchd/internal/transport"
	"github.com/google/uuid"
)

// watchdogInterval is the dispatch loop's fallback wakeup (spec.md §5
// "250 ms timer (watchdog)").
const watchdogInterval = 250 * time.Millisecond

// executeDeadline bounds the execute-then-rollback path; the transport
// client's own retry/backoff already governs the three attempts within it
// (spec.md §4.4).
const executeDeadline = 15 * time.Second

// Publisher is the subset of the Event Bus the dispatcher needs: job list
// updates, plus the per-job log tail the log pump feeds as a worker's
// /logs/{id}/stream is relayed (spec.md §4.5).
type Publisher interface {
	PublishJobUpdate(job *model.Job)
	AppendLogLine(jobID, stream, data string)
	CompleteJob(jobID, status string, exitCode *int, errMsg string)
}

// Dispatcher runs the dispatch loop and implements run/cancel/retry/move/
// delete (spec.md §4.3).
type Dispatcher struct {
	store     storage.Storage
	hub       *hub.Hub
	queues    *queue.Manager
	logs      logstore.LogStore
	publisher Publisher
	log       *slog.Logger

	wakeCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Call hub.SetJobCanceller(d) afterward so
// worker stop can cancel this dispatcher's Running jobs without an import
// cycle.
func New(store storage.Storage, h *hub.Hub, queues *queue.Manager, logs logstore.LogStore, publisher Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		hub:       h,
		queues:    queues,
		logs:      logs,
		publisher: publisher,
		log:       log,
		wakeCh:    make(chan struct{}, 1),
	}
}

// WakeDispatch satisfies hub.DispatchWaker: a worker going offline wakes
// the loop so any Pending-but-not-yet-transmitted assignment on it is
// released (spec.md §4.2).
func (d *Dispatcher) WakeDispatch() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run starts the dispatch loop; it returns when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wakeCh:
			d.tryDispatchAll(ctx)
		case <-ticker.C:
			d.tryDispatchAll(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// tryDispatchAll implements spec.md §4.1 steps 1-6 across every started
// queue. Queues are handled in turn, and each is drained until no further
// Pending job can be placed on one of its workers.
func (d *Dispatcher) tryDispatchAll(ctx context.Context) {
	queues, err := d.store.ListQueues(ctx)
	if err != nil {
		d.log.Error("list queues for dispatch", "error", err)
		return
	}
	for _, q := range queues {
		if !queue.AcceptsDispatch(q) {
			continue
		}
		d.tryDispatchQueue(ctx, q)
	}
}

func (d *Dispatcher) tryDispatchQueue(ctx context.Context, q *model.Queue) {
	for {
		dispatched, err := d.tryDispatchOnce(ctx, q)
		if err != nil {
			d.log.Error("dispatch attempt failed", "queue", q.Name, "error", err)
			return
		}
		if !dispatched {
			return
		}
		// A reservation can lose a race (spec.md §4.1 step 5 "restart
		// from step 1 for this queue"); looping here lets a queue drain
		// more than one job per wakeup once workers free up.
	}
}

// tryDispatchOnce attempts one job-to-worker reservation for q. Returns
// dispatched=true if it successfully assigned and transmitted a job (so
// the caller should immediately try again — more capacity may remain).
func (d *Dispatcher) tryDispatchOnce(ctx context.Context, q *model.Queue) (bool, error) {
	pending, err := d.store.ListPendingJobsByQueue(ctx, q.Name)
	if err != nil {
		return false, fmt.Errorf("list pending jobs: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}
	job := pending[0] // oldest first, storage orders by created_at,id asc

	assignedIDs, err := d.store.ListWorkersForQueue(ctx, q.ID)
	if err != nil {
		return false, fmt.Errorf("list workers for queue: %w", err)
	}
	restrict := make(map[string]bool, len(assignedIDs))
	for _, w := range assignedIDs {
		restrict[w.ID] = true
	}
	eligible := d.hub.Eligible(restrict)
	if len(eligible) == 0 {
		return false, nil
	}

	worker := d.queues.Select(q, eligible)
	if worker == nil {
		return false, nil
	}
	// Persist the queue's round_robin cursor advance regardless of outcome
	// (spec.md §4.1 step 4).
	if err := d.store.UpdateQueue(ctx, q); err != nil {
		d.log.Warn("persist round_robin cursor", "queue", q.Name, "error", err)
	}

	now := time.Now()
	ok, err := d.store.ReserveJob(ctx, job.ID, worker.ID, now)
	if err != nil {
		return false, fmt.Errorf("reserve job: %w", err)
	}
	if !ok {
		// Lost the race; caller's loop restarts from step 1 for this queue.
		return true, nil
	}
	if err := d.hub.Refresh(ctx, worker.ID); err != nil {
		d.log.Warn("refresh worker after reservation", "worker_id", worker.ID, "error", err)
	}

	d.log.Info("job reserved", "job_id", job.ID, "worker_id", worker.ID, "queue", q.Name)
	d.publish(job.ID)

	d.transmit(ctx, job, worker)
	return true, nil
}

// transmit posts the execute command to the reserved worker (spec.md §4.1
// step 6). On failure it rolls back the reservation: job back to Pending,
// worker.current_jobs decremented, worker flagged status=error.
func (d *Dispatcher) transmit(ctx context.Context, job *model.Job, worker *model.Worker) {
	client := d.hub.Client(worker.ID)
	if client == nil {
		d.rollback(ctx, job, worker, fmt.Errorf("no transport client for worker %s", worker.ID))
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, executeDeadline)
	defer cancel()
	if err := client.Execute(execCtx, job.ID, job.Command, job.RuntimeArgs); err != nil {
		d.rollback(ctx, job, worker, err)
		return
	}
	d.log.Info("job transmitted", "job_id", job.ID, "worker_id", worker.ID)

	d.wg.Add(1)
	go d.pumpLogs(ctx, job.ID, worker.ID, client)
}

func (d *Dispatcher) rollback(ctx context.Context, job *model.Job, worker *model.Worker, cause error) {
	d.log.Error("transport failure, rolling back reservation", "job_id", job.ID, "worker_id", worker.ID, "error", cause)

	job.Status = model.JobStatusPending
	job.WorkerID = ""
	job.StartedAt = nil
	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.log.Error("revert job to pending", "job_id", job.ID, "error", err)
	}
	d.publish(job.ID)

	w, err := d.store.GetWorker(ctx, worker.ID)
	if err != nil {
		d.log.Error("reload worker for rollback", "worker_id", worker.ID, "error", err)
		return
	}
	if w.CurrentJobs > 0 {
		w.CurrentJobs--
	}
	w.Status = model.WorkerStatusError
	w.ErrorMessage = cause.Error()
	w.UpdatedAt = time.Now()
	if err := d.store.UpdateWorker(ctx, w); err != nil {
		d.log.Error("persist worker rollback", "worker_id", worker.ID, "error", err)
		return
	}
	if err := d.hub.Refresh(ctx, worker.ID); err != nil {
		d.log.Warn("refresh worker after rollback", "worker_id", worker.ID, "error", err)
	}
	d.WakeDispatch() // other queues may now have freed capacity via the decrement
}

func (d *Dispatcher) publish(jobID string) {
	if d.publisher == nil {
		return
	}
	job, err := d.store.GetJob(context.Background(), jobID)
	if err != nil {
		return
	}
	d.publisher.PublishJobUpdate(job)
}

// NewWorkerTransportFactory adapts a hub.TransportFactory over a worker's
// address: local workers are reached on localhost, remote ones on their
// configured host (spec.md §4.4's client is address-agnostic; only the
// base URL differs).
func NewWorkerTransportFactory(log *slog.Logger) func(w *model.Worker) *transport.Client {
	return func(w *model.Worker) *transport.Client {
		host := w.IPAddress
		if w.Type == model.WorkerTypeLocal || host == "" {
			host = "127.0.0.1"
		}
		return transport.New(fmt.Sprintf("http://%s:%d", host, w.Port), log)
	}
}

// newID generates a prefixed identifier in the teacher's style (short,
// readable, collision-resistant).
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
