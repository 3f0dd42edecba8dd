package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
)

// Submit creates a Pending job from a spec (spec.md §4.3 run). If
// queueName is empty the default queue is used; NoDefaultQueue if none is
// configured. Named Submit, not Run, because Run already names the
// Dispatcher's background dispatch loop.
func (d *Dispatcher) Submit(ctx context.Context, specName string, runtimeArgs map[string]any, createdBy, queueName string) (*model.Job, error) {
	spec, err := d.store.GetSpecByName(ctx, specName)
	if err != nil {
		return nil, fmt.Errorf("get spec: %w", err)
	}

	var q *model.Queue
	if queueName == "" {
		q, err = d.store.GetDefaultQueue(ctx)
		if err != nil {
			return nil, ErrNoDefaultQueue
		}
	} else {
		q, err = d.store.GetQueueByName(ctx, queueName)
		if err != nil {
			return nil, fmt.Errorf("get queue: %w", err)
		}
	}

	now := time.Now()
	job := &model.Job{
		ID:          newID("job"),
		SpecName:    spec.Name,
		Command:     spec.Command,
		Status:      model.JobStatusPending,
		CreatedBy:   createdBy,
		QueueName:   q.Name,
		RuntimeArgs: runtimeArgs,
		CreatedAt:   now,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	d.log.Info("job created", "job_id", job.ID, "spec", spec.Name, "queue", q.Name, "created_by", createdBy)
	d.publish(job.ID)
	d.WakeDispatch()
	return job, nil
}

// Cancel implements spec.md §4.3 cancel: a Pending job transitions
// directly to Cancelled; a Running job gets a cancel forwarded to its
// worker (the worker's subsequent terminal status is authoritative, so
// this does not itself mark the job Cancelled). Any other status fails
// with ErrNotCancellable.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	switch job.Status {
	case model.JobStatusPending:
		job.Status = model.JobStatusCancelled
		now := time.Now()
		job.CompletedAt = &now
		job.ErrorMessage = "cancelled before dispatch"
		if err := d.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("cancel pending job: %w", err)
		}
		d.publish(job.ID)
		return nil

	case model.JobStatusRunning:
		client := d.hub.Client(job.WorkerID)
		if client == nil {
			return fmt.Errorf("no transport client for worker %s", job.WorkerID)
		}
		cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Cancel(cancelCtx, job.ID); err != nil {
			return fmt.Errorf("forward cancel to worker: %w", err)
		}
		return nil

	default:
		return ErrNotCancellable
	}
}

// Retry implements spec.md §4.3 retry: only valid on a terminal,
// non-Completed job. Creates a new Pending job with the same spec and
// runtime_args; the old job is unchanged (spec.md §9 Open Question #4:
// runtime_args copied verbatim, not re-resolved from the current spec).
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (*model.Job, error) {
	old, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if !old.Status.Terminal() || old.Status == model.JobStatusCompleted {
		return nil, ErrNotRetryable
	}

	now := time.Now()
	job := &model.Job{
		ID:            newID("job"),
		SpecName:      old.SpecName,
		Command:       old.Command,
		Status:        model.JobStatusPending,
		CreatedBy:     old.CreatedBy,
		QueueName:     old.QueueName,
		RuntimeArgs:   old.RuntimeArgs,
		RetriedFromID: old.ID,
		CreatedAt:     now,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create retry job: %w", err)
	}
	d.log.Info("job retried", "old_job_id", old.ID, "new_job_id", job.ID)
	d.publish(job.ID)
	d.WakeDispatch()
	return job, nil
}

// Move implements spec.md §4.3 move: only valid while the job is Pending.
func (d *Dispatcher) Move(ctx context.Context, jobID, newQueueName string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Status != model.JobStatusPending {
		return ErrNotMovable
	}
	if _, err := d.store.GetQueueByName(ctx, newQueueName); err != nil {
		return fmt.Errorf("get target queue: %w", err)
	}
	if err := d.store.UpdateJobQueue(ctx, jobID, newQueueName); err != nil {
		return fmt.Errorf("move job: %w", err)
	}
	d.publish(jobID)
	d.WakeDispatch()
	return nil
}

// Delete implements spec.md §4.3 delete: only valid on a terminal job;
// removes the job row and its log artifacts (spec.md §9 Open Question #3:
// retention is until deletion, no age-based sweep).
func (d *Dispatcher) Delete(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if !job.Status.Terminal() {
		return ErrNotDeletable
	}
	if d.logs != nil {
		if err := d.logs.Delete(ctx, jobID); err != nil {
			d.log.Warn("delete log artifacts", "job_id", jobID, "error", err)
		}
	}
	if err := d.store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// CancelJobsForWorker satisfies hub.JobCanceller: every Running job on
// workerID flips to Cancelled when its worker is stopped (spec.md §4.2
// "started/paused → stopped ... jobs flip to Cancelled").
func (d *Dispatcher) CancelJobsForWorker(ctx context.Context, workerID string) error {
	jobs, err := d.store.ListJobsByWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("list jobs for worker: %w", err)
	}
	client := d.hub.Client(workerID)
	for _, job := range jobs {
		if job.Status != model.JobStatusRunning {
			continue
		}
		if client != nil {
			cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := client.Cancel(cancelCtx, job.ID); err != nil {
				d.log.Warn("best-effort cancel forward on worker stop failed", "job_id", job.ID, "worker_id", workerID, "error", err)
			}
			cancel()
		}
		now := time.Now()
		job.Status = model.JobStatusCancelled
		job.CompletedAt = &now
		if err := d.store.UpdateJob(ctx, job); err != nil {
			d.log.Error("cancel job on worker stop", "job_id", job.ID, "worker_id", workerID, "error", err)
			continue
		}
		d.publish(job.ID)
	}
	return nil
}
