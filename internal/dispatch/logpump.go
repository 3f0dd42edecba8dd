package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/protocol"
	"github.com/dispatchd/dispatchd/internal/transport"
)

// pumpLogs relays a worker's GET /logs/{job_id}/stream onto the Event Bus
// and the durable log store, and finalizes the job once the worker's
// terminal job_status event arrives (spec.md §4.5 "delivered after all log
// lines ... before the stream closes"). It runs for the lifetime of one
// job; a transport-level failure here (worker crashed mid-job, network
// partition) is logged and not retried, and the job keeps its Running
// status. The health monitor marks an unreachable worker offline but does
// not change the status of its jobs.
func (d *Dispatcher) pumpLogs(ctx context.Context, jobID, workerID string, client *transport.Client) {
	defer d.wg.Done()

	err := client.StreamLogs(ctx, jobID, func(event string, data []byte) error {
		return d.handleLogEvent(ctx, jobID, workerID, event, data)
	})
	if err != nil && ctx.Err() == nil {
		d.log.Warn("log stream ended unexpectedly", "job_id", jobID, "worker_id", workerID, "error", err)
	}
}

func (d *Dispatcher) handleLogEvent(ctx context.Context, jobID, workerID, event string, data []byte) error {
	var ev protocol.LogEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		d.log.Warn("decode log stream event", "job_id", jobID, "event", event, "error", err)
		return nil
	}

	switch event {
	case protocol.EventLogLine:
		if d.logs != nil {
			if err := d.logs.AppendChunk(ctx, jobID, ev.Stream, []byte(ev.Data)); err != nil {
				d.log.Warn("append log chunk", "job_id", jobID, "error", err)
			}
		}
		if d.publisher != nil {
			d.publisher.AppendLogLine(jobID, ev.Stream, ev.Data)
		}
	case protocol.EventJobStatus:
		d.finalizeJob(ctx, jobID, workerID, ev.Status, ev.ExitCode, ev.Error)
	}
	return nil
}

// finalizeJob applies a worker-reported terminal status to the job and
// releases the worker's capacity slot. A job already in a terminal state
// (e.g. an operator cancel raced the worker's own completion report) is
// left untouched.
func (d *Dispatcher) finalizeJob(ctx context.Context, jobID, workerID, status string, exitCode *int, errMsg string) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		d.log.Error("load job to finalize", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	job.Status = model.JobStatus(status)
	now := time.Now()
	job.CompletedAt = &now
	job.ErrorMessage = errMsg
	if exitCode != nil {
		if job.Result == nil {
			job.Result = map[string]any{}
		}
		job.Result["exit_code"] = *exitCode
	}
	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.log.Error("persist job completion", "job_id", jobID, "error", err)
		return
	}
	d.log.Info("job finished", "job_id", jobID, "status", status)
	d.publish(jobID)

	if d.logs != nil {
		if err := d.logs.Finalize(ctx, jobID); err != nil {
			d.log.Warn("finalize log store", "job_id", jobID, "error", err)
		}
	}
	if d.publisher != nil {
		d.publisher.CompleteJob(jobID, status, exitCode, errMsg)
	}

	d.releaseWorkerSlot(ctx, workerID)
}

// releaseWorkerSlot decrements a worker's in-flight job count once a job it
// was running reaches a terminal state, mirroring rollback's direct-storage
// update-then-hub.Refresh pattern.
func (d *Dispatcher) releaseWorkerSlot(ctx context.Context, workerID string) {
	w, err := d.store.GetWorker(ctx, workerID)
	if err != nil {
		d.log.Error("reload worker to release slot", "worker_id", workerID, "error", err)
		return
	}
	if w.CurrentJobs > 0 {
		w.CurrentJobs--
	}
	w.UpdatedAt = time.Now()
	if err := d.store.UpdateWorker(ctx, w); err != nil {
		d.log.Error("persist worker slot release", "worker_id", workerID, "error", err)
		return
	}
	if err := d.hub.Refresh(ctx, workerID); err != nil {
		d.log.Warn("refresh worker after slot release", "worker_id", workerID, "error", err)
	}
	d.WakeDispatch()
}
