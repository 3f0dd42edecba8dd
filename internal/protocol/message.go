// Package protocol defines the orchestrator↔worker wire contract: plain
// JSON request/response bodies over HTTP, plus the Server-Sent Events
// payloads used for log streaming and list fan-out. There is no envelope
// or framing layer — each endpoint has its own request/response shape,
// matching the contract the worker's HTTP server and the orchestrator's
// transport client both compile against.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// SSE event names. The three list-stream endpoints (/api/jobs/realtime,
// /api/workers/realtime, /api/queues/realtime) emit the plural forms;
// per-stream log endpoints emit log_line/job_status, and every stream
// emits heartbeat and, on idle timeout, idle_timeout/close.
const (
	EventJobsUpdate    = "jobs_update"
	EventWorkersUpdate = "workers_update"
	EventQueuesUpdate  = "queues_update"
	EventLogLine       = "log_line"
	EventJobStatus     = "job_status"
	EventHeartbeat     = "heartbeat"
	EventIdleTimeout   = "idle_timeout"
	EventClose         = "close"
)

// Log stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	JobID       string         `json:"job_id"`
	Command     string         `json:"command"`
	RuntimeArgs map[string]any `json:"runtime_args,omitempty"`
}

// ExecuteResponse acknowledges an ExecuteRequest. A non-2xx status is
// itself the failure signal (spec.md §4.4); this body only carries detail
// for logging.
type ExecuteResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// CancelResponse acknowledges POST /cancel/{job_id}. Idempotent: both "it
// was running and got cancelled" and "it was already gone" report 200.
type CancelResponse struct {
	Accepted bool `json:"accepted"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	WorkerName  string `json:"worker_name"`
	CurrentJobs int    `json:"current_jobs"`
	MaxJobs     int    `json:"max_jobs"`
	State       string `json:"state"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"` // always "ok"; non-200 is the real signal
	Version string `json:"version,omitempty"`
}

// LogEvent is one SSE event on GET /logs/{job_id}/stream: either a log
// line (Stream set) or the terminal job_status event (Status set).
type LogEvent struct {
	Event     string    `json:"-"` // SSE "event:" field: log_line | job_status | heartbeat
	Time      time.Time `json:"t"`
	Stream    string    `json:"stream,omitempty"` // stdout | stderr, for log_line
	Data      string    `json:"data,omitempty"`   // for log_line
	Status    string    `json:"status,omitempty"` // for job_status: completed | failed | cancelled | error
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Truncated bool      `json:"truncated,omitempty"` // set on the synthetic [truncated] marker
}

// NewLogLine builds a log_line LogEvent with the current time.
func NewLogLine(stream, data string) LogEvent {
	return LogEvent{Event: EventLogLine, Time: time.Now(), Stream: stream, Data: data}
}

// NewJobStatus builds the terminal job_status LogEvent sent once a job
// leaves Running (spec.md §4.5 "delivered after all log lines ... before
// the stream closes").
func NewJobStatus(status string, exitCode *int, errMsg string) LogEvent {
	return LogEvent{Event: EventJobStatus, Time: time.Now(), Status: status, ExitCode: exitCode, Error: errMsg}
}

// EncodeSSE formats an event as a Server-Sent Events frame: an "event:"
// line naming the family, a "data:" line carrying the JSON payload, and
// the blank-line terminator.
func EncodeSSE(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal SSE payload: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)), nil
}

// ListUpdate is the SSE payload for the coalesced list-stream endpoints
// (/api/jobs/realtime, /api/workers/realtime, /api/queues/realtime):
// an initial full snapshot, then incremental diffs.
type ListUpdate struct {
	Seq      uint64 `json:"seq"`
	Snapshot bool   `json:"snapshot"`
	Entities []any  `json:"entities"`
}
