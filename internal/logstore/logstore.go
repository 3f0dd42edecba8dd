// Package logstore provides durable storage for job log output, independent
// of the live Event Bus tail buffer used for SSE streaming.
package logstore

import (
	"context"
	"io"
	"time"
)

// LogEntry represents a log line with metadata.
type LogEntry struct {
	Time   time.Time `json:"t"`
	Stream string    `json:"s"` // "stdout" or "stderr"
	Data   string    `json:"d"`
}

// LogStore provides durable log artifact storage, keyed by job id.
type LogStore interface {
	// AppendChunk buffers log data. Implementations may flush to the
	// backing store asynchronously.
	AppendChunk(ctx context.Context, jobID, stream string, data []byte) error

	// Finalize flushes any buffered data and marks the job's logs complete.
	Finalize(ctx context.Context, jobID string) error

	// GetLogs returns the job's logs as a stream of newline-delimited JSON
	// LogEntry values.
	GetLogs(ctx context.Context, jobID string) (io.ReadCloser, error)

	// Delete removes all logs for a job. Called by the Job Lifecycle
	// Controller's delete(job) operation.
	Delete(ctx context.Context, jobID string) error

	// Close shuts down the log store (stops flush loops, closes handles).
	Close() error
}
