// Package worker implements the worker process: an HTTP server that
// accepts job assignments, runs them as bare-metal subshells, and exposes
// their live output and terminal status over the wire contract the
// orchestrator's transport client speaks (spec.md §4.4).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/protocol"
	"github.com/gorilla/websocket"
)

const workerVersion = "0.1.0"

// Config holds the worker process's own settings: identity, capacity, and
// the working directory commands run from.
type Config struct {
	Name    string
	MaxJobs int
	WorkDir string
	Env     map[string]string
}

// job tracks one in-flight execution: its cancel func (for /cancel) and
// the ring buffer /logs/{job_id}/stream replays and streams from.
type job struct {
	cancel context.CancelFunc
	logs   *logBuffer
}

// Server is the worker's HTTP handler. One Server instance corresponds to
// one worker process; Concurrency is enforced by rejecting /execute once
// len(jobs) reaches cfg.MaxJobs.
type Server struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job

	upgrader websocket.Upgrader
}

// NewServer creates a worker HTTP Server.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	return &Server{
		cfg:  cfg,
		log:  log,
		jobs: make(map[string]*job),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP routes the worker's fixed surface: POST /execute, POST
// /cancel/{job_id}, GET /status, GET /health, GET /logs/{job_id}/stream,
// and the operator debug endpoint GET /attach/{job_id}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/execute" && r.Method == http.MethodPost:
		s.handleExecute(w, r)
	case strings.HasPrefix(r.URL.Path, "/cancel/") && r.Method == http.MethodPost:
		s.handleCancel(w, r, strings.TrimPrefix(r.URL.Path, "/cancel/"))
	case r.URL.Path == "/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
	case strings.HasPrefix(r.URL.Path, "/logs/") && strings.HasSuffix(r.URL.Path, "/stream"):
		jobID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/logs/"), "/stream")
		s.handleLogStream(w, r, jobID)
	case strings.HasPrefix(r.URL.Path, "/attach/"):
		s.handleAttach(w, r, strings.TrimPrefix(r.URL.Path, "/attach/"))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write json response", "error", err)
	}
}

// handleExecute accepts a job if capacity remains, then runs it in a
// goroutine the caller does not wait on: acceptance and completion are
// reported on two different channels (this response, and the log stream's
// terminal job_status event).
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.ExecuteResponse{Error: "decode request: " + err.Error()})
		return
	}
	if req.JobID == "" || req.Command == "" {
		s.writeJSON(w, http.StatusBadRequest, protocol.ExecuteResponse{Error: "job_id and command are required"})
		return
	}

	s.mu.Lock()
	if _, exists := s.jobs[req.JobID]; exists {
		s.mu.Unlock()
		s.writeJSON(w, http.StatusConflict, protocol.ExecuteResponse{Error: "job already running"})
		return
	}
	if len(s.jobs) >= s.cfg.MaxJobs {
		s.mu.Unlock()
		s.writeJSON(w, http.StatusConflict, protocol.ExecuteResponse{Error: "worker at max capacity"})
		return
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, logs: newLogBuffer()}
	s.jobs[req.JobID] = j
	s.mu.Unlock()

	s.log.Info("job accepted", "job_id", req.JobID)
	go s.runJob(jobCtx, req.JobID, req.Command)

	s.writeJSON(w, http.StatusOK, protocol.ExecuteResponse{Accepted: true})
}

func (s *Server) runJob(ctx context.Context, jobID, command string) {
	s.mu.Lock()
	j := s.jobs[jobID]
	s.mu.Unlock()
	if j == nil {
		return
	}

	exec := &Executor{
		WorkDir: s.cfg.WorkDir,
		Env:     s.cfg.Env,
		Stdout:  &bufferWriter{buf: j.logs, stream: protocol.StreamStdout},
		Stderr:  &bufferWriter{buf: j.logs, stream: protocol.StreamStderr},
	}

	start := time.Now()
	exitCode, err := exec.Run(ctx, command)
	duration := time.Since(start)

	status, errMsg := classifyOutcome(ctx, exitCode, err)
	s.log.Info("job finished", "job_id", jobID, "status", status, "exit_code", exitCode, "duration", duration)
	j.logs.complete(status, &exitCode, errMsg)

	// Keep the job entry around long enough for a late /status or /cancel
	// call to see it's gone rather than racing; the ring buffer's own 1s
	// grace period (logBuffer.complete) already governs log readers.
	time.AfterFunc(time.Second, func() {
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
	})
}

// classifyOutcome maps an Executor result to a job_status (spec.md §3 Job
// invariant: exactly one of completed/failed/cancelled/error).
func classifyOutcome(ctx context.Context, exitCode int, err error) (status, errMsg string) {
	if err != nil {
		return "error", err.Error()
	}
	if ctx.Err() != nil {
		return "cancelled", ""
	}
	if exitCode != 0 {
		return "failed", fmt.Sprintf("exit code %d", exitCode)
	}
	return "completed", ""
}

// handleCancel is idempotent: cancelling a job that already finished (or
// never existed) still reports accepted (spec.md §4.4).
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		j.cancel()
	}
	s.writeJSON(w, http.StatusOK, protocol.CancelResponse{Accepted: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	current := len(s.jobs)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, protocol.StatusResponse{
		WorkerName:  s.cfg.Name,
		CurrentJobs: current,
		MaxJobs:     s.cfg.MaxJobs,
		State:       "started",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Version: workerVersion})
}

// handleLogStream serves GET /logs/{job_id}/stream: the buffered replay
// followed by a live SSE feed, ending with the terminal job_status event
// (spec.md §4.5). An unknown job_id is an empty, immediately-closed
// stream rather than a 404 — a log reader that raced job acceptance
// should not need to distinguish "not yet known" from "already gone".
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request, jobID string) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	replay, live, unsubscribe := j.logs.subscribe()
	defer unsubscribe()

	for _, ev := range replay {
		if err := s.writeEvent(w, ev); err != nil {
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if err := s.writeEvent(w, ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, ev protocol.LogEvent) error {
	frame, err := protocol.EncodeSSE(ev.Event, ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// handleAttach upgrades to a websocket and relays a running job's combined
// stdout/stderr to an operator in real time; it carries no job control and
// is not part of the orchestrator's own wire contract (spec.md's domain
// stack names this a small, justified extra surface, not a requirement).
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, jobID string) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("attach upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	replay, live, unsubscribe := j.logs.subscribe()
	defer unsubscribe()

	for _, ev := range replay {
		if ev.Event != protocol.EventLogLine {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ev.Data)); err != nil {
			return
		}
	}
	for ev := range live {
		if ev.Event != protocol.EventLogLine {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ev.Data)); err != nil {
			return
		}
	}
}

// bufferWriter adapts an Executor's io.Writer stream to logBuffer.appendLine.
type bufferWriter struct {
	buf    *logBuffer
	stream string
}

func (bw *bufferWriter) Write(p []byte) (int, error) {
	bw.buf.appendLine(bw.stream, string(p))
	return len(p), nil
}
