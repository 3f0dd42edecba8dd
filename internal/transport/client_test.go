package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

func TestClient_Execute(t *testing.T) {
	var gotBody protocol.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		decodeJSON(t, r, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Execute(context.Background(), "job_1", "echo hi", map[string]any{"n": 1.0}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if gotBody.JobID != "job_1" || gotBody.Command != "echo hi" {
		t.Errorf("got body %+v", gotBody)
	}
}

func TestClient_Execute_NoRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.Execute(context.Background(), "job_1", "bad", nil)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestClient_Execute_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	start := time.Now()
	if err := c.Execute(context.Background(), "job_1", "echo hi", nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < backoffSchedule[0] {
		t.Errorf("expected at least one backoff delay, elapsed %s", elapsed)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestClient_Cancel_Idempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cancel/job_2" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Cancel(context.Background(), "job_2"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
}

func TestClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"worker_name":"w1","current_jobs":1,"max_jobs":4,"state":"started"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	got, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got.WorkerName != "w1" || got.CurrentJobs != 1 || got.MaxJobs != 4 {
		t.Errorf("got %+v", got)
	}
}

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
}

func TestClient_Health_NetworkFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", nil) // nothing listening
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error for unreachable worker")
	}
}

func TestClient_StreamLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("event: log_line\ndata: {\"stream\":\"stdout\",\"data\":\"hi\"}\n\n"))
		flusher.Flush()
		w.Write([]byte("event: job_status\ndata: {\"status\":\"completed\"}\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	var events []string
	err := c.StreamLogs(context.Background(), "job_3", func(event string, data []byte) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}
	if len(events) != 2 || events[0] != "log_line" || events[1] != "job_status" {
		t.Errorf("got events %v", events)
	}
}

func decodeJSON(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
}
