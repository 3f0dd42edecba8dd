package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExecuteRequestRoundTrip(t *testing.T) {
	req := ExecuteRequest{JobID: "job_1", Command: "echo hi", RuntimeArgs: map[string]any{"verbose": true}}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got ExecuteRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.JobID != req.JobID || got.Command != req.Command {
		t.Errorf("got %+v, want %+v", got, req)
	}
	if got.RuntimeArgs["verbose"] != true {
		t.Errorf("RuntimeArgs round-trip = %v", got.RuntimeArgs)
	}
}

func TestEncodeSSE_LogLine(t *testing.T) {
	ev := NewLogLine(StreamStdout, "hi")
	frame, err := EncodeSSE(ev.Event, ev)
	if err != nil {
		t.Fatalf("EncodeSSE failed: %v", err)
	}
	s := string(frame)
	if !strings.HasPrefix(s, "event: log_line\n") {
		t.Errorf("frame missing event line: %q", s)
	}
	if !strings.Contains(s, `"data":"hi"`) {
		t.Errorf("frame missing data: %q", s)
	}
	if !strings.HasSuffix(s, "\n\n") {
		t.Errorf("frame missing terminator: %q", s)
	}
}

func TestEncodeSSE_JobStatus(t *testing.T) {
	code := 0
	ev := NewJobStatus("completed", &code, "")
	frame, err := EncodeSSE(ev.Event, ev)
	if err != nil {
		t.Fatalf("EncodeSSE failed: %v", err)
	}
	if !strings.HasPrefix(string(frame), "event: job_status\n") {
		t.Errorf("frame missing event line: %q", frame)
	}
	if !strings.Contains(string(frame), `"status":"completed"`) {
		t.Errorf("frame missing status: %q", frame)
	}
}

func TestStatusResponseRoundTrip(t *testing.T) {
	resp := StatusResponse{WorkerName: "worker-a", CurrentJobs: 2, MaxJobs: 4, State: "started"}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got StatusResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != resp {
		t.Errorf("got %+v, want %+v", got, resp)
	}
}
