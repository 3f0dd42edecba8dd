package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin REST client against a dispatchd orchestrator's /api
// surface, carrying the bearer token obtained from `dispatchctl login`.
type Client struct {
	ServerURL string
	Token     string
	http      *http.Client
}

// NewClient builds a Client. serverURL should not have a trailing slash.
func NewClient(serverURL, token string) *Client {
	return &Client{
		ServerURL: strings.TrimSuffix(serverURL, "/"),
		Token:     token,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Login exchanges the operator secret for a bearer token.
func (c *Client) Login(secret string) (string, error) {
	body, _ := json.Marshal(map[string]string{"secret": secret})
	req, err := http.NewRequest(http.MethodPost, c.ServerURL+"/api/auth/login", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(respBody))
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return result.Token, nil
}

// do issues a request against the orchestrator's /api surface, decoding a
// successful JSON response into out (when non-nil).
func (c *Client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequest(method, c.ServerURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RunJob submits a job from a named job specification.
func (c *Client) RunJob(specName string, runtimeArgs map[string]any, createdBy, queueName string) (*Job, error) {
	var job Job
	err := c.do(http.MethodPost, "/api/jobs/run", map[string]any{
		"spec_name":    specName,
		"runtime_args": runtimeArgs,
		"created_by":   createdBy,
		"queue_name":   queueName,
	}, &job)
	return &job, err
}

// GetJob fetches a single job by ID.
func (c *Client) GetJob(jobID string) (*Job, error) {
	var job Job
	err := c.do(http.MethodGet, "/api/jobs/"+jobID, nil, &job)
	return &job, err
}

// ListJobs lists jobs, optionally filtered by status.
func (c *Client) ListJobs(status string, limit int) ([]Job, error) {
	path := fmt.Sprintf("/api/jobs?per_page=%d", limit)
	if status != "" {
		path += "&status=" + status
	}
	var result struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.do(http.MethodGet, path, nil, &result)
	return result.Jobs, err
}

// CancelJob cancels a pending or running job.
func (c *Client) CancelJob(jobID string) error {
	return c.do(http.MethodPut, "/api/jobs/"+jobID+"/cancel", nil, nil)
}

// RetryJob resubmits a failed, cancelled, or errored job as a fresh one.
func (c *Client) RetryJob(jobID string) (*Job, error) {
	var job Job
	err := c.do(http.MethodPut, "/api/jobs/"+jobID+"/retry", nil, &job)
	return &job, err
}

// StreamLogs streams a job's logs as Server-Sent Events, invoking onEvent
// for each frame until the terminal job_status event arrives or ctx ends.
func (c *Client) StreamLogs(ctx context.Context, jobID string, onEvent func(event string, data []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerURL+"/api/jobs/"+jobID+"/logs/stream", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	return readSSE(resp.Body, onEvent)
}

// JobLogLines fetches a completed job's stored logs as newline-delimited
// JSON entries (no following).
func (c *Client) JobLogLines(jobID string) ([]LogLine, error) {
	req, err := http.NewRequest(http.MethodGet, c.ServerURL+"/api/jobs/"+jobID+"/logs", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var lines []LogLine
	dec := json.NewDecoder(resp.Body)
	for {
		var l LogLine
		if err := dec.Decode(&l); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode log line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

// LogLine is one stored log entry as returned by GET /api/jobs/{id}/logs.
type LogLine struct {
	Stream string `json:"s"`
	Data   string `json:"d"`
}

// Job mirrors the subset of model.Job the CLI renders; kept independent of
// internal/model so dispatchctl only depends on the wire shape.
type Job struct {
	ID           string         `json:"id"`
	SpecName     string         `json:"spec_name"`
	Status       string         `json:"status"`
	QueueName    string         `json:"queue_name"`
	WorkerID     string         `json:"worker_id,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	RuntimeArgs  map[string]any `json:"runtime_args,omitempty"`
}

// readSSE parses a Server-Sent Events body, invoking onEvent for each
// complete event/data frame. Mirrors the orchestrator's own SSE client
// (internal/transport) without the idle timeout a one-shot CLI read
// doesn't need.
func readSSE(body io.Reader, onEvent func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				if err := onEvent(event, []byte(data.String())); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
