// Package transport implements the Worker Transport Client: the HTTP+SSE
// client the orchestrator uses to dispatch jobs to, cancel jobs on, and
// probe the health of a worker process (spec.md §4.4).
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

// Backoff schedule for transient transport failures (spec.md §4.4).
var backoffSchedule = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

const (
	nonStreamingDeadline = 10 * time.Second
	streamIdleTimeout    = 5 * time.Minute
)

// ErrTransport wraps a non-2xx or network-level failure that the caller
// should treat as a dispatch failure (spec.md §4.1 step 6 rollback).
type ErrTransport struct {
	StatusCode int // 0 for network-level failures (no response received)
	Err        error
}

func (e *ErrTransport) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport: status %d: %v", e.StatusCode, e.Err)
}

func (e *ErrTransport) Unwrap() error { return e.Err }

// Client talks to one worker's HTTP server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Client bound to a worker's base URL, e.g. "http://10.0.0.5:9090".
func New(baseURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: nonStreamingDeadline},
		log:        log,
	}
}

// Execute posts a job to the worker. Retries transient failures per the
// backoff schedule; never retries a 4xx.
func (c *Client) Execute(ctx context.Context, jobID, command string, runtimeArgs map[string]any) error {
	body, err := json.Marshal(protocol.ExecuteRequest{JobID: jobID, Command: command, RuntimeArgs: runtimeArgs})
	if err != nil {
		return fmt.Errorf("marshal execute request: %w", err)
	}
	_, err = c.doWithRetry(ctx, http.MethodPost, "/execute", body)
	return err
}

// Cancel requests cancellation of a running job. Idempotent: a 200 means
// "cancelled or already gone" either way (spec.md §4.4).
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	_, err := c.doWithRetry(ctx, http.MethodPost, "/cancel/"+jobID, nil)
	return err
}

// Status queries the worker's current load and state.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	data, err := c.doWithRetry(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	var resp protocol.StatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &resp, nil
}

// Health reports whether the worker process is responsive. A network
// error or non-200 both mean unhealthy; callers feed this into the
// consecutive-miss counter (spec.md §4.2).
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doWithRetry(ctx, http.MethodGet, "/health", nil)
	return err
}

// doWithRetry performs one HTTP call with the bounded retry/backoff
// described in spec.md §4.4: one initial attempt plus up to three retries
// after 250ms, 1s and 4s, no retry on 4xx.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		data, status, err := c.do(ctx, method, path, body)
		if err == nil && status >= 200 && status < 300 {
			return data, nil
		}
		if err == nil {
			lastErr = &ErrTransport{StatusCode: status, Err: fmt.Errorf("unexpected status")}
			if status >= 400 && status < 500 {
				return nil, lastErr // no retry on 4xx
			}
		} else {
			lastErr = &ErrTransport{Err: err}
		}

		if attempt >= len(backoffSchedule) {
			return nil, lastErr
		}
		c.log.Warn("transport call failed, retrying", "method", method, "path", path, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffSchedule[attempt]):
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, nonStreamingDeadline)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// StreamLogs opens GET /logs/{job_id}/stream and invokes onEvent for each
// SSE event until the stream closes, the context is cancelled, or no line
// is read for the idle timeout (spec.md §4.4 "no total deadline but a
// 5-minute idle timeout").
func (c *Client) StreamLogs(ctx context.Context, jobID string, onEvent func(event string, data []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/logs/"+jobID+"/stream", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streamClient := &http.Client{} // no blanket timeout; idle timeout enforced via deadline resets below
	resp, err := streamClient.Do(req)
	if err != nil {
		return &ErrTransport{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ErrTransport{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}

	return readSSE(ctx, resp.Body, streamIdleTimeout, onEvent)
}

// readSSE parses "event:"/"data:" frames, resetting idleTimer on each line
// read so a hung connection is reaped without bounding total stream length.
func readSSE(ctx context.Context, body io.Reader, idleTimeout time.Duration, onEvent func(event string, data []byte) error) error {
	type line struct {
		text string
		err  error
	}
	lines := make(chan line)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	go func() {
		for scanner.Scan() {
			lines <- line{text: scanner.Text()}
		}
		lines <- line{err: scanner.Err()}
		if scanner.Err() == nil {
			lines <- line{err: io.EOF}
		}
		close(lines)
	}()

	var event string
	var data strings.Builder
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("sse stream idle for %s", idleTimeout)
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			if l.err != nil {
				if l.err == io.EOF {
					return nil
				}
				return fmt.Errorf("read sse stream: %w", l.err)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)

			switch {
			case strings.HasPrefix(l.text, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(l.text, "event:"))
			case strings.HasPrefix(l.text, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(l.text, "data:")))
			case l.text == "":
				if event != "" || data.Len() > 0 {
					if err := onEvent(event, []byte(data.String())); err != nil {
						return err
					}
				}
				event = ""
				data.Reset()
			}
		}
	}
}
