package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/protocol"
	"github.com/dispatchd/dispatchd/internal/storage"
)

func (h *Handler) streamJobsList(w http.ResponseWriter, r *http.Request) {
	stream, err := h.bus.SubscribeJobsList(r.Context(), func() ([]any, error) {
		jobs, err := h.store.ListJobs(r.Context(), storage.JobFilter{Limit: 500})
		if err != nil {
			return nil, err
		}
		out := make([]any, len(jobs))
		for i, j := range jobs {
			out[i] = j
		}
		return out, nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.serveSSE(w, r, stream)
}

func (h *Handler) streamWorkersList(w http.ResponseWriter, r *http.Request) {
	stream, err := h.bus.SubscribeWorkersList(r.Context(), func() ([]any, error) {
		workers, err := h.store.ListWorkers(r.Context())
		if err != nil {
			return nil, err
		}
		out := make([]any, len(workers))
		for i, wk := range workers {
			out[i] = wk
		}
		return out, nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.serveSSE(w, r, stream)
}

func (h *Handler) streamQueuesList(w http.ResponseWriter, r *http.Request) {
	stream, err := h.bus.SubscribeQueuesList(r.Context(), func() ([]any, error) {
		queues, err := h.store.ListQueues(r.Context())
		if err != nil {
			return nil, err
		}
		out := make([]any, len(queues))
		for i, q := range queues {
			out[i] = q
		}
		return out, nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.serveSSE(w, r, stream)
}

// streamJobLogs serves /jobs/{id}/logs/stream: the buffered tail is
// replayed as individual log_line/job_status frames before the live
// stream's own frames are forwarded.
func (h *Handler) streamJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	stream, replay, err := h.bus.SubscribeLog(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range replay {
		if !h.writeSSEFrame(w, ev.Event, ev) {
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	h.drainStream(w, r, stream, flusher)
}

// serveSSE writes headers then forwards every frame from stream until the
// client disconnects or the subscription is dropped (e.g. the slow-
// subscriber timeout in internal/events).
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, stream *events.Stream) {
	defer stream.Close()
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	h.drainStream(w, r, stream, flusher)
}

func (h *Handler) drainStream(w http.ResponseWriter, r *http.Request, stream *events.Stream, flusher http.Flusher) {
	ctx := r.Context()
	for {
		event, data, ok := stream.Next(ctx)
		if !ok {
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) writeSSEFrame(w http.ResponseWriter, event string, payload any) bool {
	frame, err := protocol.EncodeSSE(event, payload)
	if err != nil {
		h.log.Error("encode sse frame", "event", event, "error", err)
		return false
	}
	_, err = w.Write(frame)
	return err == nil
}

// clearEntityLogs clears the log artifact of every job jobsFn returns; used
// by a worker or queue's POST .../logs/clear, since neither has a log
// artifact of its own (spec.md §6 "same shape for /api/queues/{id}/...").
func (h *Handler) clearEntityLogs(w http.ResponseWriter, r *http.Request, jobsFn func(context.Context) ([]*model.Job, error)) {
	if h.logs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	jobs, err := jobsFn(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, job := range jobs {
		if err := h.logs.Delete(r.Context(), job.ID); err != nil {
			h.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEntityLogs fans out GET .../logs/stream over the non-terminal jobs
// jobsFn returns, tagging each forwarded frame with the originating job_id
// so a reader can tell which job a line belongs to (spec.md §6 "same shape
// for /api/queues/{id}/..."). It replays each job's buffered tail before
// forwarding live lines, same as the single-job /jobs/{id}/logs/stream.
func (h *Handler) streamEntityLogs(w http.ResponseWriter, r *http.Request, jobsFn func(context.Context) ([]*model.Job, error)) {
	jobs, err := jobsFn(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx := r.Context()
	type taggedFrame struct {
		jobID string
		event string
		data  []byte
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(f taggedFrame) bool {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: {\"job_id\":%q,\"payload\":%s}\n\n", f.event, f.jobID, f.data); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	out := make(chan taggedFrame, 256)
	done := make(chan struct{})
	defer close(done)

	var active int
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		stream, replay, err := h.bus.SubscribeLog(ctx, job.ID)
		if err != nil {
			continue
		}
		active++
		for _, ev := range replay {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if !writeFrame(taggedFrame{jobID: job.ID, event: ev.Event, data: data}) {
				stream.Close()
				return
			}
		}
		go func(jobID string, stream *events.Stream) {
			defer stream.Close()
			for {
				event, data, ok := stream.Next(ctx)
				if !ok {
					return
				}
				select {
				case out <- taggedFrame{jobID: jobID, event: event, data: data}:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}(job.ID, stream)
	}
	if flusher != nil {
		flusher.Flush()
	}

	if active == 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if !writeFrame(f) {
				return
			}
		}
	}
}
