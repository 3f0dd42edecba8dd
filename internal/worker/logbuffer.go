package worker

import (
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

// Ring buffer bounds mirror internal/events's orchestrator-side tail
// (spec.md §4.5 "64 KiB or 1024 lines, whichever first") so a worker's own
// replay-then-stream view is identical regardless of which side of the
// wire a reader connects on.
const (
	maxBufferBytes = 64 * 1024
	maxBufferLines = 1024
)

// logBuffer ring-buffers one job's log lines and fans them out to live
// subscribers: the orchestrator's log pump, and any operator attached via
// GET /logs/{job_id}/stream directly on this worker.
type logBuffer struct {
	mu        sync.Mutex
	lines     []protocol.LogEvent
	bytes     int
	truncated bool
	terminal  *protocol.LogEvent

	subs   map[uint64]chan protocol.LogEvent
	nextID uint64
}

func newLogBuffer() *logBuffer {
	return &logBuffer{subs: make(map[uint64]chan protocol.LogEvent)}
}

func (b *logBuffer) appendLine(stream, data string) {
	ev := protocol.NewLogLine(stream, data)
	b.mu.Lock()
	b.lines = append(b.lines, ev)
	b.bytes += len(data)
	for (b.bytes > maxBufferBytes || len(b.lines) > maxBufferLines) && len(b.lines) > 0 {
		b.bytes -= len(b.lines[0].Data)
		b.lines = b.lines[1:]
		b.truncated = true
	}
	subs := b.subsLocked()
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// complete records the terminal job_status event and fans it out. Callers
// close subscriber channels shortly after so a reader sees end-of-stream.
func (b *logBuffer) complete(status string, exitCode *int, errMsg string) {
	ev := protocol.NewJobStatus(status, exitCode, errMsg)
	b.mu.Lock()
	b.terminal = &ev
	subs := b.subsLocked()
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	time.AfterFunc(time.Second, func() {
		b.mu.Lock()
		for id, ch := range b.subs {
			close(ch)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	})
}

func (b *logBuffer) subsLocked() []chan protocol.LogEvent {
	out := make([]chan protocol.LogEvent, 0, len(b.subs))
	for _, ch := range b.subs {
		out = append(out, ch)
	}
	return out
}

// subscribe returns the buffered replay, a channel of live events, and an
// unsubscribe func the caller must run when it stops reading (client
// disconnect) to free the channel. If the job has already completed, the
// channel carries only the terminal event, is closed immediately, and
// unsubscribe is a no-op.
func (b *logBuffer) subscribe() ([]protocol.LogEvent, <-chan protocol.LogEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := make([]protocol.LogEvent, len(b.lines))
	copy(replay, b.lines)
	if b.truncated {
		replay = append([]protocol.LogEvent{{Event: protocol.EventLogLine, Truncated: true, Data: "[truncated]"}}, replay...)
	}

	ch := make(chan protocol.LogEvent, 256)
	if b.terminal != nil {
		ch <- *b.terminal
		close(ch)
		return replay, ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	return replay, ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
