package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

const (
	// maxTailBytes and maxTailLines bound the per-job ring buffer
	// (spec.md §4.5 "64 KiB or 1024 lines, whichever first").
	maxTailBytes = 64 * 1024
	maxTailLines = 1024
	// terminalGrace is how long a log stream stays open after the
	// job_status event to let the last log lines drain to the reader
	// (spec.md §4.5 "1 s grace").
	terminalGrace = 1 * time.Second
)

// logTail is one job's ring-buffered log lines plus its live subscribers.
type logTail struct {
	mu        sync.Mutex
	lines     []protocol.LogEvent
	bytes     int
	truncated bool

	terminal *protocol.LogEvent // set once the job reaches a terminal state
	subs     map[uint64]*subscriber
	nextID   uint64
}

func newLogTail() *logTail {
	return &logTail{subs: make(map[uint64]*subscriber)}
}

// tailFor returns (creating if necessary) the ring buffer for jobID.
func (b *Bus) tailFor(jobID string) *logTail {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tails[jobID]
	if !ok {
		t = newLogTail()
		b.tails[jobID] = t
	}
	return t
}

// AppendLogLine appends one log line to jobID's tail and fans it out to
// live subscribers (spec.md §4.5 log_line family).
func (b *Bus) AppendLogLine(jobID, stream, data string) {
	ev := protocol.NewLogLine(stream, data)
	t := b.tailFor(jobID)
	t.append(ev)
	t.broadcast(b, ev)
}

func (t *logTail) append(ev protocol.LogEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, ev)
	t.bytes += len(ev.Data)
	for (t.bytes > maxTailBytes || len(t.lines) > maxTailLines) && len(t.lines) > 0 {
		t.bytes -= len(t.lines[0].Data)
		t.lines = t.lines[1:]
		t.truncated = true
	}
}

func (t *logTail) broadcast(b *Bus, ev protocol.LogEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		b.deliver(s, frame{event: ev.Event, data: data})
	}
}

// CompleteJob records the terminal job_status event (spec.md §4.5 "sent
// after all log lines ... and before the stream closes"), fans it out to
// current subscribers, and closes those subscribers after the grace
// period. The tail (buffered lines plus the terminal status) stays in
// memory, so a later SubscribeLog replays it and receives job_status at
// once (internal/dispatch.Delete removes the durable artifact separately
// via internal/logstore).
func (b *Bus) CompleteJob(jobID, status string, exitCode *int, errMsg string) {
	ev := protocol.NewJobStatus(status, exitCode, errMsg)
	t := b.tailFor(jobID)
	t.mu.Lock()
	t.terminal = &ev
	t.mu.Unlock()
	t.broadcast(b, ev)

	time.AfterFunc(terminalGrace, func() {
		t.mu.Lock()
		subs := make([]*subscriber, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.subs = nil
		t.mu.Unlock()
		for _, s := range subs {
			close(s.done)
		}
	})
}

// SubscribeLog replays the tail buffer (spec.md §4.5 "replay the tail
// buffer then stream live appended lines") and registers a live
// subscriber, returned as a Stream the caller drains with Next.
func (b *Bus) SubscribeLog(ctx context.Context, jobID string) (*Stream, []protocol.LogEvent, error) {
	t := b.tailFor(jobID)

	t.mu.Lock()
	replay := make([]protocol.LogEvent, len(t.lines))
	copy(replay, t.lines)
	if t.truncated {
		replay = append([]protocol.LogEvent{{Event: protocol.EventLogLine, Truncated: true, Data: "[truncated]"}}, replay...)
	}
	alreadyTerminal := t.terminal != nil

	t.nextID++
	s := &subscriber{id: t.nextID, out: make(chan frame, subscriberBufferSize), done: make(chan struct{})}
	if !alreadyTerminal {
		t.subs[s.id] = s
	}
	term := t.terminal
	t.mu.Unlock()

	if alreadyTerminal && term != nil {
		data, err := json.Marshal(*term)
		if err == nil {
			select {
			case s.out <- frame{event: term.Event, data: data}:
			default:
			}
		}
		close(s.done)
	}

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs, s.id)
		t.mu.Unlock()
	}()

	return &Stream{sub: s, heartbeat: time.NewTicker(heartbeatInterval)}, replay, nil
}
