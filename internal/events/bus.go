// Package events implements the Event Bus and SSE fan-out (spec.md §4.5):
// four event families (jobs_update, workers_update, queues_update, log_line),
// each carrying a monotonically increasing per-topic sequence number, with
// list-stream subscribers fed coalesced snapshots and per-entity log
// subscribers fed a replayed tail plus live lines. List-stream subscribers
// that make no read progress for idleTimeout are closed with an
// idle_timeout frame (spec.md §4.5, §6).
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

const (
	// subscriberBufferSize is the bounded outbound buffer per subscriber
	// (spec.md §5 "bounded buffer of 256 messages").
	subscriberBufferSize = 256
	// slowSubscriberTimeout is how long a send blocks before the
	// subscriber is dropped (spec.md §5 "2 s send-timeout").
	slowSubscriberTimeout = 2 * time.Second
	// coalesceWindow bounds how often list-stream subscribers are woken
	// for a batch of updates (spec.md §4.5 "at most every 500 ms").
	coalesceWindow = 500 * time.Millisecond
	// heartbeatInterval keeps idle SSE connections (and the intermediate
	// proxies in front of them) alive (spec.md §4.5 "heartbeat every 15 s").
	heartbeatInterval = 15 * time.Second
	// idleTimeout closes a list stream that has gone this long without a
	// frame to deliver (spec.md §4.5 "idle close after 5 minutes with no
	// reader progress").
	idleTimeout = 5 * time.Minute
)

// list-stream topic names; one coalesced subscriber group per entity kind.
const (
	topicJobsList    = "jobs"
	topicWorkersList = "workers"
	topicQueuesList  = "queues"
)

// frame is one encoded SSE event queued for delivery to a subscriber.
type frame struct {
	event string
	data  []byte
}

// subscriber is one open SSE connection's outbound queue.
type subscriber struct {
	id   uint64
	out  chan frame
	done chan struct{}
}

// Bus fans out job/worker/queue updates to list-stream subscribers, and
// owns the per-job log tail ring buffers fanned out to log-stream
// subscribers.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	seq     map[string]uint64 // topic -> next sequence number
	subs    map[string]map[uint64]*subscriber
	pending map[string][]any // topic -> coalesced entities awaiting flush
	flushed map[string]*time.Timer

	tails map[string]*logTail // job ID -> ring buffer + log subscribers

	log *slog.Logger
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		seq:     make(map[string]uint64),
		subs:    make(map[string]map[uint64]*subscriber),
		pending: make(map[string][]any),
		flushed: make(map[string]*time.Timer),
		tails:   make(map[string]*logTail),
		log:     log,
	}
}

// PublishJobUpdate queues job onto the jobs list topic (spec.md §4.5
// jobs_update family).
func (b *Bus) PublishJobUpdate(job *model.Job) { b.enqueueList(topicJobsList, job) }

// PublishWorkerUpdate queues worker onto the workers list topic.
func (b *Bus) PublishWorkerUpdate(worker *model.Worker) { b.enqueueList(topicWorkersList, worker) }

// PublishQueueUpdate queues q onto the queues list topic.
func (b *Bus) PublishQueueUpdate(q *model.Queue) { b.enqueueList(topicQueuesList, q) }

// enqueueList buffers an entity for the topic's next coalesced flush,
// scheduling one if none is already pending (spec.md §4.5 "incremental
// updates at most every 500ms (coalesced)").
func (b *Bus) enqueueList(topic string, entity any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[topic] = append(b.pending[topic], entity)
	if b.flushed[topic] != nil {
		return
	}
	b.flushed[topic] = time.AfterFunc(coalesceWindow, func() { b.flushList(topic) })
}

func (b *Bus) flushList(topic string) {
	b.mu.Lock()
	entities := b.pending[topic]
	b.pending[topic] = nil
	b.flushed[topic] = nil
	seq := b.nextSeqLocked(topic)
	subs := make([]*subscriber, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	if len(entities) == 0 {
		return
	}
	update := protocol.ListUpdate{Seq: seq, Snapshot: false, Entities: entities}
	var eventName string
	switch topic {
	case topicJobsList:
		eventName = protocol.EventJobsUpdate
	case topicWorkersList:
		eventName = protocol.EventWorkersUpdate
	case topicQueuesList:
		eventName = protocol.EventQueuesUpdate
	}
	// frame.data is the bare JSON payload, not a pre-wrapped SSE frame:
	// the HTTP handler's drainStream applies the "event: .../data: ...\n\n"
	// framing exactly once, on write.
	data, err := json.Marshal(update)
	if err != nil {
		b.log.Error("encode list update", "topic", topic, "error", err)
		return
	}
	for _, s := range subs {
		b.deliver(s, frame{event: eventName, data: data})
	}
}

func (b *Bus) nextSeqLocked(topic string) uint64 {
	b.seq[topic]++
	return b.seq[topic]
}

// deliver sends a frame to a subscriber without blocking the bus;
// slowSubscriberTimeout bounds how long we wait before giving up and
// dropping the connection (spec.md §5).
func (b *Bus) deliver(s *subscriber, f frame) {
	select {
	case s.out <- f:
	case <-s.done:
	case <-time.After(slowSubscriberTimeout):
		b.log.Warn("dropping slow subscriber", "subscriber_id", s.id)
		close(s.done)
	}
}

// subscribeList registers a new list-stream subscriber on topic, sends an
// initial full snapshot built by snapshot(), and returns the subscriber,
// which receives subsequent frames until ctx is cancelled or it is dropped
// for being too slow. Heartbeats are added by the Stream wrapping it.
func (b *Bus) subscribeList(ctx context.Context, topic string, eventName string, snapshot func() ([]any, error)) (*subscriber, error) {
	entities, err := snapshot()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	s := &subscriber{id: b.nextID, out: make(chan frame, subscriberBufferSize), done: make(chan struct{})}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][s.id] = s
	seq := b.nextSeqLocked(topic)
	b.mu.Unlock()

	data, err := json.Marshal(protocol.ListUpdate{Seq: seq, Snapshot: true, Entities: entities})
	if err == nil {
		select {
		case s.out <- frame{event: eventName, data: data}:
		default:
		}
	}

	go func() {
		<-ctx.Done()
		b.unsubscribeList(topic, s.id)
		close(s.done)
	}()
	return s, nil
}

func (b *Bus) unsubscribeList(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
}

// SubscribeJobsList, SubscribeWorkersList, SubscribeQueuesList each return
// a *Stream that an HTTP handler drains with Next.
func (b *Bus) SubscribeJobsList(ctx context.Context, snapshot func() ([]any, error)) (*Stream, error) {
	return b.subscribeStream(ctx, topicJobsList, protocol.EventJobsUpdate, snapshot)
}

func (b *Bus) SubscribeWorkersList(ctx context.Context, snapshot func() ([]any, error)) (*Stream, error) {
	return b.subscribeStream(ctx, topicWorkersList, protocol.EventWorkersUpdate, snapshot)
}

func (b *Bus) SubscribeQueuesList(ctx context.Context, snapshot func() ([]any, error)) (*Stream, error) {
	return b.subscribeStream(ctx, topicQueuesList, protocol.EventQueuesUpdate, snapshot)
}

func (b *Bus) subscribeStream(ctx context.Context, topic, eventName string, snapshot func() ([]any, error)) (*Stream, error) {
	s, err := b.subscribeList(ctx, topic, eventName, snapshot)
	if err != nil {
		return nil, err
	}
	return &Stream{sub: s, heartbeat: time.NewTicker(heartbeatInterval), idle: time.NewTimer(idleTimeout)}, nil
}

// Stream is the subscriber-facing handle an HTTP handler drains; it hides
// the internal frame/subscriber types from callers outside the package.
type Stream struct {
	sub       *subscriber
	heartbeat *time.Ticker
	idle      *time.Timer
	idledOut  bool
	exhausted bool
}

// Close releases the stream's timers. Callers should defer this once done
// draining Next.
func (s *Stream) Close() {
	s.heartbeat.Stop()
	if s.idle != nil {
		s.idle.Stop()
	}
}

// idleC returns the idle timer's channel, or nil (blocks forever in a
// select) for streams that don't use idle-close, such as per-job log
// streams, which close via CompleteJob's terminal grace period instead.
func (s *Stream) idleC() <-chan time.Time {
	if s.idle == nil {
		return nil
	}
	return s.idle.C
}

// Next blocks until a frame, heartbeat, idle timeout, or context
// cancellation. It returns ok=false once the stream is fully done; once
// the stream idles out it first yields an idle_timeout frame, then a
// close frame, and only then ok=false, so the caller writes both frames
// before tearing the connection down (spec.md §4.5, §6).
func (s *Stream) Next(ctx context.Context) (event string, data []byte, ok bool) {
	if s.exhausted {
		return "", nil, false
	}
	if s.idledOut {
		s.exhausted = true
		return protocol.EventClose, []byte("{}"), true
	}
	select {
	case <-ctx.Done():
		return "", nil, false
	case <-s.sub.done:
		// A frame already buffered when the subscriber closed (e.g. the
		// terminal job_status) is still delivered before ok=false.
		select {
		case f := <-s.sub.out:
			return f.event, f.data, true
		default:
		}
		return "", nil, false
	case f := <-s.sub.out:
		if s.idle != nil {
			s.idle.Reset(idleTimeout)
		}
		return f.event, f.data, true
	case <-s.heartbeat.C:
		return protocol.EventHeartbeat, []byte("{}"), true
	case <-s.idleC():
		s.idledOut = true
		return protocol.EventIdleTimeout, []byte("{}"), true
	}
}
