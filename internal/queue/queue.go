// Package queue implements the Queue Manager (spec.md §4.1): the
// stopped/started/paused state machine for named dispatch lanes, and the
// worker-selection strategies (round_robin/least_loaded/random/priority)
// the dispatcher uses once a Pending job and a queue's eligible workers
// are in hand.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
)

// Publisher is the subset of the Event Bus the Queue Manager needs.
type Publisher interface {
	PublishQueueUpdate(q *model.Queue)
}

// Manager owns queue CRUD, the queue state machine, and dispatch-selection
// strategy. It holds no worker state itself — Eligible candidates are
// passed in by the dispatcher, which owns internal/hub.
type Manager struct {
	store     storage.Storage
	publisher Publisher
	log       *slog.Logger
}

// New creates a Manager.
func New(store storage.Storage, publisher Publisher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, publisher: publisher, log: log}
}

// Create persists a new queue. At most one queue may have IsDefault set
// (spec.md §3 Queue invariant); Create returns storage.ErrConflict when a
// default queue already exists.
func (m *Manager) Create(ctx context.Context, q *model.Queue) error {
	now := time.Now()
	q.CreatedAt, q.UpdatedAt = now, now
	if q.State == "" {
		q.State = model.QueueStateStopped
	}
	if q.IsDefault {
		if existing, err := m.store.GetDefaultQueue(ctx); err == nil && existing.ID != q.ID {
			return fmt.Errorf("create queue: %w: a default queue already exists", storage.ErrConflict)
		}
	}
	if err := m.store.CreateQueue(ctx, q); err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	m.publish(q)
	return nil
}

// Update applies a field change (e.g. max_retries, description) and
// persists it.
func (m *Manager) Update(ctx context.Context, q *model.Queue) error {
	q.UpdatedAt = time.Now()
	if err := m.store.UpdateQueue(ctx, q); err != nil {
		return fmt.Errorf("update queue: %w", err)
	}
	m.publish(q)
	return nil
}

// Delete removes a queue. It returns storage.ErrConflict if the queue
// still has Pending jobs (spec.md §3 Queue invariant).
func (m *Manager) Delete(ctx context.Context, id string) error {
	q, err := m.store.GetQueue(ctx, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	pending, err := m.store.HasPendingJobs(ctx, q.Name)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if pending {
		return fmt.Errorf("delete queue: %w: queue has pending jobs", storage.ErrConflict)
	}
	if err := m.store.DeleteQueue(ctx, id); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return nil
}

// SetState drives the Queue Manager's stopped/started/paused machine
// (spec.md §4.1). All transitions are orchestrator-local bookkeeping: a
// paused or stopped queue is skipped by dispatch, and neither state refuses
// job intake (jobs already Pending dispatch normally once the queue
// restarts).
func (m *Manager) SetState(ctx context.Context, id string, target model.QueueState) error {
	q, err := m.store.GetQueue(ctx, id)
	if err != nil {
		return fmt.Errorf("get queue: %w", err)
	}
	q.State = target
	q.UpdatedAt = time.Now()
	if err := m.store.UpdateQueue(ctx, q); err != nil {
		return fmt.Errorf("persist queue state change: %w", err)
	}
	m.log.Info("queue state change", "queue_id", id, "state", target)
	m.publish(q)
	return nil
}

// AcceptsDispatch reports whether jobs currently in this queue should be
// considered for assignment (spec.md §4.1: only state=started dispatches;
// paused/stopped still accept new job intake, just not dispatch).
func AcceptsDispatch(q *model.Queue) bool {
	return q.State == model.QueueStateStarted
}

func (m *Manager) publish(q *model.Queue) {
	if m.publisher != nil {
		m.publisher.PublishQueueUpdate(q)
	}
}

// Select picks one eligible worker for a queue's next Pending job, per the
// queue's configured strategy (spec.md §4.1). candidates must already be
// filtered to workers assigned to this queue and currently Eligible()
// (internal/hub owns that filter); Select only orders and picks among
// them. Returns nil if candidates is empty. round_robin mutates
// q.RoundRobinCursor in place; the caller persists q afterward.
func (m *Manager) Select(q *model.Queue, candidates []*model.Worker) *model.Worker {
	if len(candidates) == 0 {
		return nil
	}
	switch q.Strategy {
	case model.StrategyLeastLoaded:
		return selectLeastLoaded(candidates)
	case model.StrategyRandom:
		return candidates[rand.Intn(len(candidates))]
	case model.StrategyPriority:
		return selectPriority(candidates)
	case model.StrategyRoundRobin:
		fallthrough
	default:
		return m.selectRoundRobin(q, candidates)
	}
}

// selectLeastLoaded picks the candidate with the smallest CurrentJobs,
// breaking ties by worker ID ascending (spec.md §4.1 step 4).
func selectLeastLoaded(candidates []*model.Worker) *model.Worker {
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.CurrentJobs < best.CurrentJobs || (w.CurrentJobs == best.CurrentJobs && w.ID < best.ID) {
			best = w
		}
	}
	return best
}

// selectPriority prefers worker type local over remote, falling back to
// least_loaded among whichever type is present (spec.md §4.1 step 4).
func selectPriority(candidates []*model.Worker) *model.Worker {
	var local []*model.Worker
	for _, w := range candidates {
		if w.Type == model.WorkerTypeLocal {
			local = append(local, w)
		}
	}
	if len(local) > 0 {
		return selectLeastLoaded(local)
	}
	return selectLeastLoaded(candidates)
}

// selectRoundRobin advances the queue's persisted cursor and wraps into
// candidates, ordered by ID for a stable rotation regardless of map
// iteration order upstream.
func (m *Manager) selectRoundRobin(q *model.Queue, candidates []*model.Worker) *model.Worker {
	sorted := sortedByID(candidates)
	idx := q.RoundRobinCursor % len(sorted)
	q.RoundRobinCursor = (q.RoundRobinCursor + 1) % len(sorted)
	return sorted[idx]
}

func sortedByID(workers []*model.Worker) []*model.Worker {
	out := make([]*model.Worker, len(workers))
	copy(out, workers)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
