package queue

import (
	"context"
	"testing"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
)

func newTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", "queue-test-secret")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func worker(id string, current, max int) *model.Worker {
	return &model.Worker{ID: id, Name: id, MaxJobs: max, CurrentJobs: current, State: model.WorkerStateStarted, Status: model.WorkerStatusOnline}
}

func TestManager_CreateAndSetState(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStorage(t), nil, nil)

	q := &model.Queue{ID: "q_1", Name: "default", Strategy: model.StrategyRoundRobin}
	if err := m.Create(ctx, q); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if q.State != model.QueueStateStopped {
		t.Errorf("new queue state = %v, want stopped", q.State)
	}

	if err := m.SetState(ctx, q.ID, model.QueueStateStarted); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	got, err := m.store.GetQueue(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQueue failed: %v", err)
	}
	if got.State != model.QueueStateStarted {
		t.Errorf("State = %v, want started", got.State)
	}
	if !AcceptsDispatch(got) {
		t.Error("AcceptsDispatch should be true for a started queue")
	}

	if err := m.SetState(ctx, q.ID, model.QueueStatePaused); err != nil {
		t.Fatalf("SetState(paused) failed: %v", err)
	}
	got, _ = m.store.GetQueue(ctx, q.ID)
	if AcceptsDispatch(got) {
		t.Error("AcceptsDispatch should be false for a paused queue")
	}
}

func TestSelect_LeastLoaded(t *testing.T) {
	m := New(nil, nil, nil)
	q := &model.Queue{Strategy: model.StrategyLeastLoaded}
	candidates := []*model.Worker{worker("w_a", 3, 4), worker("w_b", 1, 4), worker("w_c", 2, 4)}

	got := m.Select(q, candidates)
	if got.ID != "w_b" {
		t.Errorf("Select() = %s, want w_b (fewest CurrentJobs)", got.ID)
	}
}

func TestSelect_LeastLoaded_TieBreaksByID(t *testing.T) {
	m := New(nil, nil, nil)
	q := &model.Queue{Strategy: model.StrategyLeastLoaded}
	candidates := []*model.Worker{worker("w_b", 1, 4), worker("w_a", 1, 4)}

	got := m.Select(q, candidates)
	if got.ID != "w_a" {
		t.Errorf("Select() = %s, want w_a (ID tie-break)", got.ID)
	}
}

func TestSelect_Priority_PrefersLocal(t *testing.T) {
	m := New(nil, nil, nil)
	q := &model.Queue{Strategy: model.StrategyPriority}
	remoteLightlyLoaded := worker("w_remote", 0, 10)
	remoteLightlyLoaded.Type = model.WorkerTypeRemote
	localBusier := worker("w_local", 2, 4)
	localBusier.Type = model.WorkerTypeLocal

	got := m.Select(q, []*model.Worker{remoteLightlyLoaded, localBusier})
	if got.ID != "w_local" {
		t.Errorf("Select() = %s, want w_local (local preferred over remote regardless of load)", got.ID)
	}
}

func TestSelect_Priority_FallsBackToLeastLoadedAmongRemote(t *testing.T) {
	m := New(nil, nil, nil)
	q := &model.Queue{Strategy: model.StrategyPriority}
	a := worker("w_a", 3, 4)
	a.Type = model.WorkerTypeRemote
	b := worker("w_b", 1, 4)
	b.Type = model.WorkerTypeRemote

	got := m.Select(q, []*model.Worker{a, b})
	if got.ID != "w_b" {
		t.Errorf("Select() = %s, want w_b (least loaded remote, no local present)", got.ID)
	}
}

func TestSelect_RoundRobin_Rotates(t *testing.T) {
	m := New(nil, nil, nil)
	q := &model.Queue{Strategy: model.StrategyRoundRobin}
	candidates := []*model.Worker{worker("w_a", 0, 4), worker("w_b", 0, 4), worker("w_c", 0, 4)}

	var picks []string
	for i := 0; i < 4; i++ {
		picks = append(picks, m.Select(q, candidates).ID)
	}
	want := []string{"w_a", "w_b", "w_c", "w_a"}
	for i := range want {
		if picks[i] != want[i] {
			t.Errorf("pick[%d] = %s, want %s (full sequence %v)", i, picks[i], want[i], picks)
			break
		}
	}
}

func TestSelect_Random_PicksAmongCandidates(t *testing.T) {
	m := New(nil, nil, nil)
	q := &model.Queue{Strategy: model.StrategyRandom}
	candidates := []*model.Worker{worker("w_a", 0, 1)}

	got := m.Select(q, candidates)
	if got.ID != "w_a" {
		t.Errorf("Select() = %s, want w_a", got.ID)
	}
}

func TestSelect_EmptyCandidates(t *testing.T) {
	m := New(nil, nil, nil)
	q := &model.Queue{Strategy: model.StrategyLeastLoaded}
	if got := m.Select(q, nil); got != nil {
		t.Errorf("Select() with no candidates = %v, want nil", got)
	}
}
