package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
	"github.com/dispatchd/dispatchd/internal/transport"
)

func newTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", "hub-test-secret")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakePublisher struct {
	updates []*model.Worker
}

func (f *fakePublisher) PublishWorkerUpdate(w *model.Worker) {
	cp := *w
	f.updates = append(f.updates, &cp)
}

type fakeWaker struct {
	woken int
}

func (f *fakeWaker) WakeDispatch() { f.woken++ }

type fakeCanceller struct {
	cancelledFor []string
}

func (f *fakeCanceller) CancelJobsForWorker(ctx context.Context, workerID string) error {
	f.cancelledFor = append(f.cancelledFor, workerID)
	return nil
}

func newHealthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHubRegisterUnregister(t *testing.T) {
	store := newTestStorage(t)
	h, err := New(context.Background(), store, func(*model.Worker) *transport.Client { return nil }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 2, CreatedAt: now, UpdatedAt: now}
	h.Register(w)

	if got := h.Get("w_1"); got == nil || got.Name != "worker-1" {
		t.Fatalf("Get(w_1) = %+v", got)
	}
	if len(h.List()) != 1 {
		t.Errorf("List() len = %d, want 1", len(h.List()))
	}

	h.Unregister("w_1")
	if h.Get("w_1") != nil {
		t.Error("Get() should return nil after unregister")
	}
}

func TestHubEligible(t *testing.T) {
	store := newTestStorage(t)
	h, err := New(context.Background(), store, func(*model.Worker) *transport.Client { return nil }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	now := time.Now()
	h.Register(&model.Worker{ID: "w_busy", Name: "busy", MaxJobs: 1, CurrentJobs: 1, State: model.WorkerStateStarted, Status: model.WorkerStatusOnline, CreatedAt: now, UpdatedAt: now})
	h.Register(&model.Worker{ID: "w_paused", Name: "paused", MaxJobs: 2, State: model.WorkerStatePaused, Status: model.WorkerStatusOnline, CreatedAt: now, UpdatedAt: now})
	h.Register(&model.Worker{ID: "w_free", Name: "free", MaxJobs: 2, State: model.WorkerStateStarted, Status: model.WorkerStatusOnline, CreatedAt: now, UpdatedAt: now})

	eligible := h.Eligible(nil)
	if len(eligible) != 1 || eligible[0].ID != "w_free" {
		t.Errorf("Eligible() = %+v, want only w_free", eligible)
	}
}

func TestHubTouch_HealthyClearsMisses(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 1, State: model.WorkerStateStarted, MissedProbes: 2, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}

	pub := &fakePublisher{}
	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return nil }, pub, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := h.Touch(ctx, "w_1", true, now)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if got.Status != model.WorkerStatusOnline || got.MissedProbes != 0 {
		t.Errorf("got status=%v missed=%d, want online/0", got.Status, got.MissedProbes)
	}
}

func TestHubTouch_ThreeMissesTransitionsFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 1, State: model.WorkerStateStarted, Status: model.WorkerStatusOnline, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}

	pub := &fakePublisher{}
	waker := &fakeWaker{}
	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return nil }, pub, waker, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := h.Touch(ctx, "w_1", false, now); err != nil {
			t.Fatalf("Touch failed: %v", err)
		}
	}
	if waker.woken != 0 {
		t.Fatalf("waker fired early after %d misses", 2)
	}

	got, err := h.Touch(ctx, "w_1", false, now)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if got.Status != model.WorkerStatusOffline || got.State != model.WorkerStateFailed {
		t.Errorf("got status=%v state=%v, want offline/failed", got.Status, got.State)
	}
	if waker.woken != 1 {
		t.Errorf("waker.woken = %d, want 1", waker.woken)
	}
	if len(pub.updates) == 0 {
		t.Error("expected a worker_update publish on the miss-threshold transition")
	}
}

func TestHubProbeOne_UsesTransportClient(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 1, State: model.WorkerStateStarted, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}

	srv := newHealthyServer(t)
	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return transport.New(srv.URL, nil) }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h.probeOne(ctx, w)

	got := h.Get("w_1")
	if got.Status != model.WorkerStatusOnline {
		t.Errorf("Status = %v, want online after healthy probe", got.Status)
	}
	if got.LastSeen == nil {
		t.Error("LastSeen not set after healthy probe")
	}
}

func TestHubRefresh_PicksUpStorageChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 4, CurrentJobs: 0, State: model.WorkerStateStarted, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}
	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return nil }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w.CurrentJobs = 2
	if err := store.UpdateWorker(ctx, w); err != nil {
		t.Fatalf("UpdateWorker failed: %v", err)
	}
	if got := h.Get("w_1").CurrentJobs; got != 0 {
		t.Fatalf("precondition: hub copy should still read stale, got %d", got)
	}

	if err := h.Refresh(ctx, "w_1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := h.Get("w_1").CurrentJobs; got != 2 {
		t.Errorf("CurrentJobs = %d after Refresh, want 2", got)
	}
}

func TestSetWorkerState_StartRequiresHealthyProbe(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 1, State: model.WorkerStateStopped, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}

	srv := newHealthyServer(t)
	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return transport.New(srv.URL, nil) }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := h.SetWorkerState(ctx, "w_1", model.WorkerStateStarted); err != nil {
		t.Fatalf("SetWorkerState(started) failed: %v", err)
	}
	got := h.Get("w_1")
	if got.State != model.WorkerStateStarted || got.Status != model.WorkerStatusOnline {
		t.Errorf("got state=%v status=%v, want started/online", got.State, got.Status)
	}
}

func TestSetWorkerState_StartFailsOnUnreachableWorker(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 1, State: model.WorkerStateStopped, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}

	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return transport.New("http://127.0.0.1:1", nil) }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := h.SetWorkerState(ctx, "w_1", model.WorkerStateStarted); err == nil {
		t.Fatal("expected error when the worker does not respond to the start probe")
	}
	if got := h.Get("w_1").State; got != model.WorkerStateStopped {
		t.Errorf("State = %v, want unchanged stopped", got)
	}
}

func TestSetWorkerState_StopCancelsRunningJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 1, State: model.WorkerStateStarted, Status: model.WorkerStatusOnline, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}

	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return nil }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	canceller := &fakeCanceller{}
	h.SetJobCanceller(canceller)

	if err := h.SetWorkerState(ctx, "w_1", model.WorkerStateStopped); err != nil {
		t.Fatalf("SetWorkerState(stopped) failed: %v", err)
	}
	if len(canceller.cancelledFor) != 1 || canceller.cancelledFor[0] != "w_1" {
		t.Errorf("cancelledFor = %v, want [w_1]", canceller.cancelledFor)
	}
	got := h.Get("w_1")
	if got.State != model.WorkerStateStopped || got.Status != model.WorkerStatusOffline {
		t.Errorf("got state=%v status=%v, want stopped/offline", got.State, got.Status)
	}
}

func TestSetWorkerState_PauseDoesNotCancelJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	now := time.Now()
	w := &model.Worker{ID: "w_1", Name: "worker-1", Type: model.WorkerTypeLocal, MaxJobs: 1, State: model.WorkerStateStarted, Status: model.WorkerStatusOnline, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}

	h, err := New(ctx, store, func(*model.Worker) *transport.Client { return nil }, nil, nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	canceller := &fakeCanceller{}
	h.SetJobCanceller(canceller)

	if err := h.SetWorkerState(ctx, "w_1", model.WorkerStatePaused); err != nil {
		t.Fatalf("SetWorkerState(paused) failed: %v", err)
	}
	if len(canceller.cancelledFor) != 0 {
		t.Errorf("pause must not cancel jobs, got %v", canceller.cancelledFor)
	}
	if got := h.Get("w_1"); got.State != model.WorkerStatePaused {
		t.Errorf("State = %v, want paused", got.State)
	}
	if len(h.Eligible(nil)) != 0 {
		t.Error("paused worker must not be Eligible for new dispatch")
	}
}
