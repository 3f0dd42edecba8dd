package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/hub"
	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/queue"
	"github.com/dispatchd/dispatchd/internal/storage"
	"github.com/dispatchd/dispatchd/internal/transport"
)

type fakeJobPublisher struct {
	updates []*model.Job
}

func (f *fakeJobPublisher) PublishJobUpdate(j *model.Job) {
	cp := *j
	f.updates = append(f.updates, &cp)
}

func (f *fakeJobPublisher) AppendLogLine(jobID, stream, data string) {}

func (f *fakeJobPublisher) CompleteJob(jobID, status string, exitCode *int, errMsg string) {}

func newTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", "dispatch-test-secret")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testRig wires storage + hub + queue manager behind a single
// httptest.Server acting as every registered worker's transport endpoint.
type testRig struct {
	store *storage.SQLiteStorage
	hub   *hub.Hub
	qm    *queue.Manager
	d     *Dispatcher
	pub   *fakeJobPublisher
	srv   *httptest.Server
}

func newRig(t *testing.T, handler http.HandlerFunc) *testRig {
	t.Helper()
	ctx := context.Background()
	store := newTestStorage(t)

	var srv *httptest.Server
	if handler != nil {
		srv = httptest.NewServer(handler)
		t.Cleanup(srv.Close)
	}

	h, err := hub.New(ctx, store, func(*model.Worker) *transport.Client {
		if srv == nil {
			return nil
		}
		return transport.New(srv.URL, nil)
	}, nil, nil, time.Hour, nil)
	if err != nil {
		t.Fatalf("hub.New failed: %v", err)
	}

	qm := queue.New(store, nil, nil)
	pub := &fakeJobPublisher{}
	d := New(store, h, qm, nil, pub, nil)
	h.SetJobCanceller(d)

	return &testRig{store: store, hub: h, qm: qm, d: d, pub: pub, srv: srv}
}

func (r *testRig) createQueue(t *testing.T, name string, strategy model.QueueStrategy) *model.Queue {
	t.Helper()
	q := &model.Queue{ID: "q_" + name, Name: name, Strategy: strategy, State: model.QueueStateStarted}
	if err := r.qm.Create(context.Background(), q); err != nil {
		t.Fatalf("create queue failed: %v", err)
	}
	return q
}

func (r *testRig) createWorker(t *testing.T, id string, maxJobs int) *model.Worker {
	t.Helper()
	now := time.Now()
	w := &model.Worker{ID: id, Name: id, Type: model.WorkerTypeLocal, MaxJobs: maxJobs, State: model.WorkerStateStarted, Status: model.WorkerStatusOnline, CreatedAt: now, UpdatedAt: now}
	if err := r.store.CreateWorker(context.Background(), w); err != nil {
		t.Fatalf("create worker failed: %v", err)
	}
	r.hub.Register(w)
	return w
}

func (r *testRig) assignWorkerToQueue(t *testing.T, queueID, workerID string) {
	t.Helper()
	if err := r.store.AssignWorkerToQueue(context.Background(), queueID, workerID); err != nil {
		t.Fatalf("assign worker to queue failed: %v", err)
	}
}

func (r *testRig) createSpec(t *testing.T, name, command string) *model.JobSpecification {
	t.Helper()
	now := time.Now()
	spec := &model.JobSpecification{ID: "spec_" + name, Name: name, Command: command, CreatedAt: now, UpdatedAt: now}
	if err := r.store.CreateSpec(context.Background(), spec); err != nil {
		t.Fatalf("create spec failed: %v", err)
	}
	return spec
}

func TestDispatcher_Run_NoDefaultQueue(t *testing.T) {
	r := newRig(t, nil)
	r.createSpec(t, "s1", "echo hi")
	_, err := r.d.Submit(context.Background(), "s1", nil, "op", "")
	if err != ErrNoDefaultQueue {
		t.Errorf("err = %v, want ErrNoDefaultQueue", err)
	}
}

func TestDispatcher_TryDispatchOnce_ReservesAndTransmits(t *testing.T) {
	ctx := context.Background()
	var gotJobID string
	r := newRig(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/execute" {
			gotJobID = "called"
		}
		w.WriteHeader(http.StatusOK)
	})
	q := r.createQueue(t, "default", model.StrategyLeastLoaded)
	q.IsDefault = true
	if err := r.qm.Update(ctx, q); err != nil {
		t.Fatalf("update queue failed: %v", err)
	}
	worker := r.createWorker(t, "w_1", 2)
	r.assignWorkerToQueue(t, q.ID, worker.ID)
	r.createSpec(t, "s1", "echo hi")

	job, err := r.d.Submit(ctx, "s1", nil, "op", "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	dispatched, err := r.d.tryDispatchOnce(ctx, q)
	if err != nil {
		t.Fatalf("tryDispatchOnce failed: %v", err)
	}
	if !dispatched {
		t.Fatal("expected a dispatch to occur")
	}
	if gotJobID != "called" {
		t.Error("worker's /execute endpoint was never called")
	}

	got, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != model.JobStatusRunning || got.WorkerID != worker.ID {
		t.Errorf("got status=%v worker=%v, want running/%s", got.Status, got.WorkerID, worker.ID)
	}
}

func TestDispatcher_TryDispatchOnce_RollsBackOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	q := r.createQueue(t, "default", model.StrategyLeastLoaded)
	q.IsDefault = true
	if err := r.qm.Update(ctx, q); err != nil {
		t.Fatalf("update queue failed: %v", err)
	}
	worker := r.createWorker(t, "w_1", 2)
	r.assignWorkerToQueue(t, q.ID, worker.ID)
	r.createSpec(t, "s1", "echo hi")

	job, err := r.d.Submit(ctx, "s1", nil, "op", "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := r.d.tryDispatchOnce(ctx, q); err != nil {
		t.Fatalf("tryDispatchOnce failed: %v", err)
	}

	got, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != model.JobStatusPending || got.WorkerID != "" {
		t.Errorf("got status=%v worker=%q, want reverted to pending/unassigned", got.Status, got.WorkerID)
	}

	gotWorker, err := r.store.GetWorker(ctx, worker.ID)
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if gotWorker.CurrentJobs != 0 {
		t.Errorf("CurrentJobs = %d, want 0 after rollback", gotWorker.CurrentJobs)
	}
	if gotWorker.Status != model.WorkerStatusError {
		t.Errorf("worker status = %v, want error", gotWorker.Status)
	}
}

func TestDispatcher_Cancel_PendingBecomesCancelled(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	q := r.createQueue(t, "default", model.StrategyLeastLoaded)
	q.IsDefault = true
	r.qm.Update(ctx, q)
	r.createSpec(t, "s1", "echo hi")

	job, err := r.d.Submit(ctx, "s1", nil, "op", "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := r.d.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := r.store.GetJob(ctx, job.ID)
	if got.Status != model.JobStatusCancelled {
		t.Errorf("Status = %v, want cancelled", got.Status)
	}
}

func TestDispatcher_Cancel_TerminalFails(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	now := time.Now()
	job := &model.Job{ID: "job_done", SpecName: "s", Command: "echo hi", Status: model.JobStatusCompleted, QueueName: "q", CreatedAt: now, CompletedAt: &now}
	if err := r.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := r.d.Cancel(ctx, job.ID); err != ErrNotCancellable {
		t.Errorf("err = %v, want ErrNotCancellable", err)
	}
}

func TestDispatcher_Retry_CreatesNewJob(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	now := time.Now()
	old := &model.Job{ID: "job_old", SpecName: "s1", Command: "echo hi", Status: model.JobStatusFailed, QueueName: "q1", RuntimeArgs: map[string]any{"n": 1.0}, CreatedAt: now, CompletedAt: &now}
	if err := r.store.CreateJob(ctx, old); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	fresh, err := r.d.Retry(ctx, old.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if fresh.ID == old.ID || fresh.RetriedFromID != old.ID {
		t.Errorf("fresh = %+v, want new ID referencing old", fresh)
	}
	if fresh.RuntimeArgs["n"] != 1.0 {
		t.Errorf("RuntimeArgs not copied verbatim: %v", fresh.RuntimeArgs)
	}

	stillOld, _ := r.store.GetJob(ctx, old.ID)
	if stillOld.Status != model.JobStatusFailed {
		t.Error("retry must not mutate the original job")
	}
}

func TestDispatcher_Retry_CompletedNotRetryable(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	now := time.Now()
	job := &model.Job{ID: "job_done", SpecName: "s", Command: "echo hi", Status: model.JobStatusCompleted, QueueName: "q", CreatedAt: now, CompletedAt: &now}
	if err := r.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := r.d.Retry(ctx, job.ID); err != ErrNotRetryable {
		t.Errorf("err = %v, want ErrNotRetryable", err)
	}
}

func TestDispatcher_Move_OnlyWhenPending(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	q1 := r.createQueue(t, "q1", model.StrategyLeastLoaded)
	q2 := r.createQueue(t, "q2", model.StrategyLeastLoaded)
	now := time.Now()
	job := &model.Job{ID: "job_1", SpecName: "s", Command: "echo hi", Status: model.JobStatusPending, QueueName: q1.Name, CreatedAt: now}
	if err := r.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := r.d.Move(ctx, job.ID, q2.Name); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	got, _ := r.store.GetJob(ctx, job.ID)
	if got.QueueName != q2.Name {
		t.Errorf("QueueName = %q, want %q", got.QueueName, q2.Name)
	}

	got.Status = model.JobStatusRunning
	if err := r.store.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if err := r.d.Move(ctx, job.ID, q1.Name); err != ErrNotMovable {
		t.Errorf("err = %v, want ErrNotMovable for a Running job", err)
	}
}

func TestDispatcher_Delete_OnlyWhenTerminal(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	now := time.Now()
	job := &model.Job{ID: "job_1", SpecName: "s", Command: "echo hi", Status: model.JobStatusPending, QueueName: "q", CreatedAt: now}
	if err := r.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := r.d.Delete(ctx, job.ID); err != ErrNotDeletable {
		t.Errorf("err = %v, want ErrNotDeletable", err)
	}

	job.Status = model.JobStatusCompleted
	if err := r.store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if err := r.d.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.store.GetJob(ctx, job.ID); err != storage.ErrNotFound {
		t.Errorf("GetJob after delete = %v, want ErrNotFound", err)
	}
}

func TestDispatcher_CancelJobsForWorker_OnlyRunning(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	worker := r.createWorker(t, "w_1", 2)
	now := time.Now()
	running := &model.Job{ID: "job_run", SpecName: "s", Command: "echo hi", Status: model.JobStatusRunning, WorkerID: worker.ID, QueueName: "q", CreatedAt: now}
	pending := &model.Job{ID: "job_pending", SpecName: "s", Command: "echo hi", Status: model.JobStatusPending, QueueName: "q", CreatedAt: now}
	if err := r.store.CreateJob(ctx, running); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := r.store.CreateJob(ctx, pending); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := r.d.CancelJobsForWorker(ctx, worker.ID); err != nil {
		t.Fatalf("CancelJobsForWorker failed: %v", err)
	}

	got, _ := r.store.GetJob(ctx, running.ID)
	if got.Status != model.JobStatusCancelled {
		t.Errorf("running job status = %v, want cancelled", got.Status)
	}
	gotPending, _ := r.store.GetJob(ctx, pending.ID)
	if gotPending.Status != model.JobStatusPending {
		t.Errorf("pending job should be untouched, got %v", gotPending.Status)
	}
}
