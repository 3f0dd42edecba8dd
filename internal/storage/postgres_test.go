package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
)

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres tests")
	}

	store, err := NewPostgres(dsn, "test-encryption-secret-32chars!")
	if err != nil {
		t.Fatalf("failed to create postgres storage: %v", err)
	}
	defer store.Close()

	cleanupPostgres(t, store)

	t.Run("Specs", func(t *testing.T) { testPostgresSpecs(t, store) })
	t.Run("Queues", func(t *testing.T) { testPostgresQueues(t, store) })
	t.Run("Workers", func(t *testing.T) { testPostgresWorkers(t, store) })
	t.Run("Jobs", func(t *testing.T) { testPostgresJobs(t, store) })
	t.Run("ReserveJob", func(t *testing.T) { testPostgresReserveJob(t, store) })
}

func cleanupPostgres(t *testing.T, store *PostgresStorage) {
	t.Helper()
	// Delete in dependency order: jobs/queue_workers before queues/workers.
	_, _ = store.db.Exec("DELETE FROM jobs")
	_, _ = store.db.Exec("DELETE FROM queue_workers")
	_, _ = store.db.Exec("DELETE FROM queues")
	_, _ = store.db.Exec("DELETE FROM workers WHERE id != $1", model.SystemWorkerID)
	_, _ = store.db.Exec("DELETE FROM job_specifications")
}

func testPostgresSpecs(t *testing.T, store *PostgresStorage) {
	ctx := context.Background()
	now := time.Now()
	spec := &model.JobSpecification{ID: "pg_spec_1", Name: "pg-spec", Command: "echo hi", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateSpec(ctx, spec); err != nil {
		t.Fatalf("CreateSpec failed: %v", err)
	}
	got, err := store.GetSpecByName(ctx, "pg-spec")
	if err != nil {
		t.Fatalf("GetSpecByName failed: %v", err)
	}
	if got.Command != spec.Command {
		t.Errorf("Command = %q, want %q", got.Command, spec.Command)
	}
}

func testPostgresQueues(t *testing.T, store *PostgresStorage) {
	ctx := context.Background()
	now := time.Now()
	q := &model.Queue{ID: "pg_queue_1", Name: "pg-queue", Strategy: model.StrategyLeastLoaded, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateQueue(ctx, q); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	got, err := store.GetQueue(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQueue failed: %v", err)
	}
	if got.Strategy != model.StrategyLeastLoaded {
		t.Errorf("Strategy = %q, want least_loaded", got.Strategy)
	}
}

func testPostgresWorkers(t *testing.T, store *PostgresStorage) {
	ctx := context.Background()
	now := time.Now()
	w := &model.Worker{
		ID: "pg_worker_1", Name: "pg-worker", Type: model.WorkerTypeRemote, MaxJobs: 3,
		SSHAuthMethod: model.SSHAuthPassword, SSHPassword: "s3cret", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}
	got, err := store.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if got.SSHPassword != "s3cret" {
		t.Errorf("SSHPassword round-trip = %q, want s3cret", got.SSHPassword)
	}
}

func testPostgresJobs(t *testing.T, store *PostgresStorage) {
	ctx := context.Background()
	now := time.Now()
	job := &model.Job{
		ID: "pg_job_1", SpecName: "pg-spec", Command: "echo hi", Status: model.JobStatusPending,
		QueueName: "pg-queue", RuntimeArgs: map[string]any{"n": float64(3)}, CreatedAt: now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.RuntimeArgs["n"] != float64(3) {
		t.Errorf("RuntimeArgs round-trip = %v", got.RuntimeArgs)
	}
}

func testPostgresReserveJob(t *testing.T, store *PostgresStorage) {
	ctx := context.Background()
	now := time.Now()
	w := &model.Worker{ID: "pg_worker_r1", Name: "pg-worker-r1", Type: model.WorkerTypeLocal, MaxJobs: 1, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}
	job := &model.Job{ID: "pg_job_r1", SpecName: "s", Command: "echo hi", Status: model.JobStatusPending, QueueName: "pg-queue", CreatedAt: now}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	ok, err := store.ReserveJob(ctx, job.ID, w.ID, now)
	if err != nil {
		t.Fatalf("ReserveJob failed: %v", err)
	}
	if !ok {
		t.Fatal("expected ReserveJob to succeed")
	}
}
