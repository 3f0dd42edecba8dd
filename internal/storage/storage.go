// Package storage defines the abstract repository interface the
// orchestration core depends on (spec.md §9 design note: "the core depends
// only on an abstract repository interface"), plus SQLite and PostgreSQL
// adapters. Log bytes are not stored here; internal/logstore owns job log
// artifacts, keeping this interface to entity CRUD and the one atomic
// operation the dispatcher needs: job-to-worker reservation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks state-machine violations (spec.md §7 "Conflict").
	// The storage adapters return it for deleting the reserved System
	// worker; internal/queue wraps it for a second default queue and for
	// deleting a queue with Pending jobs. A duplicate name surfaces as the
	// driver's constraint error, not as ErrConflict.
	ErrConflict = errors.New("conflict")
)

// Storage is the abstract repository the orchestration core depends on.
type Storage interface {
	// Specs
	CreateSpec(ctx context.Context, spec *model.JobSpecification) error
	GetSpec(ctx context.Context, id string) (*model.JobSpecification, error)
	GetSpecByName(ctx context.Context, name string) (*model.JobSpecification, error)
	ListSpecs(ctx context.Context, limit, offset int) ([]*model.JobSpecification, error)
	UpdateSpec(ctx context.Context, spec *model.JobSpecification) error
	DeleteSpec(ctx context.Context, id string) error
	HasRunningJobsForSpec(ctx context.Context, specName string) (bool, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error)
	ListPendingJobsByQueue(ctx context.Context, queueName string) ([]*model.Job, error)
	ListJobsByWorker(ctx context.Context, workerID string) ([]*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	UpdateJobQueue(ctx context.Context, jobID, newQueueName string) error
	DeleteJob(ctx context.Context, id string) error
	JobStatsSummary(ctx context.Context) (*JobStatsSummary, error)

	// ReserveJob atomically assigns workerID to jobID and increments the
	// worker's current_jobs count, but only if jobID is still Pending and
	// the worker still has spare capacity. Returns ok=false (no error) if
	// the reservation lost the race (spec.md §4.1 step 5, §5 CAS policy).
	ReserveJob(ctx context.Context, jobID, workerID string, now time.Time) (ok bool, err error)

	// Queues
	CreateQueue(ctx context.Context, q *model.Queue) error
	GetQueue(ctx context.Context, id string) (*model.Queue, error)
	GetQueueByName(ctx context.Context, name string) (*model.Queue, error)
	GetDefaultQueue(ctx context.Context) (*model.Queue, error)
	ListQueues(ctx context.Context) ([]*model.Queue, error)
	UpdateQueue(ctx context.Context, q *model.Queue) error
	DeleteQueue(ctx context.Context, id string) error
	HasPendingJobs(ctx context.Context, queueName string) (bool, error)

	// Workers
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	GetWorkerByName(ctx context.Context, name string) (*model.Worker, error)
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
	UpdateWorker(ctx context.Context, w *model.Worker) error
	DeleteWorker(ctx context.Context, id string) error

	// Queue-worker assignments
	AssignWorkerToQueue(ctx context.Context, queueID, workerID string) error
	UnassignWorkerFromQueue(ctx context.Context, queueID, workerID string) error
	ListWorkersForQueue(ctx context.Context, queueID string) ([]*model.Worker, error)
	ListQueueIDsForWorker(ctx context.Context, workerID string) ([]string, error)

	// Close releases the underlying connection/handles.
	Close() error
}

// JobFilter narrows ListJobs results (spec.md §6 "?page&per_page&exclude_status=CSV").
type JobFilter struct {
	QueueName     string
	Status        model.JobStatus
	ExcludeStatus []model.JobStatus
	Limit         int
	Offset        int
}

// JobStatsSummary backs GET /api/jobs/statistics/summary.
type JobStatsSummary struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	BySpec         map[string]int `json:"by_spec"`
}
