// Package model defines the entities of the job dispatcher's data model:
// JobSpecification, Job, Queue, Worker, and QueueWorkerAssignment. These
// are plain structs; persistence and validation live in internal/storage,
// internal/queue, and internal/hub.
package model

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	// JobStatusError is a terminal status recognized by Terminal() and
	// accepted from storage; no orchestrator code path sets it (there is
	// no queue timeout or stale-worker requeue).
	JobStatusError JobStatus = "error"
)

// Terminal reports whether status is an absorbing state (spec.md §3,
// §8 "Terminal absorption").
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusError:
		return true
	default:
		return false
	}
}

// QueuePriority orders queues for operator-facing display; it does not by
// itself affect dispatch order within a queue (spec.md's priority strategy
// concerns worker selection, not queue selection).
type QueuePriority string

const (
	QueuePriorityLow      QueuePriority = "low"
	QueuePriorityNormal   QueuePriority = "normal"
	QueuePriorityHigh     QueuePriority = "high"
	QueuePriorityCritical QueuePriority = "critical"
)

// QueueStrategy is the dispatch-selection algorithm a queue uses to pick a
// worker among eligible candidates (spec.md §4.1).
type QueueStrategy string

const (
	StrategyRoundRobin  QueueStrategy = "round_robin"
	StrategyLeastLoaded QueueStrategy = "least_loaded"
	StrategyRandom      QueueStrategy = "random"
	StrategyPriority    QueueStrategy = "priority"
)

// QueueState is the Queue Manager state machine (spec.md §4.1).
type QueueState string

const (
	QueueStateStopped QueueState = "stopped"
	QueueStateStarted QueueState = "started"
	QueueStatePaused  QueueState = "paused"
)

// WorkerType distinguishes an in-process local worker from one reached
// over the network after SSH provisioning.
type WorkerType string

const (
	WorkerTypeLocal  WorkerType = "local"
	WorkerTypeRemote WorkerType = "remote"
)

// WorkerStatus reflects the last health probe outcome (operator-observed
// reality), as opposed to WorkerState (operator intent).
type WorkerStatus string

const (
	WorkerStatusOnline      WorkerStatus = "online"
	WorkerStatusOffline     WorkerStatus = "offline"
	WorkerStatusProvisioning WorkerStatus = "provisioning"
	WorkerStatusError       WorkerStatus = "error"
)

// WorkerState is the Worker Manager state machine (spec.md §4.2).
type WorkerState string

const (
	WorkerStateStopped  WorkerState = "stopped"
	WorkerStateStarted  WorkerState = "started"
	WorkerStatePaused   WorkerState = "paused"
	WorkerStateFailed   WorkerState = "failed"
	WorkerStateDraining WorkerState = "draining" // accepted value; no code path sets it
)

// SSHAuthMethod selects how the Worker Provisioner authenticates to a
// remote host (spec.md §4.2 step 3).
type SSHAuthMethod string

const (
	SSHAuthKey      SSHAuthMethod = "key"
	SSHAuthPassword SSHAuthMethod = "password"
)

// SystemWorkerID is the reserved, undeletable local worker used as a safe
// fallback (spec.md §3 "SpecialWorker System").
const SystemWorkerID = "worker_system"
const SystemWorkerName = "System"

// JobSpecification is a reusable job template.
type JobSpecification struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"` // unique
	Description string    `json:"description"`
	Command     string    `json:"command"` // trailing newlines stripped at save
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Job is one execution attempt of a JobSpecification.
type Job struct {
	ID             string            `json:"id"`
	SpecName       string            `json:"spec_name"` // copied at creation, not a live reference
	Command        string            `json:"command"`   // copied from the spec at creation
	Status         JobStatus         `json:"status"`
	Progress       int               `json:"progress"` // 0-100, monotonic while Running
	CreatedBy      string            `json:"created_by"`
	QueueName      string            `json:"queue_name"`
	WorkerID       string            `json:"worker_id,omitempty"` // nullable until dispatch
	RuntimeArgs    map[string]any    `json:"runtime_args"`
	Result         map[string]any    `json:"result,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Attempts       int               `json:"attempts"` // persisted; the dispatcher does not update it
	RetriedFromID  string            `json:"retried_from_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Queue is a named dispatch lane.
type Queue struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"` // unique
	Description      string        `json:"description"`
	Priority         QueuePriority `json:"priority"`
	Strategy         QueueStrategy `json:"strategy"`
	State            QueueState    `json:"state"`
	IsDefault        bool          `json:"is_default"`
	DefaultMaxRetries int          `json:"default_max_retries"` // stored and returned; the dispatcher does not read it
	RoundRobinCursor int           `json:"-"`                   // dispatch-selection cursor, not API-visible
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Worker is a compute endpoint that executes commands.
type Worker struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"` // unique
	Type         WorkerType   `json:"type"`
	Hostname     string       `json:"hostname"`
	IPAddress    string       `json:"ip_address"`
	Port         int          `json:"port"`
	SSHUser      string       `json:"ssh_user,omitempty"`
	SSHAuthMethod SSHAuthMethod `json:"ssh_auth_method,omitempty"`
	SSHKeyPath   string       `json:"ssh_key_path,omitempty"`
	SSHPassword  string       `json:"-"` // encrypted at rest, never serialized to API responses
	MaxJobs      int          `json:"max_jobs"`
	CurrentJobs  int          `json:"current_jobs"` // incremented by storage.ReserveJob, decremented by internal/dispatch
	Status       WorkerStatus `json:"status"`
	State        WorkerState  `json:"state"`
	LastSeen     *time.Time   `json:"last_seen,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	MissedProbes int          `json:"-"` // consecutive health-probe misses
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Eligible reports whether the worker may receive a new dispatch right
// now (spec.md §3 Worker invariant).
func (w *Worker) Eligible() bool {
	return w.State == WorkerStateStarted && w.Status == WorkerStatusOnline && w.CurrentJobs < w.MaxJobs
}

// QueueWorkerAssignment links a Worker to a Queue it may receive dispatches
// from.
type QueueWorkerAssignment struct {
	QueueID   string    `json:"queue_id"`
	WorkerID  string    `json:"worker_id"`
	CreatedAt time.Time `json:"created_at"`
}
