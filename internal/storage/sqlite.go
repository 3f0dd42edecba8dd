package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dispatchd/dispatchd/internal/crypto"
	"github.com/dispatchd/dispatchd/internal/model"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	cipher *crypto.Cipher // nil = no encryption (tests)
	log    *slog.Logger
}

// NewSQLite opens (creating if needed) a SQLite-backed Storage. Use
// ":memory:" for an in-memory database. If encryptionSecret is non-empty,
// worker SSH credentials are encrypted at rest.
func NewSQLite(dsn string, encryptionSecret string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	var cipher *crypto.Cipher
	if encryptionSecret != "" {
		cipher, err = crypto.NewCipher(encryptionSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create cipher: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, cipher: cipher, log: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.ensureSystemWorker(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure system worker: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS job_specifications (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queues (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			strategy TEXT NOT NULL DEFAULT 'round_robin',
			state TEXT NOT NULL DEFAULT 'stopped',
			is_default INTEGER NOT NULL DEFAULT 0,
			default_max_retries INTEGER NOT NULL DEFAULT 0,
			round_robin_cursor INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL DEFAULT 'local',
			hostname TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			ssh_user TEXT NOT NULL DEFAULT '',
			ssh_auth_method TEXT NOT NULL DEFAULT '',
			ssh_key_path TEXT NOT NULL DEFAULT '',
			ssh_password TEXT NOT NULL DEFAULT '',
			max_jobs INTEGER NOT NULL DEFAULT 1,
			current_jobs INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'offline',
			state TEXT NOT NULL DEFAULT 'stopped',
			last_seen DATETIME,
			error_message TEXT NOT NULL DEFAULT '',
			missed_probes INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queue_workers (
			queue_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (queue_id, worker_id),
			FOREIGN KEY (queue_id) REFERENCES queues(id),
			FOREIGN KEY (worker_id) REFERENCES workers(id)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			spec_name TEXT NOT NULL,
			command TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			progress INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			queue_name TEXT NOT NULL,
			worker_id TEXT,
			runtime_args TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			retried_from_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queue_name ON jobs(queue_name)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_worker_id ON jobs(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_spec_name ON jobs(spec_name)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// ensureSystemWorker creates the reserved "System" worker (spec.md §3) if
// it does not already exist.
func (s *SQLiteStorage) ensureSystemWorker() error {
	_, err := s.GetWorker(context.Background(), model.SystemWorkerID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	now := time.Now()
	return s.CreateWorker(context.Background(), &model.Worker{
		ID:          model.SystemWorkerID,
		Name:        model.SystemWorkerName,
		Type:        model.WorkerTypeLocal,
		MaxJobs:     4,
		Status:      model.WorkerStatusOffline,
		State:       model.WorkerStateStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

// --- Specs ---

func (s *SQLiteStorage) CreateSpec(ctx context.Context, spec *model.JobSpecification) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_specifications (id, name, description, command, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, spec.ID, spec.Name, spec.Description, spec.Command, spec.CreatedAt, spec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create spec: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSpec(ctx context.Context, id string) (*model.JobSpecification, error) {
	return s.scanSpec(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, command, created_at, updated_at FROM job_specifications WHERE id = ?`, id))
}

func (s *SQLiteStorage) GetSpecByName(ctx context.Context, name string) (*model.JobSpecification, error) {
	return s.scanSpec(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, command, created_at, updated_at FROM job_specifications WHERE name = ?`, name))
}

func (s *SQLiteStorage) scanSpec(row *sql.Row) (*model.JobSpecification, error) {
	var spec model.JobSpecification
	err := row.Scan(&spec.ID, &spec.Name, &spec.Description, &spec.Command, &spec.CreatedAt, &spec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan spec: %w", err)
	}
	return &spec, nil
}

func (s *SQLiteStorage) ListSpecs(ctx context.Context, limit, offset int) ([]*model.JobSpecification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, command, created_at, updated_at FROM job_specifications ORDER BY name LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	defer rows.Close()

	var specs []*model.JobSpecification
	for rows.Next() {
		var spec model.JobSpecification
		if err := rows.Scan(&spec.ID, &spec.Name, &spec.Description, &spec.Command, &spec.CreatedAt, &spec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan spec: %w", err)
		}
		specs = append(specs, &spec)
	}
	return specs, rows.Err()
}

func (s *SQLiteStorage) UpdateSpec(ctx context.Context, spec *model.JobSpecification) error {
	spec.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_specifications SET description = ?, command = ?, updated_at = ? WHERE id = ?`,
		spec.Description, spec.Command, spec.UpdatedAt, spec.ID)
	if err != nil {
		return fmt.Errorf("update spec: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) DeleteSpec(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_specifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete spec: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) HasRunningJobsForSpec(ctx context.Context, specName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE spec_name = ? AND status = ?`, specName, model.JobStatusRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count running jobs for spec: %w", err)
	}
	return n > 0, nil
}

// --- Jobs ---

func (s *SQLiteStorage) CreateJob(ctx context.Context, job *model.Job) error {
	args, err := json.Marshal(job.RuntimeArgs)
	if err != nil {
		return fmt.Errorf("marshal runtime_args: %w", err)
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs
		(id, spec_name, command, status, progress, created_by, queue_name, worker_id, runtime_args, result,
		 error_message, attempts, retried_from_id, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SpecName, job.Command, job.Status, job.Progress, job.CreatedBy, job.QueueName,
		nullString(job.WorkerID), string(args), string(result), job.ErrorMessage, job.Attempts,
		job.RetriedFromID, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, jobSelectCols+` FROM jobs WHERE id = ?`, id))
}

const jobSelectCols = `SELECT id, spec_name, command, status, progress, created_by, queue_name, worker_id,
	runtime_args, result, error_message, attempts, retried_from_id, created_at, started_at, completed_at`

func (s *SQLiteStorage) scanJob(row *sql.Row) (*model.Job, error) {
	var job model.Job
	var workerID sql.NullString
	var args, result string
	err := row.Scan(&job.ID, &job.SpecName, &job.Command, &job.Status, &job.Progress, &job.CreatedBy,
		&job.QueueName, &workerID, &args, &result, &job.ErrorMessage, &job.Attempts, &job.RetriedFromID,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.WorkerID = workerID.String
	_ = json.Unmarshal([]byte(args), &job.RuntimeArgs)
	_ = json.Unmarshal([]byte(result), &job.Result)
	return &job, nil
}

func (s *SQLiteStorage) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	query := `SELECT id, spec_name, command, status, progress, created_by, queue_name, worker_id,
		runtime_args, result, error_message, attempts, retried_from_id, created_at, started_at, completed_at FROM jobs WHERE 1=1`
	var args []any
	if filter.QueueName != "" {
		query += ` AND queue_name = ?`
		args = append(args, filter.QueueName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	for _, excl := range filter.ExcludeStatus {
		query += ` AND status != ?`
		args = append(args, excl)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return s.scanJobRows(rows)
}

func (s *SQLiteStorage) ListPendingJobsByQueue(ctx context.Context, queueName string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectCols+` FROM jobs WHERE queue_name = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		queueName, model.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()
	return s.scanJobRows(rows)
}

func (s *SQLiteStorage) ListJobsByWorker(ctx context.Context, workerID string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectCols+` FROM jobs WHERE worker_id = ? ORDER BY created_at ASC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by worker: %w", err)
	}
	defer rows.Close()
	return s.scanJobRows(rows)
}

func (s *SQLiteStorage) scanJobRows(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		var job model.Job
		var workerID sql.NullString
		var args, result string
		if err := rows.Scan(&job.ID, &job.SpecName, &job.Command, &job.Status, &job.Progress, &job.CreatedBy,
			&job.QueueName, &workerID, &args, &result, &job.ErrorMessage, &job.Attempts, &job.RetriedFromID,
			&job.CreatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.WorkerID = workerID.String
		_ = json.Unmarshal([]byte(args), &job.RuntimeArgs)
		_ = json.Unmarshal([]byte(result), &job.Result)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStorage) UpdateJob(ctx context.Context, job *model.Job) error {
	args, err := json.Marshal(job.RuntimeArgs)
	if err != nil {
		return fmt.Errorf("marshal runtime_args: %w", err)
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, progress=?, queue_name=?, worker_id=?,
		runtime_args=?, result=?, error_message=?, attempts=?, started_at=?, completed_at=? WHERE id=?`,
		job.Status, job.Progress, job.QueueName, nullString(job.WorkerID), string(args), string(result),
		job.ErrorMessage, job.Attempts, job.StartedAt, job.CompletedAt, job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) UpdateJobQueue(ctx context.Context, jobID, newQueueName string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET queue_name = ? WHERE id = ? AND status = ?`,
		newQueueName, jobID, model.JobStatusPending)
	if err != nil {
		return fmt.Errorf("update job queue: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) JobStatsSummary(ctx context.Context) (*JobStatsSummary, error) {
	summary := &JobStatsSummary{ByStatus: map[string]int{}, BySpec: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarize by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status summary: %w", err)
		}
		summary.ByStatus[status] = n
		summary.Total += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT spec_name, COUNT(*) FROM jobs GROUP BY spec_name`)
	if err != nil {
		return nil, fmt.Errorf("summarize by spec: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var spec string
		var n int
		if err := rows.Scan(&spec, &n); err != nil {
			return nil, fmt.Errorf("scan spec summary: %w", err)
		}
		summary.BySpec[spec] = n
	}
	return summary, rows.Err()
}

// ReserveJob implements the atomic compare-and-set described in spec.md §5:
// job.status='Pending' AND worker.current_jobs<max_jobs. Both updates
// happen in one transaction so a lost race on either leaves no partial
// state.
func (s *SQLiteStorage) ReserveJob(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, worker_id=?, started_at=? WHERE id=? AND status=?`,
		model.JobStatusRunning, workerID, now, jobID, model.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("reserve job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve job rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx, `UPDATE workers SET current_jobs = current_jobs + 1 WHERE id = ? AND current_jobs < max_jobs`, workerID)
	if err != nil {
		return false, fmt.Errorf("increment worker load: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment worker load rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reserve tx: %w", err)
	}
	return true, nil
}

// --- Queues ---

func (s *SQLiteStorage) CreateQueue(ctx context.Context, q *model.Queue) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO queues
		(id, name, description, priority, strategy, state, is_default, default_max_retries, round_robin_cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Name, q.Description, q.Priority, q.Strategy, q.State, boolToInt(q.IsDefault),
		q.DefaultMaxRetries, q.RoundRobinCursor, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

const queueSelectCols = `SELECT id, name, description, priority, strategy, state, is_default,
	default_max_retries, round_robin_cursor, created_at, updated_at`

func (s *SQLiteStorage) GetQueue(ctx context.Context, id string) (*model.Queue, error) {
	return s.scanQueue(s.db.QueryRowContext(ctx, queueSelectCols+` FROM queues WHERE id = ?`, id))
}

func (s *SQLiteStorage) GetQueueByName(ctx context.Context, name string) (*model.Queue, error) {
	return s.scanQueue(s.db.QueryRowContext(ctx, queueSelectCols+` FROM queues WHERE name = ?`, name))
}

func (s *SQLiteStorage) GetDefaultQueue(ctx context.Context) (*model.Queue, error) {
	return s.scanQueue(s.db.QueryRowContext(ctx, queueSelectCols+` FROM queues WHERE is_default = 1`))
}

func (s *SQLiteStorage) scanQueue(row *sql.Row) (*model.Queue, error) {
	var q model.Queue
	var isDefault int
	err := row.Scan(&q.ID, &q.Name, &q.Description, &q.Priority, &q.Strategy, &q.State, &isDefault,
		&q.DefaultMaxRetries, &q.RoundRobinCursor, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	q.IsDefault = isDefault != 0
	return &q, nil
}

func (s *SQLiteStorage) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	rows, err := s.db.QueryContext(ctx, queueSelectCols+` FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []*model.Queue
	for rows.Next() {
		var q model.Queue
		var isDefault int
		if err := rows.Scan(&q.ID, &q.Name, &q.Description, &q.Priority, &q.Strategy, &q.State, &isDefault,
			&q.DefaultMaxRetries, &q.RoundRobinCursor, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		q.IsDefault = isDefault != 0
		queues = append(queues, &q)
	}
	return queues, rows.Err()
}

func (s *SQLiteStorage) UpdateQueue(ctx context.Context, q *model.Queue) error {
	q.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE queues SET description=?, priority=?, strategy=?, state=?,
		is_default=?, default_max_retries=?, round_robin_cursor=?, updated_at=? WHERE id=?`,
		q.Description, q.Priority, q.Strategy, q.State, boolToInt(q.IsDefault), q.DefaultMaxRetries,
		q.RoundRobinCursor, q.UpdatedAt, q.ID)
	if err != nil {
		return fmt.Errorf("update queue: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) DeleteQueue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) HasPendingJobs(ctx context.Context, queueName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue_name = ? AND status = ?`,
		queueName, model.JobStatusPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending jobs: %w", err)
	}
	return n > 0, nil
}

// --- Workers ---

const workerSelectCols = `SELECT id, name, type, hostname, ip_address, port, ssh_user, ssh_auth_method,
	ssh_key_path, ssh_password, max_jobs, current_jobs, status, state, last_seen, error_message,
	missed_probes, created_at, updated_at`

func (s *SQLiteStorage) CreateWorker(ctx context.Context, w *model.Worker) error {
	sshPassword := w.SSHPassword
	if s.cipher != nil && sshPassword != "" {
		enc, err := s.cipher.Encrypt(sshPassword)
		if err != nil {
			return fmt.Errorf("encrypt ssh password: %w", err)
		}
		sshPassword = enc
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO workers
		(id, name, type, hostname, ip_address, port, ssh_user, ssh_auth_method, ssh_key_path, ssh_password,
		 max_jobs, current_jobs, status, state, last_seen, error_message, missed_probes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Type, w.Hostname, w.IPAddress, w.Port, w.SSHUser, w.SSHAuthMethod, w.SSHKeyPath,
		sshPassword, w.MaxJobs, w.CurrentJobs, w.Status, w.State, w.LastSeen, w.ErrorMessage, w.MissedProbes,
		w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	return s.scanWorker(s.db.QueryRowContext(ctx, workerSelectCols+` FROM workers WHERE id = ?`, id))
}

func (s *SQLiteStorage) GetWorkerByName(ctx context.Context, name string) (*model.Worker, error) {
	return s.scanWorker(s.db.QueryRowContext(ctx, workerSelectCols+` FROM workers WHERE name = ?`, name))
}

func (s *SQLiteStorage) scanWorker(row *sql.Row) (*model.Worker, error) {
	var w model.Worker
	var sshPassword string
	err := row.Scan(&w.ID, &w.Name, &w.Type, &w.Hostname, &w.IPAddress, &w.Port, &w.SSHUser, &w.SSHAuthMethod,
		&w.SSHKeyPath, &sshPassword, &w.MaxJobs, &w.CurrentJobs, &w.Status, &w.State, &w.LastSeen,
		&w.ErrorMessage, &w.MissedProbes, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	if s.cipher != nil && sshPassword != "" {
		dec, err := s.cipher.Decrypt(sshPassword)
		if err == nil {
			sshPassword = dec
		}
	}
	w.SSHPassword = sshPassword
	return &w, nil
}

func (s *SQLiteStorage) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelectCols+` FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		var w model.Worker
		var sshPassword string
		if err := rows.Scan(&w.ID, &w.Name, &w.Type, &w.Hostname, &w.IPAddress, &w.Port, &w.SSHUser,
			&w.SSHAuthMethod, &w.SSHKeyPath, &sshPassword, &w.MaxJobs, &w.CurrentJobs, &w.Status, &w.State,
			&w.LastSeen, &w.ErrorMessage, &w.MissedProbes, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if s.cipher != nil && sshPassword != "" {
			if dec, err := s.cipher.Decrypt(sshPassword); err == nil {
				sshPassword = dec
			}
		}
		w.SSHPassword = sshPassword
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStorage) UpdateWorker(ctx context.Context, w *model.Worker) error {
	w.UpdatedAt = time.Now()
	sshPassword := w.SSHPassword
	if s.cipher != nil && sshPassword != "" && !crypto.IsEncrypted(sshPassword) {
		enc, err := s.cipher.Encrypt(sshPassword)
		if err != nil {
			return fmt.Errorf("encrypt ssh password: %w", err)
		}
		sshPassword = enc
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET hostname=?, ip_address=?, port=?, ssh_user=?,
		ssh_auth_method=?, ssh_key_path=?, ssh_password=?, max_jobs=?, current_jobs=?, status=?, state=?,
		last_seen=?, error_message=?, missed_probes=?, updated_at=? WHERE id=?`,
		w.Hostname, w.IPAddress, w.Port, w.SSHUser, w.SSHAuthMethod, w.SSHKeyPath, sshPassword, w.MaxJobs,
		w.CurrentJobs, w.Status, w.State, w.LastSeen, w.ErrorMessage, w.MissedProbes, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) DeleteWorker(ctx context.Context, id string) error {
	if id == model.SystemWorkerID {
		return fmt.Errorf("%w: the System worker cannot be deleted", ErrConflict)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return requireRowsAffected(res)
}

// --- Queue-worker assignments ---

func (s *SQLiteStorage) AssignWorkerToQueue(ctx context.Context, queueID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO queue_workers (queue_id, worker_id, created_at) VALUES (?, ?, ?)`,
		queueID, workerID, time.Now())
	if err != nil {
		return fmt.Errorf("assign worker to queue: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UnassignWorkerFromQueue(ctx context.Context, queueID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_workers WHERE queue_id = ? AND worker_id = ?`, queueID, workerID)
	if err != nil {
		return fmt.Errorf("unassign worker from queue: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListWorkersForQueue(ctx context.Context, queueID string) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelectCols+` FROM workers WHERE id IN
		(SELECT worker_id FROM queue_workers WHERE queue_id = ?) ORDER BY name`, queueID)
	if err != nil {
		return nil, fmt.Errorf("list workers for queue: %w", err)
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		var w model.Worker
		var sshPassword string
		if err := rows.Scan(&w.ID, &w.Name, &w.Type, &w.Hostname, &w.IPAddress, &w.Port, &w.SSHUser,
			&w.SSHAuthMethod, &w.SSHKeyPath, &sshPassword, &w.MaxJobs, &w.CurrentJobs, &w.Status, &w.State,
			&w.LastSeen, &w.ErrorMessage, &w.MissedProbes, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.SSHPassword = ""
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStorage) ListQueueIDsForWorker(ctx context.Context, workerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue_id FROM queue_workers WHERE worker_id = ?`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list queues for worker: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queue id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
