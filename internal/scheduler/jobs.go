// Package scheduler provides idempotent, key-deduplicated job scheduling
// against a durable queue, plus the cron service that turns recurring
// schedules into jobs.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agora/internal/domain"
	"agora/internal/store"
)

var ErrNotPending = errors.New("job is not pending")

// JobKeyMode selects what happens when a pending job already exists for the
// requested job key.
type JobKeyMode string

const (
	// JobKeyReplace rewrites the pending job's payload and schedule.
	JobKeyReplace JobKeyMode = "replace"
	// JobKeyPreserveRunAt rewrites everything except run_at.
	JobKeyPreserveRunAt JobKeyMode = "preserve_run_at"
	// JobKeyUnsafeDedupe leaves the pending job untouched.
	JobKeyUnsafeDedupe JobKeyMode = "unsafe_dedupe"
)

// EnsureSchema creates the job tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  task_identifier TEXT NOT NULL,
  queue_name TEXT,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  lease_seconds INTEGER NOT NULL DEFAULT 60,
  job_key TEXT,
  flags TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(state, run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_key_pending ON jobs(job_key)
  WHERE job_key IS NOT NULL AND state IN ('queued','running');
CREATE TABLE IF NOT EXISTS job_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Options parameterize one ScheduleTask call. The zero value means: default
// queue, run as soon as possible, default attempts and priority, no
// deduplication key.
type Options struct {
	QueueName   string
	RunAt       time.Time
	MaxAttempts int
	JobKey      string
	Priority    int
	Flags       []string
	JobKeyMode  JobKeyMode
}

// RescheduleOptions carries the fields RescheduleJobs overwrites; nil fields
// are left untouched.
type RescheduleOptions struct {
	RunAt       *time.Time
	Priority    *int
	Attempts    *int
	MaxAttempts *int
}

type Scheduler struct {
	db  *sql.DB
	log zerolog.Logger
	// stampRunAt stamps the caller's clock as an explicit "now" instead of
	// deferring to the queue's clock, avoiding skew between the two.
	stampRunAt  bool
	maxAttempts int
}

func New(db *sql.DB, log zerolog.Logger, stampRunAt bool, defaultMaxAttempts int) *Scheduler {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 5
	}
	return &Scheduler{
		db:          db,
		log:         log.With().Str("component", "scheduler").Logger(),
		stampRunAt:  stampRunAt,
		maxAttempts: defaultMaxAttempts,
	}
}

func (s *Scheduler) handle(tx store.DBTX) store.DBTX {
	if tx != nil {
		return tx
	}
	return s.db
}

// ScheduleTask inserts or updates a durable job row in one atomic statement
// and returns the resulting job annotated with the task identifier. Pass the
// business write's transaction so both commit together; pass nil to run
// standalone. At most one pending job exists per non-empty JobKey; Options.
// JobKeyMode picks the conflict behavior.
func (s *Scheduler) ScheduleTask(ctx context.Context, tx store.DBTX, name string, payload any, opts Options) (domain.Job, error) {
	h := s.handle(tx)

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = s.maxAttempts
	}
	var runAt any
	if !opts.RunAt.IsZero() {
		runAt = opts.RunAt.UTC()
	} else if s.stampRunAt {
		runAt = time.Now().UTC()
	}
	var flags any
	if len(opts.Flags) > 0 {
		b, err := json.Marshal(opts.Flags)
		if err != nil {
			return domain.Job{}, fmt.Errorf("encode flags: %w", err)
		}
		flags = string(b)
	}
	var queueName any
	if opts.QueueName != "" {
		queueName = opts.QueueName
	}

	if opts.JobKey == "" {
		id := "job_" + uuid.NewString()
		_, err := h.ExecContext(ctx, `
INSERT INTO jobs (id, task_identifier, queue_name, payload, priority, state, attempts, max_attempts, run_at, job_key, flags)
VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, COALESCE(?, CURRENT_TIMESTAMP), NULL, ?)`,
			id, name, queueName, raw, opts.Priority, opts.MaxAttempts, runAt, flags)
		if err != nil {
			return domain.Job{}, err
		}
		return s.getJob(ctx, h, id)
	}

	mode := opts.JobKeyMode
	if mode == "" {
		mode = JobKeyReplace
	}
	var conflict string
	switch mode {
	case JobKeyReplace:
		conflict = `DO UPDATE SET
  task_identifier = excluded.task_identifier,
  queue_name = excluded.queue_name,
  payload = excluded.payload,
  priority = excluded.priority,
  max_attempts = excluded.max_attempts,
  run_at = excluded.run_at,
  flags = excluded.flags,
  attempts = 0,
  updated_at = CURRENT_TIMESTAMP`
	case JobKeyPreserveRunAt:
		conflict = `DO UPDATE SET
  task_identifier = excluded.task_identifier,
  queue_name = excluded.queue_name,
  payload = excluded.payload,
  priority = excluded.priority,
  max_attempts = excluded.max_attempts,
  flags = excluded.flags,
  attempts = 0,
  updated_at = CURRENT_TIMESTAMP`
	case JobKeyUnsafeDedupe:
		conflict = `DO NOTHING`
	default:
		return domain.Job{}, fmt.Errorf("unknown job key mode %q", mode)
	}

	id := "job_" + uuid.NewString()
	query := fmt.Sprintf(`
INSERT INTO jobs (id, task_identifier, queue_name, payload, priority, state, attempts, max_attempts, run_at, job_key, flags)
VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, COALESCE(?, CURRENT_TIMESTAMP), ?, ?)
ON CONFLICT (job_key) WHERE job_key IS NOT NULL AND state IN ('queued','running') %s`, conflict)
	if _, err := h.ExecContext(ctx, query,
		id, name, queueName, raw, opts.Priority, opts.MaxAttempts, runAt, opts.JobKey, flags); err != nil {
		return domain.Job{}, err
	}

	row := h.QueryRowContext(ctx, jobColumns+`
FROM jobs WHERE job_key = ? AND state IN ('queued','running')`, opts.JobKey)
	return scanJob(row)
}

// RescheduleJobs atomically updates schedule fields for a batch of pending
// jobs and reports how many were touched. Jobs already leased by a worker
// are left alone.
func (s *Scheduler) RescheduleJobs(ctx context.Context, tx store.DBTX, jobIDs []string, opts RescheduleOptions) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	h := s.handle(tx)

	placeholders := strings.Repeat("?,", len(jobIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(jobIDs)+4)
	var runAt any
	if opts.RunAt != nil {
		runAt = opts.RunAt.UTC()
	}
	args = append(args, runAt, ptrArg(opts.Priority), ptrArg(opts.Attempts), ptrArg(opts.MaxAttempts))
	for _, id := range jobIDs {
		args = append(args, id)
	}

	res, err := h.ExecContext(ctx, fmt.Sprintf(`
UPDATE jobs SET
  run_at = COALESCE(?, run_at),
  priority = COALESCE(?, priority),
  attempts = COALESCE(?, attempts),
  max_attempts = COALESCE(?, max_attempts),
  updated_at = CURRENT_TIMESTAMP
WHERE id IN (%s) AND state = 'queued'`, placeholders), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RemoveJob atomically cancels a pending job. A job a worker has already
// picked up reports ErrNotPending.
func (s *Scheduler) RemoveJob(ctx context.Context, tx store.DBTX, jobID string) error {
	h := s.handle(tx)
	res, err := h.ExecContext(ctx, `
UPDATE jobs SET state = 'canceled', updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND state = 'queued'`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

const jobColumns = `
SELECT id, task_identifier, queue_name, payload, priority, state, attempts, max_attempts, run_at, job_key, flags, created_at, updated_at`

// Job looks up a job by id, in any state.
func (s *Scheduler) Job(ctx context.Context, id string) (domain.Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Scheduler) getJob(ctx context.Context, h store.DBTX, id string) (domain.Job, error) {
	return scanJob(h.QueryRowContext(ctx, jobColumns+` FROM jobs WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var queueName, jobKey, flags sql.NullString
	if err := row.Scan(&j.ID, &j.TaskIdentifier, &queueName, &j.Payload, &j.Priority, &j.State,
		&j.Attempts, &j.MaxAttempts, &j.RunAt, &jobKey, &flags, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if queueName.Valid {
		j.QueueName = queueName.String
	}
	if jobKey.Valid {
		k := jobKey.String
		j.JobKey = &k
	}
	if flags.Valid && flags.String != "" {
		if err := json.Unmarshal([]byte(flags.String), &j.Flags); err != nil {
			return domain.Job{}, fmt.Errorf("decode flags: %w", err)
		}
	}
	return j, nil
}

func ptrArg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
