package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agora/internal/domain"
)

var ErrEmpty = errors.New("no jobs ready")

// Queue is the worker-facing side of the job table: leasing, completion,
// retry with backoff, and stale-lease recovery.
type Queue struct {
	db *sql.DB
}

func NewQueue(db *sql.DB) *Queue { return &Queue{db: db} }

type Lease struct{ Until time.Time }

// LeaseNext atomically claims the highest-priority due job. The serializable
// transaction is what makes reschedule/remove race-free against a
// concurrently-polling worker: both sides only touch 'queued' rows.
func (q *Queue) LeaseNext(ctx context.Context, now time.Time) (domain.Job, Lease, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, jobColumns+`, lease_seconds
FROM jobs
WHERE state = 'queued' AND run_at <= ?
ORDER BY priority DESC, run_at ASC, id ASC
LIMIT 1`, now.UTC())

	var j domain.Job
	var queueName, jobKey, flags sql.NullString
	var leaseSeconds int
	err = row.Scan(&j.ID, &j.TaskIdentifier, &queueName, &j.Payload, &j.Priority, &j.State,
		&j.Attempts, &j.MaxAttempts, &j.RunAt, &jobKey, &flags, &j.CreatedAt, &j.UpdatedAt, &leaseSeconds)
	if err == sql.ErrNoRows {
		err = nil
		_ = tx.Rollback()
		return domain.Job{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, Lease{}, err
	}
	if queueName.Valid {
		j.QueueName = queueName.String
	}
	if jobKey.Valid {
		k := jobKey.String
		j.JobKey = &k
	}
	if flags.Valid && flags.String != "" {
		if err = json.Unmarshal([]byte(flags.String), &j.Flags); err != nil {
			return domain.Job{}, Lease{}, fmt.Errorf("decode flags: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'running', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, j.ID); err != nil {
		return domain.Job{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, Lease{}, err
	}
	j.State = domain.JobRunning
	return j, Lease{Until: now.Add(time.Duration(leaseSeconds) * time.Second)}, nil
}

// Retry records a failed attempt and either requeues with a delay or, once
// attempts reach max_attempts, fails the job terminally.
func (q *Queue) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO job_attempts(job_id, success, error, finished_at) VALUES (?, 0, ?, CURRENT_TIMESTAMP);
UPDATE jobs
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    run_at = datetime(CURRENT_TIMESTAMP, '+%d seconds'),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;`, int(delay.Seconds())), id, errStr, id)
	return err
}

func (q *Queue) Succeed(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, success, error, finished_at) VALUES (?, 1, '', CURRENT_TIMESTAMP);
UPDATE jobs SET state = 'succeeded', updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id, id)
	return err
}

// Fail terminally fails a job regardless of remaining attempts, surfacing it
// for operator attention.
func (q *Queue) Fail(ctx context.Context, id, errStr string) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, success, error, finished_at) VALUES (?, 0, ?, CURRENT_TIMESTAMP);
UPDATE jobs SET state = 'failed', updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id, errStr, id)
	return err
}

// RecoverStale requeues running jobs whose lease expired, e.g. after a crash.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET state = 'queued', run_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
WHERE state = 'running' AND strftime('%s','now') - strftime('%s',updated_at) > lease_seconds;`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
