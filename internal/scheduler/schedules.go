package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"agora/internal/domain"
)

// Schedules is the CRUD surface for recurring-work definitions. Each due
// schedule turns into one job per firing, deduplicated by job key.
type Schedules struct {
	db *sql.DB
}

func NewSchedules(db *sql.DB) *Schedules { return &Schedules{db: db} }

func (r *Schedules) Create(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Priority == 0 {
		s.Priority = 5
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id, name, cron_expr, task_type, payload, priority, max_attempts, enabled, last_run, next_run)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.Name, s.CronExpr, s.TaskType, []byte(s.Payload), s.Priority, s.MaxAttempts, s.Enabled, s.LastRun, s.NextRun.UTC())
	return id, err
}

func (r *Schedules) Get(ctx context.Context, id string) (domain.Schedule, error) {
	return scanSchedule(r.db.QueryRowContext(ctx, scheduleColumns+` FROM schedules WHERE id = ?`, id))
}

func (r *Schedules) List(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Schedules) Update(ctx context.Context, s domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name = ?, cron_expr = ?, task_type = ?, payload = ?, priority = ?, max_attempts = ?, enabled = ?, next_run = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?`,
		s.Name, s.CronExpr, s.TaskType, []byte(s.Payload), s.Priority, s.MaxAttempts, s.Enabled, s.NextRun.UTC(), s.ID)
	return err
}

func (r *Schedules) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (r *Schedules) Due(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, scheduleColumns+`
FROM schedules WHERE enabled = 1 AND next_run <= ? ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Schedules) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run = ?, next_run = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		lastRun.UTC(), nextRun.UTC(), id)
	return err
}

const scheduleColumns = `
SELECT id, name, cron_expr, task_type, payload, priority, max_attempts, enabled, last_run, next_run, created_at, updated_at`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var lastRun sql.NullTime
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &s.Payload, &s.Priority,
		&s.MaxAttempts, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		s.LastRun = &lastRun.Time
	}
	return s, nil
}
