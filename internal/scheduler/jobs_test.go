package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/store"
)

func testDB(t *testing.T) *Scheduler {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return New(db, zerolog.Nop(), false, 5)
}

func pendingCount(t *testing.T, s *Scheduler, jobKey string) int {
	t.Helper()
	var n int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE job_key = ? AND state IN ('queued','running')`, jobKey)
	require.NoError(t, row.Scan(&n))
	return n
}

func TestScheduleTaskDefaults(t *testing.T) {
	s := testDB(t)

	job, err := s.ScheduleTask(context.Background(), nil, "emails.send", map[string]any{"to": "a@b.c"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "emails.send", job.TaskIdentifier)
	assert.Equal(t, "queued", job.State)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Nil(t, job.JobKey)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.RunAt.IsZero(), "run_at defaults to now")
}

func TestScheduleTaskStampsCallerClock(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	s := New(db, zerolog.Nop(), true, 5)

	before := time.Now().UTC().Add(-time.Second)
	job, err := s.ScheduleTask(context.Background(), nil, "emails.send", nil, Options{})
	require.NoError(t, err)
	assert.True(t, job.RunAt.After(before))
}

func TestScheduleTaskJobKeyReplace(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	first, err := s.ScheduleTask(ctx, nil, "contest.rollover", map[string]any{"contest": "0xaa"}, Options{
		JobKey:     "contest:0xaa",
		RunAt:      time.Now().UTC().Add(time.Hour),
		JobKeyMode: JobKeyReplace,
	})
	require.NoError(t, err)

	laterRunAt := time.Now().UTC().Add(2 * time.Hour)
	second, err := s.ScheduleTask(ctx, nil, "contest.rollover", map[string]any{"contest": "0xaa"}, Options{
		JobKey:     "contest:0xaa",
		RunAt:      laterRunAt,
		Priority:   9,
		JobKeyMode: JobKeyReplace,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "pending job is updated, not duplicated")
	assert.Equal(t, 9, second.Priority)
	assert.WithinDuration(t, laterRunAt, second.RunAt, time.Second)
	assert.Equal(t, 1, pendingCount(t, s, "contest:0xaa"))
}

func TestScheduleTaskJobKeyPreserveRunAt(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	original := time.Now().UTC().Add(time.Hour)
	first, err := s.ScheduleTask(ctx, nil, "contest.rollover", nil, Options{
		JobKey:     "contest:0xbb",
		RunAt:      original,
		JobKeyMode: JobKeyPreserveRunAt,
	})
	require.NoError(t, err)

	second, err := s.ScheduleTask(ctx, nil, "contest.rollover", nil, Options{
		JobKey:     "contest:0xbb",
		RunAt:      time.Now().UTC().Add(10 * time.Hour),
		Priority:   7,
		JobKeyMode: JobKeyPreserveRunAt,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 7, second.Priority, "non-schedule fields are rewritten")
	assert.WithinDuration(t, original, second.RunAt, time.Second, "run_at is preserved")
}

func TestScheduleTaskJobKeyUnsafeDedupe(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	first, err := s.ScheduleTask(ctx, nil, "emails.digest", map[string]any{"v": 1}, Options{
		JobKey:     "digest:u1",
		JobKeyMode: JobKeyUnsafeDedupe,
	})
	require.NoError(t, err)

	second, err := s.ScheduleTask(ctx, nil, "emails.digest", map[string]any{"v": 2}, Options{
		JobKey:     "digest:u1",
		Priority:   9,
		JobKeyMode: JobKeyUnsafeDedupe,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Priority, second.Priority, "existing job untouched")
	assert.JSONEq(t, `{"v":1}`, string(second.Payload))
}

func TestScheduleTaskJobKeyConcurrentCallers(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ScheduleTask(ctx, nil, "emails.digest", nil, Options{
				JobKey:     "digest:contended",
				JobKeyMode: JobKeyReplace,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, pendingCount(t, s, "digest:contended"), 1)
}

func TestScheduleTaskInsideTransaction(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = s.ScheduleTask(ctx, tx, "emails.send", nil, Options{JobKey: "tx:1"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 0, pendingCount(t, s, "tx:1"), "rolled-back schedule leaves no job")

	tx, err = s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = s.ScheduleTask(ctx, tx, "emails.send", nil, Options{JobKey: "tx:2"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, pendingCount(t, s, "tx:2"))
}

func TestRescheduleJobsOnlyTouchesPending(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	q := NewQueue(s.db)

	a, err := s.ScheduleTask(ctx, nil, "t", nil, Options{})
	require.NoError(t, err)
	b, err := s.ScheduleTask(ctx, nil, "t", nil, Options{})
	require.NoError(t, err)

	// Lease one of them so it's running.
	leased, _, err := q.LeaseNext(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	newRunAt := time.Now().UTC().Add(time.Hour)
	prio := 8
	n, err := s.RescheduleJobs(ctx, nil, []string{a.ID, b.ID}, RescheduleOptions{
		RunAt:    &newRunAt,
		Priority: &prio,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the running job is not rescheduled")
	assert.NotEqual(t, leased.ID, "", "sanity")
}

func TestRemoveJob(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	q := NewQueue(s.db)

	job, err := s.ScheduleTask(ctx, nil, "t", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, s.RemoveJob(ctx, nil, job.ID))

	// Canceled jobs are never leased.
	_, _, err = q.LeaseNext(ctx, time.Now().UTC().Add(time.Minute))
	assert.ErrorIs(t, err, ErrEmpty)

	// A job a worker already picked up cannot be removed.
	job2, err := s.ScheduleTask(ctx, nil, "t", nil, Options{})
	require.NoError(t, err)
	_, _, err = q.LeaseNext(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, s.RemoveJob(ctx, nil, job2.ID), ErrNotPending)
}

func TestLeaseNextPriorityOrder(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()
	q := NewQueue(s.db)

	_, err := s.ScheduleTask(ctx, nil, "low", nil, Options{Priority: 1})
	require.NoError(t, err)
	_, err = s.ScheduleTask(ctx, nil, "high", nil, Options{Priority: 9})
	require.NoError(t, err)

	job, _, err := q.LeaseNext(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "high", job.TaskIdentifier)
}
