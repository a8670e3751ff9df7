package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"agora/internal/domain"
)

// Service fires due recurring schedules into the job queue. Each firing goes
// through ScheduleTask with the schedule id as job key in preserve_run_at
// mode, so a stalled worker never accumulates duplicate pending runs.
type Service struct {
	schedules *Schedules
	scheduler *Scheduler
	log       zerolog.Logger
	stop      chan struct{}
	interval  time.Duration
}

func NewService(schedules *Schedules, scheduler *Scheduler, log zerolog.Logger, checkInterval time.Duration) *Service {
	return &Service{
		schedules: schedules,
		scheduler: scheduler,
		log:       log.With().Str("component", "schedule_service").Logger(),
		stop:      make(chan struct{}),
		interval:  checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDue(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get due schedules")
		return
	}
	for _, schedule := range due {
		if err := s.fire(ctx, schedule, now); err != nil {
			s.log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to fire schedule")
		}
	}
}

func (s *Service) fire(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		s.log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	job, err := s.scheduler.ScheduleTask(ctx, nil, schedule.TaskType, schedule.Payload, Options{
		Priority:    schedule.Priority,
		MaxAttempts: schedule.MaxAttempts,
		JobKey:      "schedule:" + schedule.ID,
		JobKeyMode:  JobKeyPreserveRunAt,
	})
	if err != nil {
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.schedules.MarkRun(ctx, schedule.ID, now, nextRun); err != nil {
		return err
	}

	s.log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("job_id", job.ID).
		Time("next_run", nextRun).
		Msg("scheduled job enqueued")
	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
