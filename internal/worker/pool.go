// Package worker consumes the durable job queue: a fixed-size pool polls at
// an interval, leases due jobs, and dispatches each by task identifier to a
// registered typed handler.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"agora/internal/dispatch"
	"agora/internal/domain"
	"agora/internal/scheduler"
)

// Pool runs jobs concurrently up to its size. Handlers are the same typed
// event handlers the dispatcher uses, keyed by task identifier, so every
// task input is schema-validated before its body runs.
type Pool struct {
	queue     *scheduler.Queue
	tasks     dispatch.EventHandlers
	log       zerolog.Logger
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
}

func NewPool(queue *scheduler.Queue, tasks dispatch.EventHandlers, log zerolog.Logger, size int, pollEvery time.Duration) *Pool {
	return &Pool{
		queue:     queue,
		tasks:     tasks,
		log:       log.With().Str("component", "worker_pool").Logger(),
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.drainDue(ctx, now)
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) drainDue(ctx context.Context, now time.Time) {
	for {
		job, lease, err := p.queue.LeaseNext(ctx, now)
		if errors.Is(err, scheduler.ErrEmpty) {
			return
		}
		if err != nil {
			p.log.Error().Err(err).Msg("lease failed")
			return
		}
		p.sem <- struct{}{}
		go func(j domain.Job, until time.Time) {
			defer func() { <-p.sem }()
			p.execute(ctx, j, until)
		}(job, lease.Until)
	}
}

func (p *Pool) execute(ctx context.Context, j domain.Job, leaseUntil time.Time) {
	c, cancel := context.WithDeadline(ctx, leaseUntil)
	defer cancel()

	_, err := dispatch.HandleEvent(c, p.tasks, j.ID, domain.EventName(j.TaskIdentifier), j.Payload)
	if err != nil {
		var invalid *domain.InvalidInputError
		if errors.As(err, &invalid) {
			// Bad payload or unregistered task: retrying cannot help.
			p.log.Error().Err(err).Str("job_id", j.ID).Str("task", j.TaskIdentifier).Msg("job failed terminally")
			_ = p.queue.Fail(ctx, j.ID, err.Error())
			return
		}
		next := backoffExp(j.Attempts)
		p.log.Warn().Err(err).Str("job_id", j.ID).Dur("backoff", next).Msg("job failed, retrying")
		_ = p.queue.Retry(ctx, j.ID, err.Error(), next)
		return
	}
	_ = p.queue.Succeed(ctx, j.ID)
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
