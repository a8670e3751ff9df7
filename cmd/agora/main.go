package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agora/internal/api"
	"agora/internal/chain"
	"agora/internal/chain/evm"
	"agora/internal/chain/solana"
	"agora/internal/community"
	"agora/internal/config"
	"agora/internal/dispatch"
	"agora/internal/domain"
	"agora/internal/outbox"
	"agora/internal/scheduler"
	"agora/internal/store"
	"agora/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	addr := flag.String("addr", cfg.HTTPAddr, "HTTP bind address")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite DB path")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	for _, ensure := range []func(*sql.DB) error{
		outbox.EnsureSchema, scheduler.EnsureSchema, community.EnsureSchema,
	} {
		if err := ensure(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
	}

	evmRegistry, err := evm.NewRegistry(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("build evm registry")
	}
	solanaRegistry := solana.NewRegistry(log.Logger)

	sched := scheduler.New(db, log.Logger, cfg.StampRunAt, cfg.DefaultMaxAttempts)
	queue := scheduler.NewQueue(db)
	schedules := scheduler.NewSchedules(db)

	communitySvc := community.NewService(db, log.Logger)
	policies := community.NewPolicies(db, log.Logger, evmRegistry, sched)
	ingestor := chain.NewIngestor(db, log.Logger, evmRegistry, solanaRegistry)

	drainer := outbox.NewDrainer(db, log.Logger)
	drainer.Subscribe(domain.EventCommunityJoined, policies.OnCommunityJoined())
	drainer.Subscribe(domain.EventReferralSet, policies.OnReferralSet())
	drainer.Subscribe(domain.EventChainEventCreated, policies.OnChainEventCreated())

	tasks := dispatch.EventHandlers{
		community.TaskContestRollover: policies.ContestRollover(),
		worker.TaskWebhook:            worker.NewWebhookTask(nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := queue.RecoverStale(ctx); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}

	pool := worker.NewPool(queue, tasks, log.Logger, cfg.WorkerCount, cfg.PollInterval)
	go pool.Run(ctx)

	scheduleService := scheduler.NewService(schedules, sched, log.Logger, cfg.ScheduleCheckInterval)
	go scheduleService.Start(ctx)

	go drainLoop(ctx, drainer, cfg.DrainInterval)
	go recoverLoop(ctx, queue, cfg.StaleRecoveryInterval)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(communitySvc, ingestor, sched, schedules)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// drainLoop relays pending outbox rows to their policies at a fixed interval.
// A failing row halts that pass; the next tick resumes from it.
func drainLoop(ctx context.Context, drainer *outbox.Drainer, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := drainer.Drain(ctx, time.Time{}); err != nil {
				log.Warn().Err(err).Msg("outbox drain halted")
			}
		}
	}
}

func recoverLoop(ctx context.Context, queue *scheduler.Queue, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := queue.RecoverStale(ctx); err != nil {
				log.Warn().Err(err).Msg("stale recovery failed")
			} else if n > 0 {
				log.Info().Int("recovered", n).Msg("recovered stale running jobs")
			}
		}
	}
}
