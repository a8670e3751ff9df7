package community

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agora/internal/chain/evm"
	"agora/internal/dispatch"
	"agora/internal/domain"
	"agora/internal/scheduler"
)

// TaskContestRollover is the worker task the contest policy schedules.
const TaskContestRollover = "contests.rollover"

// Policies are the event handlers this package subscribes to outbox drain.
// Every handler is an upsert keyed by a natural business key, so at-least-
// once delivery is safe.
type Policies struct {
	db    *sql.DB
	log   zerolog.Logger
	evm   *evm.Registry
	sched *scheduler.Scheduler
}

func NewPolicies(db *sql.DB, log zerolog.Logger, evmRegistry *evm.Registry, sched *scheduler.Scheduler) *Policies {
	return &Policies{
		db:    db,
		log:   log.With().Str("component", "community_policies").Logger(),
		evm:   evmRegistry,
		sched: sched,
	}
}

// OnCommunityJoined seeds a referral record (with a zero received amount)
// when a member joined through a referral link.
func (p *Policies) OnCommunityJoined() dispatch.EventHandler {
	return dispatch.NewEventHandler(func(ctx context.Context, ev dispatch.EventContext[domain.CommunityJoinedPayload]) (any, error) {
		if ev.Payload.ReferrerAddress == nil {
			return nil, nil
		}
		_, err := p.db.ExecContext(ctx, `
INSERT INTO referrals (referrer_address, referee_address, referrer_received_eth_amount)
VALUES (?, ?, 0)
ON CONFLICT(referrer_address, referee_address) DO NOTHING`,
			*ev.Payload.ReferrerAddress, ev.Payload.RefereeAddress)
		return nil, err
	})
}

// OnReferralSet attaches on-chain provenance to the referral record,
// updating the existing row in place when the join already seeded it.
func (p *Policies) OnReferralSet() dispatch.EventHandler {
	return dispatch.NewEventHandler(func(ctx context.Context, ev dispatch.EventContext[domain.ReferralSetPayload]) (any, error) {
		return nil, p.applyReferralSet(ctx, ev.Payload)
	})
}

func (p *Policies) applyReferralSet(ctx context.Context, payload domain.ReferralSetPayload) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO referrals (eth_chain_id, transaction_hash, namespace_address, referrer_address, referee_address, referrer_received_eth_amount)
VALUES (?, ?, ?, ?, ?, 0)
ON CONFLICT(referrer_address, referee_address) DO UPDATE SET
  eth_chain_id = excluded.eth_chain_id,
  transaction_hash = excluded.transaction_hash,
  namespace_address = excluded.namespace_address,
  updated_at = CURRENT_TIMESTAMP`,
		payload.EthChainID, payload.TransactionHash, payload.NamespaceAddress,
		payload.Referrer, payload.Referee)
	return err
}

// OnChainEventCreated re-runs the EVM mapper over the recorded raw log and
// applies whatever domain event it yields. Unsupported logs are skipped, not
// failed: the chain listener records more than the policies consume.
func (p *Policies) OnChainEventCreated() dispatch.EventHandler {
	return dispatch.NewEventHandler(func(ctx context.Context, ev dispatch.EventContext[domain.ChainEventCreatedPayload]) (any, error) {
		var raw evm.Event
		if err := json.Unmarshal(ev.Payload.Raw, &raw); err != nil {
			return nil, fmt.Errorf("decode raw chain event: %w", err)
		}
		mapped := p.evm.Map(raw)
		if mapped == nil {
			return nil, nil
		}
		switch mapped.Name {
		case domain.EventReferralSet:
			var payload domain.ReferralSetPayload
			if err := json.Unmarshal(mapped.Payload, &payload); err != nil {
				return nil, err
			}
			return nil, p.applyReferralSet(ctx, payload)
		case domain.EventOneOffContestStarted, domain.EventRecurringContestStarted:
			var payload domain.ContestStartedPayload
			if err := json.Unmarshal(mapped.Payload, &payload); err != nil {
				return nil, err
			}
			return nil, p.scheduleContestRollover(ctx, payload, mapped.Name == domain.EventRecurringContestStarted)
		default:
			p.log.Debug().Str("event_name", string(mapped.Name)).Msg("no policy action for mapped chain event")
			return nil, nil
		}
	})
}

// RolloverIn is the contest rollover task payload. The policy that schedules
// it fills in everything a future attempt needs, so the task never has to
// look the contest back up on chain.
type RolloverIn struct {
	ContestAddress  string `json:"contest_address" validate:"required"`
	EthChainID      int64  `json:"eth_chain_id" validate:"required"`
	IntervalSeconds int64  `json:"interval_seconds" validate:"required,gt=0"`
	Recurring       bool   `json:"recurring"`
}

// scheduleContestRollover books the end-of-contest job, keyed by contest
// address so replays never double-book it.
func (p *Policies) scheduleContestRollover(ctx context.Context, payload domain.ContestStartedPayload, recurring bool) error {
	runAt := payload.StartTime.Add(time.Duration(payload.IntervalSeconds) * time.Second)
	flags := []string(nil)
	if recurring {
		flags = []string{"recurring"}
	}
	_, err := p.sched.ScheduleTask(ctx, nil, TaskContestRollover, RolloverIn{
		ContestAddress:  payload.ContestAddress,
		EthChainID:      payload.EthChainID,
		IntervalSeconds: payload.IntervalSeconds,
		Recurring:       recurring,
	}, scheduler.Options{
		RunAt:      runAt,
		JobKey:     rolloverKey(payload.ContestAddress, runAt),
		JobKeyMode: scheduler.JobKeyPreserveRunAt,
		Flags:      flags,
	})
	return err
}

// rolloverKey keys a rollover job by contest and window end, so replays of the
// same window deduplicate while successive windows never collide, including
// with the still-running job that books the next one.
func rolloverKey(contestAddress string, windowEnd time.Time) string {
	return fmt.Sprintf("contest:%s:%d", contestAddress, windowEnd.Unix())
}

// ContestRollover closes out the elapsed contest window. Recurring contests
// book their own next rollover, keyed by the same contest address.
func (p *Policies) ContestRollover() dispatch.EventHandler {
	return dispatch.NewEventHandler(func(ctx context.Context, ev dispatch.EventContext[RolloverIn]) (any, error) {
		p.log.Info().
			Str("contest_address", ev.Payload.ContestAddress).
			Int64("eth_chain_id", ev.Payload.EthChainID).
			Bool("recurring", ev.Payload.Recurring).
			Msg("contest window rolled over")
		if !ev.Payload.Recurring {
			return nil, nil
		}
		next := time.Now().UTC().Add(time.Duration(ev.Payload.IntervalSeconds) * time.Second)
		_, err := p.sched.ScheduleTask(ctx, nil, TaskContestRollover, ev.Payload, scheduler.Options{
			RunAt:      next,
			JobKey:     rolloverKey(ev.Payload.ContestAddress, next),
			JobKeyMode: scheduler.JobKeyPreserveRunAt,
			Flags:      []string{"recurring"},
		})
		return nil, err
	})
}
