// Package chain receives raw event batches from the log-ingestion
// collaborator and records them as outbox rows, transactionally.
package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"agora/internal/chain/evm"
	"agora/internal/chain/solana"
	"agora/internal/domain"
	"agora/internal/outbox"
)

type Ingestor struct {
	db     *sql.DB
	log    zerolog.Logger
	evm    *evm.Registry
	solana *solana.Registry
}

func NewIngestor(db *sql.DB, log zerolog.Logger, evmRegistry *evm.Registry, solanaRegistry *solana.Registry) *Ingestor {
	return &Ingestor{
		db:     db,
		log:    log.With().Str("component", "chain_ingestor").Logger(),
		evm:    evmRegistry,
		solana: solanaRegistry,
	}
}

// IngestEVM records one ChainEventCreated outbox row per supported raw log,
// in a single transaction. The mapper decides support; unsupported logs are
// skipped with a log line. Policies re-map the stored raw log on drain.
func (i *Ingestor) IngestEVM(ctx context.Context, events []evm.Event) (int, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	recorded := 0
	for _, ev := range events {
		if mapped := i.evm.Map(ev); mapped == nil {
			continue
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode raw event: %w", err)
		}
		out, err := domain.NewEvent(domain.EventChainEventCreated, domain.ChainEventCreatedPayload{
			EthChainID:     ev.EventSource.EthChainID,
			EventSignature: ev.EventSource.EventSignature,
			Raw:            raw,
		})
		if err != nil {
			return 0, err
		}
		if err := outbox.Emit(ctx, tx, out); err != nil {
			return 0, err
		}
		recorded++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	i.log.Info().Int("received", len(events)).Int("recorded", recorded).Msg("evm batch ingested")
	return recorded, nil
}

// IngestSolana maps a raw batch and records the resulting domain events
// directly; undecodable events are dropped by the mapper, never aborting
// the batch.
func (i *Ingestor) IngestSolana(ctx context.Context, events []solana.Event) (int, error) {
	mapped := i.solana.MapBatch(events)
	if len(mapped) == 0 {
		return 0, nil
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := outbox.Emit(ctx, tx, mapped...); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	i.log.Info().Int("received", len(events)).Int("recorded", len(mapped)).Msg("solana batch ingested")
	return len(mapped), nil
}
