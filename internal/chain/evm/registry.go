// Package evm turns raw ABI-encoded EVM logs into typed domain events
// through a dispatch table keyed by (contract family, event signature).
// Chain data is noisy, adversarial input: unknown signatures and decode
// failures drop the event with a log line and never raise.
package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"agora/internal/domain"
)

// DecodedLog holds the ABI-decoded arguments of one log, indexed and
// non-indexed merged by argument name.
type DecodedLog struct {
	Name string
	Args map[string]any
}

// Mapper shapes one decoded log into a domain event. Returning (nil, nil)
// skips the event.
type Mapper func(ev Event, decoded DecodedLog) (*domain.Event, error)

type tableKey struct {
	family ContractFamily
	topic  common.Hash
}

type tableEntry struct {
	eventName string
	fn        Mapper
}

type Registry struct {
	log     zerolog.Logger
	abis    map[ContractFamily]abi.ABI
	mappers map[tableKey]tableEntry
}

// NewRegistry builds the dispatch table with every supported mapper
// registered. The table is closed after startup.
func NewRegistry(log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		log:     log.With().Str("component", "evm_mapper").Logger(),
		abis:    make(map[ContractFamily]abi.ABI),
		mappers: make(map[tableKey]tableEntry),
	}
	for family, raw := range map[ContractFamily]string{
		FamilyReferrals: referralsABI,
		FamilyContests:  contestsABI,
		FamilyLaunchpad: launchpadABI,
	} {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s abi: %w", family, err)
		}
		r.abis[family] = parsed
	}
	if err := registerDefaults(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register binds a mapper to the signature of the named ABI event.
func (r *Registry) Register(family ContractFamily, abiEventName string, fn Mapper) error {
	a, ok := r.abis[family]
	if !ok {
		return fmt.Errorf("unknown contract family %q", family)
	}
	ev, ok := a.Events[abiEventName]
	if !ok {
		return fmt.Errorf("abi for %q has no event %q", family, abiEventName)
	}
	r.mappers[tableKey{family: family, topic: ev.ID}] = tableEntry{eventName: abiEventName, fn: fn}
	return nil
}

// Signature returns the 0x-prefixed topic0 hash for a registered ABI event,
// for use by ingestion collaborators and tests.
func (r *Registry) Signature(family ContractFamily, abiEventName string) (string, bool) {
	a, ok := r.abis[family]
	if !ok {
		return "", false
	}
	ev, ok := a.Events[abiEventName]
	if !ok {
		return "", false
	}
	return ev.ID.Hex(), true
}

// Map decodes and dispatches one raw event. Unsupported signatures and
// malformed logs return nil; they are logged, never raised.
func (r *Registry) Map(ev Event) *domain.Event {
	k := tableKey{
		family: ev.EventSource.ContractFamily,
		topic:  common.HexToHash(ev.EventSource.EventSignature),
	}
	entry, ok := r.mappers[k]
	if !ok {
		r.log.Debug().
			Str("contract_family", string(k.family)).
			Str("event_signature", ev.EventSource.EventSignature).
			Msg("no mapper for signature, skipping")
		return nil
	}
	decoded, err := r.decode(k.family, entry.eventName, ev.RawLog)
	if err != nil {
		r.log.Warn().Err(err).
			Str("event_signature", ev.EventSource.EventSignature).
			Str("transaction_hash", ev.RawLog.TransactionHash).
			Msg("failed to decode log, skipping")
		return nil
	}
	out, err := entry.fn(ev, decoded)
	if err != nil {
		r.log.Warn().Err(err).
			Str("event_signature", ev.EventSource.EventSignature).
			Msg("mapper rejected log, skipping")
		return nil
	}
	return out
}

// MapBatch maps a list of raw events, dropping the ones that do not decode.
func (r *Registry) MapBatch(events []Event) []domain.Event {
	out := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if mapped := r.Map(ev); mapped != nil {
			out = append(out, *mapped)
		}
	}
	return out
}

func (r *Registry) decode(family ContractFamily, name string, raw RawLog) (DecodedLog, error) {
	a := r.abis[family]
	args := make(map[string]any)

	data := common.FromHex(raw.Data)
	if len(data) > 0 {
		if err := a.UnpackIntoMap(args, name, data); err != nil {
			return DecodedLog{}, fmt.Errorf("unpack data: %w", err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range a.Events[name].Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(raw.Topics) < len(indexed)+1 {
			return DecodedLog{}, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(raw.Topics))
		}
		topics := make([]common.Hash, 0, len(raw.Topics)-1)
		for _, t := range raw.Topics[1:] {
			topics = append(topics, common.HexToHash(t))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, topics); err != nil {
			return DecodedLog{}, fmt.Errorf("parse topics: %w", err)
		}
	}
	return DecodedLog{Name: name, Args: args}, nil
}
