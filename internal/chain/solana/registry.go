// Package solana turns Anchor program logs into typed domain events. Raw
// transaction logs are plain text, so extraction is best effort; every
// failure path drops the event with a log line and never raises, because
// transaction logs routinely contain unrelated inner-program events.
package solana

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agora/internal/domain"
)

// LaunchpadProgramID is the community launchpad program this deployment
// listens to.
const LaunchpadProgramID = "LPadXk3vH9WqAqGdYrLbCJMRSoSYgzpKHr87pKjZDcm"

var launchpadIDL = IDL{
	Name: "launchpad",
	Events: []IdlEvent{
		{
			Name: "TradeEvent",
			Fields: []IdlField{
				{Name: "trader", Type: "publicKey"},
				{Name: "mint", Type: "publicKey"},
				{Name: "isBuy", Type: "bool"},
				{Name: "tokenAmount", Type: "u64"},
			},
		},
		{
			Name: "TokenCreated",
			Fields: []IdlField{
				{Name: "mint", Type: "publicKey"},
				{Name: "name", Type: "string"},
				{Name: "symbol", Type: "string"},
				{Name: "createdAt", Type: "i64"},
			},
		},
	},
}

// Mapper shapes one decoded event into a domain event.
type Mapper func(ev Event, decoded DecodedEvent) (*domain.Event, error)

type Registry struct {
	log     zerolog.Logger
	coders  map[string]*EventCoder
	mappers map[string]Mapper
}

func NewRegistry(log zerolog.Logger) *Registry {
	r := &Registry{
		log:     log.With().Str("component", "solana_mapper").Logger(),
		coders:  map[string]*EventCoder{LaunchpadProgramID: NewEventCoder(launchpadIDL)},
		mappers: make(map[string]Mapper),
	}
	r.mappers["TradeEvent"] = mapTradeEvent
	r.mappers["TokenCreated"] = mapTokenCreated
	return r
}

// RegisterProgram adds a coder for a program id.
func (r *Registry) RegisterProgram(programID string, idl IDL) {
	r.coders[programID] = NewEventCoder(idl)
}

// Register binds a mapper to a decoded event name.
func (r *Registry) Register(decodedName string, fn Mapper) {
	r.mappers[decodedName] = fn
}

// Decode locates and decodes the event payload of one raw event. Missing
// IDLs, unlocatable data, and malformed payloads all return nil.
func (r *Registry) Decode(ev Event) *DecodedEvent {
	coder, ok := r.coders[ev.EventSource.ProgramID]
	if !ok {
		r.log.Warn().
			Str("program_id", ev.EventSource.ProgramID).
			Msg("no idl registered for program, skipping")
		return nil
	}

	data := ""
	if ev.Log.Data != nil && *ev.Log.Data != "" {
		data = *ev.Log.Data
	} else {
		var found bool
		data, found = extractEventData(ev.Log.Logs, ev.EventSource.EventType)
		if !found {
			r.log.Warn().
				Str("program_id", ev.EventSource.ProgramID).
				Str("signature", ev.Transaction.Signature).
				Msg("no event data found in transaction logs, skipping")
			return nil
		}
	}

	decoded, err := coder.Decode(data)
	if err != nil {
		r.log.Warn().Err(err).
			Str("program_id", ev.EventSource.ProgramID).
			Str("signature", ev.Transaction.Signature).
			Msg("failed to decode event data, skipping")
		return nil
	}
	return &decoded
}

// Map decodes one raw event and dispatches it by decoded name, exactly
// mirroring the EVM dispatch step.
func (r *Registry) Map(ev Event) *domain.Event {
	decoded := r.Decode(ev)
	if decoded == nil {
		return nil
	}
	fn, ok := r.mappers[decoded.Name]
	if !ok {
		r.log.Debug().
			Str("decoded_name", decoded.Name).
			Msg("no mapper for decoded event, skipping")
		return nil
	}
	out, err := fn(ev, *decoded)
	if err != nil {
		r.log.Warn().Err(err).
			Str("decoded_name", decoded.Name).
			Msg("mapper rejected event, skipping")
		return nil
	}
	return out
}

// MapBatch maps a list of raw events, dropping every one that fails to
// decode; a single bad event never aborts the batch.
func (r *Registry) MapBatch(events []Event) []domain.Event {
	out := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if mapped := r.Map(ev); mapped != nil {
			out = append(out, *mapped)
		}
	}
	return out
}

func mapTradeEvent(ev Event, decoded DecodedEvent) (*domain.Event, error) {
	trader, err := stringField(decoded, "trader")
	if err != nil {
		return nil, err
	}
	mint, err := stringField(decoded, "mint")
	if err != nil {
		return nil, err
	}
	isBuy, _ := decoded.Fields["isBuy"].(bool)
	amount, _ := decoded.Fields["tokenAmount"].(uint64)
	out, err := domain.NewEvent(domain.EventLaunchpadTokenTraded, domain.LaunchpadTokenTradedPayload{
		TraderAddress: trader,
		TokenAddress:  mint,
		IsBuy:         isBuy,
		TokenAmount:   amount,
		ChainID:       ev.EventSource.ChainID,
		Reference:     ev.Transaction.Signature,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func mapTokenCreated(ev Event, decoded DecodedEvent) (*domain.Event, error) {
	mint, err := stringField(decoded, "mint")
	if err != nil {
		return nil, err
	}
	name, err := stringField(decoded, "name")
	if err != nil {
		return nil, err
	}
	symbol, err := stringField(decoded, "symbol")
	if err != nil {
		return nil, err
	}
	createdAt, _ := decoded.Fields["createdAt"].(int64)
	out, err := domain.NewEvent(domain.EventLaunchpadTokenCreated, domain.LaunchpadTokenCreatedPayload{
		TokenAddress: mint,
		Name:         name,
		Symbol:       symbol,
		ChainID:      ev.EventSource.ChainID,
		CreatedAt:    unixTime(createdAt),
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// unixTime converts integer seconds to the one time representation domain
// events carry.
func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func stringField(d DecodedEvent, name string) (string, error) {
	s, ok := d.Fields[name].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s: missing %q field", d.Name, name)
	}
	return s, nil
}
