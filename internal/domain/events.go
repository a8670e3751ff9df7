package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName tags a member of the closed domain-event union. New names are
// additive; existing names never change meaning.
type EventName string

const (
	EventCommunityJoined         EventName = "CommunityJoined"
	EventChainEventCreated       EventName = "ChainEventCreated"
	EventReferralSet             EventName = "ReferralSet"
	EventOneOffContestStarted    EventName = "OneOffContestStarted"
	EventRecurringContestStarted EventName = "RecurringContestStarted"
	EventLaunchpadTokenCreated   EventName = "LaunchpadTokenCreated"
	EventLaunchpadTokenTraded    EventName = "LaunchpadTokenTraded"
)

// Event is an immutable, named fact. Payload holds the JSON encoding of the
// union member matching Name.
type Event struct {
	Name      EventName       `json:"event_name"`
	Payload   json.RawMessage `json:"event_payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewEvent builds an Event from a typed payload, stamping creation time.
func NewEvent(name EventName, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	now := time.Now().UTC()
	return Event{Name: name, Payload: raw, CreatedAt: now, UpdatedAt: now}, nil
}

type CommunityJoinedPayload struct {
	CommunityID     string  `json:"community_id" validate:"required"`
	UserID          int64   `json:"user_id" validate:"required"`
	ReferrerAddress *string `json:"referrer_address,omitempty"`
	RefereeAddress  string  `json:"referee_address" validate:"required"`
}

// ChainEventCreatedPayload records an on-chain log that was ingested. Raw is
// the full raw event as supplied by the chain listener, so policies can re-run
// the mapper pipeline over it.
type ChainEventCreatedPayload struct {
	EthChainID     int64           `json:"eth_chain_id" validate:"required"`
	EventSignature string          `json:"event_signature" validate:"required"`
	Raw            json.RawMessage `json:"raw" validate:"required"`
}

type ReferralSetPayload struct {
	NamespaceAddress string    `json:"namespace_address" validate:"required"`
	Referrer         string    `json:"referrer" validate:"required"`
	Referee          string    `json:"referee" validate:"required"`
	EthChainID       int64     `json:"eth_chain_id" validate:"required"`
	TransactionHash  string    `json:"transaction_hash" validate:"required"`
	Timestamp        time.Time `json:"timestamp"`
}

// ContestStartedPayload backs both the one-off and recurring event names; the
// name carries the distinction, not a flag.
type ContestStartedPayload struct {
	ContestAddress   string    `json:"contest_address" validate:"required"`
	NamespaceAddress string    `json:"namespace_address" validate:"required"`
	IntervalSeconds  int64     `json:"interval_seconds"`
	StartTime        time.Time `json:"start_time"`
	EthChainID       int64     `json:"eth_chain_id" validate:"required"`
}

type LaunchpadTokenCreatedPayload struct {
	TokenAddress string    `json:"token_address" validate:"required"`
	Name         string    `json:"name" validate:"required"`
	Symbol       string    `json:"symbol" validate:"required"`
	ChainID      string    `json:"chain_id" validate:"required"`
	CreatedAt    time.Time `json:"created_at"`
}

type LaunchpadTokenTradedPayload struct {
	TraderAddress string `json:"trader_address" validate:"required"`
	TokenAddress  string `json:"token_address" validate:"required"`
	IsBuy         bool   `json:"is_buy"`
	TokenAmount   uint64 `json:"token_amount"`
	ChainID       string `json:"chain_id" validate:"required"`
	Reference     string `json:"reference,omitempty"`
}
