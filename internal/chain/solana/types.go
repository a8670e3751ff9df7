package solana

// EventSource identifies the program and, once recognized, the decoded event
// type of a Solana occurrence.
type EventSource struct {
	ChainID   string `json:"chain_id"`
	ProgramID string `json:"program_id"`
	EventType string `json:"event_type"`
}

type Transaction struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"block_time"`
}

type Slot struct {
	Slot       uint64 `json:"slot"`
	Blockhash  string `json:"blockhash"`
	ParentSlot uint64 `json:"parent_slot"`
	Timestamp  int64  `json:"timestamp"`
}

// Log carries the plain-text program log lines of one transaction. Data, when
// present, is the base64 event payload already extracted upstream.
type Log struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	BlockTime int64    `json:"block_time"`
	ProgramID string   `json:"program_id"`
	Logs      []string `json:"logs"`
	Data      *string  `json:"data,omitempty"`
}

// Meta is a tagged union: migrated events carry quest action meta ids,
// non-migrated events carry the slot they were created at.
type Meta struct {
	QuestActionMetaIDs []int64 `json:"quest_action_meta_ids,omitempty"`
	CreatedAtSlot      *uint64 `json:"created_at_slot,omitempty"`
}

type Event struct {
	EventSource EventSource `json:"event_source"`
	Transaction Transaction `json:"transaction"`
	Slot        Slot        `json:"slot"`
	Log         Log         `json:"log"`
	Meta        Meta        `json:"meta"`
}
