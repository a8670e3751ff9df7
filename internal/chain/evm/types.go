package evm

// ContractFamily groups contracts sharing one ABI; the dispatch table is
// keyed by (family, event signature).
type ContractFamily string

const (
	FamilyReferrals ContractFamily = "referrals"
	FamilyContests  ContractFamily = "contests"
	FamilyLaunchpad ContractFamily = "launchpad"
)

// EventSource identifies where a log came from. EventSignature is the
// 0x-prefixed topic0 hash; ContractFamily is stamped by the ingestion
// collaborator that polled the contract.
type EventSource struct {
	EthChainID     int64          `json:"eth_chain_id"`
	EventSignature string         `json:"event_signature"`
	ContractFamily ContractFamily `json:"contract_family"`
}

// RawLog is the untouched log entry as returned by an EVM node.
type RawLog struct {
	BlockNumber      uint64   `json:"block_number"`
	BlockHash        string   `json:"block_hash"`
	TransactionIndex uint     `json:"transaction_index"`
	Removed          bool     `json:"removed"`
	Address          string   `json:"address"`
	Data             string   `json:"data"`
	Topics           []string `json:"topics"`
	TransactionHash  string   `json:"transaction_hash"`
	LogIndex         uint     `json:"log_index"`
}

type Block struct {
	Number     uint64  `json:"number"`
	Hash       string  `json:"hash"`
	LogsBloom  string  `json:"logs_bloom"`
	Nonce      *string `json:"nonce,omitempty"`
	ParentHash string  `json:"parent_hash"`
	Timestamp  uint64  `json:"timestamp"`
	Miner      string  `json:"miner"`
	GasLimit   uint64  `json:"gas_limit"`
	GasUsed    uint64  `json:"gas_used"`
}

// Event is one raw EVM log plus its block context.
type Event struct {
	EventSource EventSource `json:"event_source"`
	RawLog      RawLog      `json:"raw_log"`
	Block       Block       `json:"block"`
}
