package solana

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

var (
	traderKey = bytes.Repeat([]byte{0x11}, 32)
	mintKey   = bytes.Repeat([]byte{0x22}, 32)
)

// tradeEventBytes is a well-formed TradeEvent payload: discriminator, two
// pubkeys, bool, u64 amount.
func tradeEventBytes(t *testing.T) []byte {
	t.Helper()
	disc := sha256.Sum256([]byte("event:TradeEvent"))
	buf := append([]byte{}, disc[:8]...)
	buf = append(buf, traderKey...)
	buf = append(buf, mintKey...)
	buf = append(buf, 1) // isBuy
	amount := make([]byte, 8)
	binary.LittleEndian.PutUint64(amount, 5000)
	return append(buf, amount...)
}

func tradeEvent(t *testing.T, logs []string) Event {
	t.Helper()
	return Event{
		EventSource: EventSource{
			ChainID:   "solana-mainnet",
			ProgramID: LaunchpadProgramID,
			EventType: "TradeEvent",
		},
		Transaction: Transaction{Signature: "sig1", Slot: 42, BlockTime: 1700000000},
		Log: Log{
			Signature: "sig1",
			ProgramID: LaunchpadProgramID,
			Logs:      logs,
		},
	}
}

func TestExtractEventDataProgramData(t *testing.T) {
	data, ok := extractEventData([]string{
		"Program LPad invoke [1]",
		"Program data: aGVsbG8=",
		"Program LPad success",
	}, "TradeEvent")
	require.True(t, ok)
	assert.Equal(t, "aGVsbG8=", data)
}

func TestExtractEventDataProgramLog(t *testing.T) {
	data, ok := extractEventData([]string{
		"Program LPad invoke [1]",
		"Program log: TradeEvent Program log: data: aGVsbG8=",
	}, "TradeEvent")
	require.True(t, ok)
	assert.Equal(t, "aGVsbG8=", data)

	// Explicit data tag matches even without the event name.
	data, ok = extractEventData([]string{
		"Program log: data: d29ybGQ=",
	}, "TradeEvent")
	require.True(t, ok)
	assert.Equal(t, "d29ybGQ=", data)
}

func TestExtractEventDataInnerInstructions(t *testing.T) {
	payload := tradeEventBytes(t)
	// Event CPI data: instruction discriminator, then the event payload.
	insData := append(bytes.Repeat([]byte{0xEE}, 8), payload...)
	blob, err := json.Marshal(map[string]any{
		"innerInstructions": []map[string]any{
			{"instructions": []map[string]any{{"data": base58.Encode(insData)}}},
		},
	})
	require.NoError(t, err)

	line := "TradeEvent " + string(blob)
	data, ok := extractEventData([]string{"Program LPad invoke [1]", line}, "TradeEvent")
	require.True(t, ok)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), data)
}

func TestExtractEventDataNoMatch(t *testing.T) {
	_, ok := extractEventData([]string{
		"Program LPad invoke [1]",
		"Program consumed 1234 units",
	}, "TradeEvent")
	assert.False(t, ok)
}

func TestDecodeNoDataReturnsNil(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ev := tradeEvent(t, []string{"Program LPad invoke [1]", "Program consumed"})
	assert.Nil(t, r.Decode(ev))
}

func TestDecodeUnknownProgramReturnsNil(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ev := tradeEvent(t, nil)
	ev.EventSource.ProgramID = "SomeOtherProgram1111111111111111111111111111"
	assert.Nil(t, r.Decode(ev))
}

func TestDecodeMalformedDataReturnsNil(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	// Garbage base64.
	ev := tradeEvent(t, []string{"Program data: !!!not-base64!!!"})
	assert.Nil(t, r.Decode(ev))

	// Valid base64, unknown discriminator.
	ev = tradeEvent(t, []string{"Program data: " + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 16))})
	assert.Nil(t, r.Decode(ev))

	// Known discriminator, truncated fields.
	short := tradeEventBytes(t)[:20]
	ev = tradeEvent(t, []string{"Program data: " + base64.StdEncoding.EncodeToString(short)})
	assert.Nil(t, r.Decode(ev))
}

func TestMapTradeEvent(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ev := tradeEvent(t, []string{
		"Program data: " + base64.StdEncoding.EncodeToString(tradeEventBytes(t)),
	})

	mapped := r.Map(ev)
	require.NotNil(t, mapped)
	assert.Equal(t, domain.EventLaunchpadTokenTraded, mapped.Name)

	var p domain.LaunchpadTokenTradedPayload
	require.NoError(t, json.Unmarshal(mapped.Payload, &p))
	assert.Equal(t, base58.Encode(traderKey), p.TraderAddress)
	assert.Equal(t, base58.Encode(mintKey), p.TokenAddress)
	assert.True(t, p.IsBuy)
	assert.Equal(t, uint64(5000), p.TokenAmount)
	assert.Equal(t, "solana-mainnet", p.ChainID)
	assert.Equal(t, "sig1", p.Reference)
}

func TestMapBatchDropsMalformedInAnyOrder(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	good := tradeEvent(t, []string{
		"Program data: " + base64.StdEncoding.EncodeToString(tradeEventBytes(t)),
	})
	bad := tradeEvent(t, []string{
		"Program data: " + base64.StdEncoding.EncodeToString([]byte("nonsense payload")),
	})

	for _, batch := range [][]Event{{good, bad}, {bad, good}} {
		out := r.MapBatch(batch)
		require.Len(t, out, 1)
		assert.Equal(t, domain.EventLaunchpadTokenTraded, out[0].Name)
	}
}
