package solana

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	programDataPrefix = "Program data:"
	programLogPrefix  = "Program log: "
	programLogData    = "Program log: data: "
)

// extractEventData finds the base64-encoded event payload for eventName in a
// transaction's log lines. Solana logs are not self-describing, so this is an
// ordered best-effort search; ("", false) means no strategy matched.
func extractEventData(logs []string, eventName string) (string, bool) {
	// 1. Anchor emit: the payload follows "Program data:" verbatim.
	for _, line := range logs {
		if strings.HasPrefix(line, programDataPrefix) {
			if data := strings.TrimSpace(line[len(programDataPrefix):]); data != "" {
				return data, true
			}
		}
	}

	// 2. msg!-style logs that name the event or carry an explicit data tag.
	for _, line := range logs {
		if !strings.Contains(line, programLogPrefix) {
			continue
		}
		if !strings.Contains(line, eventName) && !strings.Contains(line, strings.TrimSpace(programLogData)) {
			continue
		}
		if i := strings.Index(line, programLogData); i >= 0 {
			if data := strings.TrimSpace(line[i+len(programLogData):]); data != "" {
				return data, true
			}
		}
	}

	// 3. Event CPI: a JSON log blob whose inner instructions carry the event
	// as base58 data behind an 8-byte instruction discriminator.
	for _, line := range logs {
		if !strings.Contains(line, eventName) || !strings.Contains(line, "innerInstructions") {
			continue
		}
		if data, ok := extractInnerInstructionData(line); ok {
			return data, true
		}
	}

	return "", false
}

type innerInstructionBlob struct {
	InnerInstructions []struct {
		Instructions []struct {
			Data string `json:"data"`
		} `json:"instructions"`
	} `json:"innerInstructions"`
}

func extractInnerInstructionData(line string) (string, bool) {
	start := strings.Index(line, "{")
	if start < 0 {
		return "", false
	}
	var blob innerInstructionBlob
	if err := json.Unmarshal([]byte(line[start:]), &blob); err != nil {
		return "", false
	}
	for _, inner := range blob.InnerInstructions {
		for _, ins := range inner.Instructions {
			raw, err := base58.Decode(ins.Data)
			if err != nil || len(raw) <= 8 {
				continue
			}
			// Skip the instruction discriminator; the event payload
			// (its own discriminator included) follows.
			return base64.StdEncoding.EncodeToString(raw[8:]), true
		}
	}
	return "", false
}
