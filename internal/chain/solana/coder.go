package solana

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// IDL is the interface description of a program, reduced to the event shapes
// this module decodes.
type IDL struct {
	Name   string     `json:"name"`
	Events []IdlEvent `json:"events"`
}

type IdlEvent struct {
	Name   string     `json:"name"`
	Fields []IdlField `json:"fields"`
}

type IdlField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// EventCoder decodes a program's emitted events: an 8-byte discriminator
// derived from the event name selects the shape, borsh-encoded fields follow.
type EventCoder struct {
	events map[string]IdlEvent
	byDisc map[[8]byte]string
}

func NewEventCoder(idl IDL) *EventCoder {
	c := &EventCoder{
		events: make(map[string]IdlEvent, len(idl.Events)),
		byDisc: make(map[[8]byte]string, len(idl.Events)),
	}
	for _, ev := range idl.Events {
		c.events[ev.Name] = ev
		c.byDisc[eventDiscriminator(ev.Name)] = ev.Name
	}
	return c
}

func eventDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// DecodedEvent is the named, field-decoded form of one event payload.
type DecodedEvent struct {
	Name   string
	Fields map[string]any
}

// Decode parses a base64 event payload. Unknown discriminators and truncated
// data return an error; callers treat any error as "drop this event".
func (c *EventCoder) Decode(b64 string) (DecodedEvent, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return DecodedEvent{}, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < 8 {
		return DecodedEvent{}, fmt.Errorf("payload too short for discriminator: %d bytes", len(raw))
	}
	var d [8]byte
	copy(d[:], raw[:8])
	name, ok := c.byDisc[d]
	if !ok {
		return DecodedEvent{}, fmt.Errorf("unknown event discriminator %x", d)
	}
	fields, err := decodeFields(raw[8:], c.events[name].Fields)
	if err != nil {
		return DecodedEvent{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return DecodedEvent{Name: name, Fields: fields}, nil
}

func decodeFields(b []byte, fields []IdlField) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	pos := 0
	need := func(n int) error {
		if len(b)-pos < n {
			return fmt.Errorf("truncated at %d: need %d bytes, have %d", pos, n, len(b)-pos)
		}
		return nil
	}
	for _, f := range fields {
		switch f.Type {
		case "bool":
			if err := need(1); err != nil {
				return nil, err
			}
			out[f.Name] = b[pos] != 0
			pos++
		case "u8":
			if err := need(1); err != nil {
				return nil, err
			}
			out[f.Name] = uint8(b[pos])
			pos++
		case "u16":
			if err := need(2); err != nil {
				return nil, err
			}
			out[f.Name] = binary.LittleEndian.Uint16(b[pos:])
			pos += 2
		case "u32":
			if err := need(4); err != nil {
				return nil, err
			}
			out[f.Name] = binary.LittleEndian.Uint32(b[pos:])
			pos += 4
		case "u64":
			if err := need(8); err != nil {
				return nil, err
			}
			out[f.Name] = binary.LittleEndian.Uint64(b[pos:])
			pos += 8
		case "i64":
			if err := need(8); err != nil {
				return nil, err
			}
			out[f.Name] = int64(binary.LittleEndian.Uint64(b[pos:]))
			pos += 8
		case "string":
			if err := need(4); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint32(b[pos:]))
			pos += 4
			if err := need(n); err != nil {
				return nil, err
			}
			out[f.Name] = string(b[pos : pos+n])
			pos += n
		case "publicKey":
			if err := need(32); err != nil {
				return nil, err
			}
			out[f.Name] = base58.Encode(b[pos : pos+32])
			pos += 32
		default:
			return nil, fmt.Errorf("field %q: unsupported idl type %q", f.Name, f.Type)
		}
	}
	// Trailing bytes are tolerated: programs append fields over time.
	return out, nil
}
