package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeClientMessage parses a raw text frame from a client.
// Unknown types are returned without error so callers can ignore them.
// An input frame must carry a string data field.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var wire struct {
		Type string  `json:"type"`
		Data *string `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if wire.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	msg := &ClientMessage{Type: wire.Type}
	if wire.Data != nil {
		msg.Data = *wire.Data
	} else if msg.IsInput() {
		return nil, fmt.Errorf("missing 'data' field")
	}

	return msg, nil
}

// IsInput reports whether the message asks for an invocation.
func (m *ClientMessage) IsInput() bool {
	return m.Type == TypeInput
}
