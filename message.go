package relaykit

import (
	"bytes"
	"encoding/json"
)

// Message is the simplified framing: a single JSON object sent as the
// entire frame, with no transport or session wrapping. Ack, when present,
// is the acknowledgement correlation id.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Ack   *int        `json:"ack,omitempty"`
}

// EncodeMessage encodes a simplified frame.
func EncodeMessage(event string, data interface{}, ack *int) ([]byte, error) {
	return json.Marshal(&Message{Event: event, Data: data, Ack: ack})
}

// DecodeMessage parses a simplified frame. The second return value is false
// when the frame is not a simplified-format object; malformed input is
// never an error, only a miss.
func DecodeMessage(data []byte) (*Message, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false
	}
	if msg.Event == "" {
		return nil, false
	}
	return &msg, true
}

// IsSimpleFrame reports whether a frame uses the simplified framing: it
// begins with '{' and parses into an object carrying a string "event".
func IsSimpleFrame(data []byte) bool {
	_, ok := DecodeMessage(data)
	return ok
}
