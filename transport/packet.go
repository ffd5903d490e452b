package transport

import (
	"encoding/json"
	"strconv"
)

// PacketType represents transport-level packet types.
type PacketType byte

const (
	PacketTypeOpen PacketType = iota
	PacketTypeClose
	PacketTypePing
	PacketTypePong
	PacketTypeMessage
	PacketTypeNoop
	PacketTypeUpgrade
)

// Packet represents a transport-level packet: a single type digit followed
// by an optional payload.
type Packet struct {
	Type PacketType
	Data []byte
}

// Encode encodes the packet to bytes.
func (p *Packet) Encode() []byte {
	result := make([]byte, 0, len(p.Data)+1)
	result = append(result, byte('0'+p.Type))
	result = append(result, p.Data...)
	return result
}

// Decode decodes bytes into a packet. Malformed input degrades to a NOOP
// packet so a single bad peer cannot disrupt the process; Decode never
// returns an error.
func Decode(data []byte) *Packet {
	if len(data) == 0 {
		return &Packet{Type: PacketTypeNoop}
	}

	typeChar := data[0]
	if typeChar < '0' || typeChar > '6' {
		return &Packet{Type: PacketTypeNoop}
	}

	packet := &Packet{Type: PacketType(typeChar - '0')}
	if len(data) > 1 {
		packet.Data = data[1:]
	}
	return packet
}

// Handshake is the payload of the OPEN packet sent immediately after a
// connection is accepted.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// EncodeHandshake creates an OPEN packet carrying handshake data.
func EncodeHandshake(sid string, pingInterval, pingTimeout, maxPayload int) ([]byte, error) {
	data := Handshake{
		SID:          sid,
		Upgrades:     []string{}, // WebSocket-only, nothing to upgrade to
		PingInterval: pingInterval,
		PingTimeout:  pingTimeout,
		MaxPayload:   maxPayload,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	packet := &Packet{
		Type: PacketTypeOpen,
		Data: jsonData,
	}
	return packet.Encode(), nil
}

// DecodeHandshake parses the payload of an OPEN packet.
func DecodeHandshake(data []byte) (*Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// String returns the packet type as a string.
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeOpen:
		return "open"
	case PacketTypeClose:
		return "close"
	case PacketTypePing:
		return "ping"
	case PacketTypePong:
		return "pong"
	case PacketTypeMessage:
		return "message"
	case PacketTypeNoop:
		return "noop"
	case PacketTypeUpgrade:
		return "upgrade"
	default:
		return "unknown(" + strconv.Itoa(int(pt)) + ")"
	}
}
