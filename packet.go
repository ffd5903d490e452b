package relaykit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PacketType represents session-level packet types, carried inside a
// transport MESSAGE packet.
type PacketType int

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeConnectError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// Packet represents a session-level packet. For EVENT packets Data is a
// JSON array whose first element is the event name; ID is the optional
// acknowledgement correlation id.
type Packet struct {
	Type      PacketType
	Namespace string
	Data      interface{}
	ID        *int
}

// Encode encodes a session packet to its wire string: type digit, optional
// "/namespace," prefix, optional decimal ack id, JSON payload.
func (p *Packet) Encode() (string, error) {
	var builder strings.Builder

	builder.WriteString(strconv.Itoa(int(p.Type)))

	if p.Namespace != "" && p.Namespace != "/" {
		builder.WriteString(p.Namespace)
		builder.WriteByte(',')
	}

	if p.ID != nil {
		builder.WriteString(strconv.Itoa(*p.ID))
	}

	if p.Data != nil {
		jsonData, err := json.Marshal(p.Data)
		if err != nil {
			return "", fmt.Errorf("failed to marshal packet data: %w", err)
		}
		builder.Write(jsonData)
	}

	return builder.String(), nil
}

// DecodePacket decodes a session packet from its wire string. Callers treat
// a decode error as "drop the frame"; nothing is reported to the peer.
func DecodePacket(data string) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty packet")
	}

	packet := &Packet{Namespace: "/"}
	pos := 0

	if data[pos] < '0' || data[pos] > '6' {
		return nil, fmt.Errorf("invalid packet type: %c", data[pos])
	}
	packet.Type = PacketType(data[pos] - '0')
	pos++

	if pos >= len(data) {
		return packet, nil
	}

	if data[pos] == '/' {
		end := strings.IndexByte(data[pos:], ',')
		if end == -1 {
			// Namespace with no trailing payload.
			packet.Namespace = data[pos:]
			return packet, nil
		}
		packet.Namespace = data[pos : pos+end]
		pos += end + 1
	}

	if pos >= len(data) {
		return packet, nil
	}

	if data[pos] >= '0' && data[pos] <= '9' {
		end := pos
		for end < len(data) && data[end] >= '0' && data[end] <= '9' {
			end++
		}
		id, _ := strconv.Atoi(data[pos:end])
		packet.ID = &id
		pos = end
	}

	if pos < len(data) {
		if err := json.Unmarshal([]byte(data[pos:]), &packet.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal packet data: %w", err)
		}
	}

	return packet, nil
}

// EventPacket builds an EVENT packet for the given event and arguments.
func EventPacket(namespace, event string, id *int, args ...interface{}) *Packet {
	data := make([]interface{}, 0, len(args)+1)
	data = append(data, event)
	data = append(data, args...)
	return &Packet{
		Type:      PacketTypeEvent,
		Namespace: namespace,
		Data:      data,
		ID:        id,
	}
}

// String returns the packet type as a string.
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeConnectError:
		return "connect_error"
	case PacketTypeBinaryEvent:
		return "binary_event"
	case PacketTypeBinaryAck:
		return "binary_ack"
	default:
		return "unknown"
	}
}
