package relaykit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestSessionPacketRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		packet *Packet
	}{
		{"connect", &Packet{Type: PacketTypeConnect, Namespace: "/"}},
		{"connect with namespace", &Packet{Type: PacketTypeConnect, Namespace: "/admin"}},
		{"disconnect", &Packet{Type: PacketTypeDisconnect, Namespace: "/"}},
		{"event", &Packet{
			Type:      PacketTypeEvent,
			Namespace: "/",
			Data:      []interface{}{"echo", map[string]interface{}{"n": float64(1)}},
		}},
		{"event with ack id", &Packet{
			Type:      PacketTypeEvent,
			Namespace: "/",
			Data:      []interface{}{"echo", "hello"},
			ID:        intPtr(12),
		}},
		{"event with namespace and ack id", &Packet{
			Type:      PacketTypeEvent,
			Namespace: "/chat",
			Data:      []interface{}{"msg", float64(3)},
			ID:        intPtr(7),
		}},
		{"ack", &Packet{
			Type:      PacketTypeAck,
			Namespace: "/",
			Data:      []interface{}{map[string]interface{}{"ok": true}},
			ID:        intPtr(12),
		}},
		{"connect error", &Packet{
			Type:      PacketTypeConnectError,
			Namespace: "/",
			Data:      map[string]interface{}{"message": "denied"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := tc.packet.Encode()
			require.NoError(t, err)

			decoded, err := DecodePacket(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.packet, decoded)
		})
	}
}

func TestSessionPacketWireFormat(t *testing.T) {
	encoded, err := (&Packet{
		Type:      PacketTypeEvent,
		Namespace: "/chat",
		Data:      []interface{}{"msg", "hi"},
		ID:        intPtr(5),
	}).Encode()
	require.NoError(t, err)
	assert.Equal(t, `2/chat,5["msg","hi"]`, encoded)
}

func TestDecodePacketMalformed(t *testing.T) {
	cases := []string{"", "x", "7", `2["broken"`}
	for _, data := range cases {
		_, err := DecodePacket(data)
		assert.Error(t, err, "input %q", data)
	}
}

func TestDecodePacketBareNamespace(t *testing.T) {
	decoded, err := DecodePacket("0/admin")
	require.NoError(t, err)
	assert.Equal(t, PacketTypeConnect, decoded.Type)
	assert.Equal(t, "/admin", decoded.Namespace)
	assert.Nil(t, decoded.Data)
}

func TestSimpleMessageRoundTrip(t *testing.T) {
	t.Run("with ack", func(t *testing.T) {
		frame, err := EncodeMessage("echo", map[string]interface{}{"n": float64(1)}, intPtr(3))
		require.NoError(t, err)

		msg, ok := DecodeMessage(frame)
		require.True(t, ok)
		assert.Equal(t, "echo", msg.Event)
		assert.Equal(t, map[string]interface{}{"n": float64(1)}, msg.Data)
		require.NotNil(t, msg.Ack)
		assert.Equal(t, 3, *msg.Ack)
	})

	t.Run("without ack", func(t *testing.T) {
		frame, err := EncodeMessage("ping", nil, nil)
		require.NoError(t, err)

		msg, ok := DecodeMessage(frame)
		require.True(t, ok)
		assert.Equal(t, "ping", msg.Event)
		assert.Nil(t, msg.Data)
		assert.Nil(t, msg.Ack)
	})
}

func TestSimpleFrameDetection(t *testing.T) {
	assert.True(t, IsSimpleFrame([]byte(`{"event":"echo","data":1}`)))
	assert.True(t, IsSimpleFrame([]byte(`  {"event":"echo"}`)))

	// Nested frames, objects without an event, and garbage are all misses.
	assert.False(t, IsSimpleFrame([]byte(`42["echo",1]`)))
	assert.False(t, IsSimpleFrame([]byte(`{"data":1}`)))
	assert.False(t, IsSimpleFrame([]byte(`{"event":1}`)))
	assert.False(t, IsSimpleFrame([]byte(`{broken`)))
	assert.False(t, IsSimpleFrame(nil))
}
