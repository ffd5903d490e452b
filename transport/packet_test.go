package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPacketRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		packet *Packet
	}{
		{"open with payload", &Packet{Type: PacketTypeOpen, Data: []byte(`{"sid":"abc"}`)}},
		{"close", &Packet{Type: PacketTypeClose}},
		{"ping", &Packet{Type: PacketTypePing}},
		{"pong with probe", &Packet{Type: PacketTypePong, Data: []byte("probe")}},
		{"message", &Packet{Type: PacketTypeMessage, Data: []byte(`2["echo",{"n":1}]`)}},
		{"noop", &Packet{Type: PacketTypeNoop}},
		{"upgrade", &Packet{Type: PacketTypeUpgrade}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded := Decode(tc.packet.Encode())
			assert.Equal(t, tc.packet.Type, decoded.Type)
			assert.Equal(t, tc.packet.Data, decoded.Data)
		})
	}
}

func TestPacketTypeDigits(t *testing.T) {
	// The wire digit assignment is load-bearing for interop.
	assert.Equal(t, []byte("0"), (&Packet{Type: PacketTypeOpen}).Encode())
	assert.Equal(t, []byte("1"), (&Packet{Type: PacketTypeClose}).Encode())
	assert.Equal(t, []byte("2"), (&Packet{Type: PacketTypePing}).Encode())
	assert.Equal(t, []byte("3"), (&Packet{Type: PacketTypePong}).Encode())
	assert.Equal(t, []byte("4"), (&Packet{Type: PacketTypeMessage}).Encode())
	assert.Equal(t, []byte("5"), (&Packet{Type: PacketTypeNoop}).Encode())
	assert.Equal(t, []byte("6"), (&Packet{Type: PacketTypeUpgrade}).Encode())
}

func TestDecodeMalformedDegradesToNoop(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"out of range digit", []byte("9")},
		{"not a digit", []byte("x hello")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded := Decode(tc.data)
			assert.Equal(t, PacketTypeNoop, decoded.Type)
		})
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	encoded, err := EncodeHandshake("sid-1", 25000, 20000, 1000000)
	require.NoError(t, err)

	packet := Decode(encoded)
	require.Equal(t, PacketTypeOpen, packet.Type)

	hs, err := DecodeHandshake(packet.Data)
	require.NoError(t, err)
	assert.Equal(t, "sid-1", hs.SID)
	assert.Empty(t, hs.Upgrades)
	assert.Equal(t, 25000, hs.PingInterval)
	assert.Equal(t, 20000, hs.PingTimeout)
	assert.Equal(t, 1000000, hs.MaxPayload)
}
