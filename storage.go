package relaykit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrRoomNotFound   = errors.New("room not found")
)

// Protocol identifies the framing variant a connection speaks.
type Protocol string

const (
	// ProtocolNested is the two-layer transport+session framing.
	ProtocolNested Protocol = "nested"
	// ProtocolSimple is the single-object {event,data,ack} framing.
	ProtocolSimple Protocol = "simple"
)

// Client is the persisted record of one connection. The live transport
// handle is never part of this record; it lives only in the connection
// manager of the process that accepted the upgrade.
type Client struct {
	ID          string                 `json:"id"`
	Rooms       []string               `json:"rooms,omitempty"`
	ConnectedAt time.Time              `json:"connectedAt"`
	Auth        interface{}            `json:"auth,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Protocol    Protocol               `json:"protocol"`
}

// Room is the persisted record of one room. A room exists only while it has
// at least one member; it is created lazily on first join.
type Room struct {
	Name     string                 `json:"name"`
	Members  []string               `json:"members,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EnvelopeKind classifies a cross-instance envelope.
type EnvelopeKind string

const (
	EnvelopeBroadcast EnvelopeKind = "broadcast"
	EnvelopeRoom      EnvelopeKind = "room"
	EnvelopeDirect    EnvelopeKind = "direct"
)

// Envelope is the unit published on the shared channel so every cooperating
// instance can replay a broadcast against its own local connections.
// Delivery across the fleet is at-least-once and unordered.
type Envelope struct {
	Kind   EnvelopeKind `json:"kind"`
	Origin string       `json:"origin"`
	Room   string       `json:"room,omitempty"`
	Target string       `json:"target,omitempty"`
	Event  string       `json:"event"`
	Data   interface{}  `json:"data,omitempty"`
	Except []string     `json:"except,omitempty"`
}

// FromInstance reports whether the envelope originated on the given
// instance. Subscribers drop their own envelopes to avoid replay loops.
func (e *Envelope) FromInstance(id string) bool {
	return e.Origin == id
}

// Storage persists Client and Room records, keeps the room-membership
// reverse indices consistent, and fans broadcasts out across instances.
// Implementations must keep room.Members and client.Rooms as exact mirrors
// of each other after every completed membership mutation.
type Storage interface {
	// InstanceID identifies this storage instance; envelopes it publishes
	// carry this id as their origin.
	InstanceID() string

	AddClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	UpdateClient(ctx context.Context, c *Client) error
	RemoveClient(ctx context.Context, id string) error

	// CreateRoom is an upsert: it recreates-or-touches the record rather
	// than assuming prior existence, which bounds the deletion race.
	CreateRoom(ctx context.Context, name string) (*Room, error)
	GetRoom(ctx context.Context, name string) (*Room, error)
	DeleteRoom(ctx context.Context, name string) error
	SetRoomMetadata(ctx context.Context, name string, md map[string]interface{}) error
	RoomsByPattern(ctx context.Context, pattern string) ([]*Room, error)

	AddClientToRoom(ctx context.Context, clientID, room string) error
	RemoveClientFromRoom(ctx context.Context, clientID, room string) error
	RemoveClientFromAllRooms(ctx context.Context, clientID string) error
	ClientsInRoom(ctx context.Context, room string) ([]string, error)
	RoomsForClient(ctx context.Context, clientID string) ([]string, error)

	// Publish sends an envelope to every other cooperating instance.
	// Single-process implementations treat it as a no-op.
	Publish(ctx context.Context, env *Envelope) error
	// Subscribe registers the handler for envelopes published by other
	// instances. Established once per storage instance.
	Subscribe(fn func(*Envelope))

	Close() error
}
