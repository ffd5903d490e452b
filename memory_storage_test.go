package relaykit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageClients(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	client := &Client{ID: "c1", ConnectedAt: time.Now(), Protocol: ProtocolNested}
	require.NoError(t, storage.AddClient(ctx, client))

	got, err := storage.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, ProtocolNested, got.Protocol)

	client.Protocol = ProtocolSimple
	require.NoError(t, storage.UpdateClient(ctx, client))
	got, err = storage.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ProtocolSimple, got.Protocol)

	_, err = storage.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrClientNotFound)

	err = storage.UpdateClient(ctx, &Client{ID: "missing"})
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestMemoryStorageMembershipIndices(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	require.NoError(t, storage.AddClient(ctx, &Client{ID: "c1"}))
	require.NoError(t, storage.AddClientToRoom(ctx, "c1", "lobby"))

	// Both reverse indices reflect the join.
	members, err := storage.ClientsInRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Contains(t, members, "c1")

	rooms, err := storage.RoomsForClient(ctx, "c1")
	require.NoError(t, err)
	assert.Contains(t, rooms, "lobby")

	got, err := storage.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Contains(t, got.Rooms, "lobby")

	room, err := storage.GetRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Contains(t, room.Members, "c1")
}

func TestMemoryStorageRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	// Rooms are created lazily on first join.
	_, err := storage.GetRoom(ctx, "lobby")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	require.NoError(t, storage.AddClientToRoom(ctx, "c1", "lobby"))
	require.NoError(t, storage.AddClientToRoom(ctx, "c2", "lobby"))

	require.NoError(t, storage.RemoveClientFromRoom(ctx, "c1", "lobby"))
	_, err = storage.GetRoom(ctx, "lobby")
	require.NoError(t, err, "room survives while it has members")

	// Last member out deletes the record.
	require.NoError(t, storage.RemoveClientFromRoom(ctx, "c2", "lobby"))
	_, err = storage.GetRoom(ctx, "lobby")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	// CreateRoom is an upsert either way.
	room, err := storage.CreateRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "lobby", room.Name)
}

func TestMemoryStorageRemoveClientCascades(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	require.NoError(t, storage.AddClient(ctx, &Client{ID: "c1"}))
	require.NoError(t, storage.AddClientToRoom(ctx, "c1", "a"))
	require.NoError(t, storage.AddClientToRoom(ctx, "c1", "b"))
	require.NoError(t, storage.AddClientToRoom(ctx, "c2", "b"))

	require.NoError(t, storage.RemoveClient(ctx, "c1"))

	// c1 is gone from every room; room "a" drained and disappeared.
	members, err := storage.ClientsInRoom(ctx, "b")
	require.NoError(t, err)
	assert.NotContains(t, members, "c1")
	assert.Contains(t, members, "c2")

	_, err = storage.GetRoom(ctx, "a")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = storage.GetClient(ctx, "c1")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestMemoryStorageRoomsByPattern(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	for _, room := range []string{"chat:general", "chat:random", "game:lobby"} {
		require.NoError(t, storage.AddClientToRoom(ctx, "c1", room))
	}

	rooms, err := storage.RoomsByPattern(ctx, "chat:*")
	require.NoError(t, err)

	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"chat:general", "chat:random"}, names)
}

func TestMemoryStorageMetadata(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	require.NoError(t, storage.AddClientToRoom(ctx, "c1", "lobby"))
	require.NoError(t, storage.SetRoomMetadata(ctx, "lobby", map[string]interface{}{"topic": "general"}))

	room, err := storage.GetRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "general", room.Metadata["topic"])

	err = storage.SetRoomMetadata(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
