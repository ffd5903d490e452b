package relaykit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix  = "relay:"
	redisRoomsIndex = redisKeyPrefix + "rooms"
	redisChannel    = redisKeyPrefix + "events"
)

// RedisStorage is the shared-store Storage implementation. Records live in
// plain keys, room membership in dedicated per-room member sets, and
// cross-instance envelopes on one pub/sub channel shared by the fleet.
//
// Membership mutations are multi-step and not wrapped in a transaction;
// concurrent joins and leaves on the same room from different processes can
// interleave, which in rare windows deletes a room right after a concurrent
// join. Joins always recreate-or-touch the room record, so the set-level
// state converges.
type RedisStorage struct {
	rdb        *redis.Client
	instanceID string
	log        *zap.Logger

	subOnce sync.Once
	cancel  context.CancelFunc
	done    chan struct{}

	mu sync.RWMutex
	fn func(*Envelope)
}

// NewRedisStorage creates a redis-backed storage. The subscriber goroutine
// starts on the first Subscribe call, once per storage instance.
func NewRedisStorage(rdb *redis.Client, log *zap.Logger) *RedisStorage {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStorage{
		rdb:        rdb,
		instanceID: uuid.NewString(),
		log:        log,
		done:       make(chan struct{}),
	}
}

// InstanceID identifies this storage instance; published envelopes carry it
// as their origin.
func (s *RedisStorage) InstanceID() string {
	return s.instanceID
}

func clientKey(id string) string      { return redisKeyPrefix + "client:" + id }
func clientRoomsKey(id string) string { return redisKeyPrefix + "client:" + id + ":rooms" }
func roomKey(name string) string      { return redisKeyPrefix + "room:" + name }
func roomMembersKey(name string) string {
	return redisKeyPrefix + "room:" + name + ":members"
}

// AddClient persists a client record.
func (s *RedisStorage) AddClient(ctx context.Context, c *Client) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, clientKey(c.ID), data, 0).Err()
}

// GetClient returns a client record with its room list filled in.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	data, err := s.rdb.Get(ctx, clientKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}

	var c Client
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	rooms, err := s.rdb.SMembers(ctx, clientRoomsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	c.Rooms = rooms
	return &c, nil
}

// UpdateClient overwrites a client record.
func (s *RedisStorage) UpdateClient(ctx context.Context, c *Client) error {
	exists, err := s.rdb.Exists(ctx, clientKey(c.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrClientNotFound
	}
	return s.AddClient(ctx, c)
}

// RemoveClient deletes a client record and cascades removal from every room
// it belonged to.
func (s *RedisStorage) RemoveClient(ctx context.Context, id string) error {
	if err := s.RemoveClientFromAllRooms(ctx, id); err != nil {
		return err
	}
	return s.rdb.Del(ctx, clientKey(id), clientRoomsKey(id)).Err()
}

// CreateRoom recreates-or-touches a room record and its index entry.
func (s *RedisStorage) CreateRoom(ctx context.Context, name string) (*Room, error) {
	room := &Room{Name: name}
	data, err := json.Marshal(room)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.SetNX(ctx, roomKey(name), data, 0).Err(); err != nil {
		return nil, err
	}
	if err := s.rdb.SAdd(ctx, redisRoomsIndex, name).Err(); err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, name)
}

// GetRoom returns a room record with its member set filled in.
func (s *RedisStorage) GetRoom(ctx context.Context, name string) (*Room, error) {
	data, err := s.rdb.Get(ctx, roomKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	members, err := s.rdb.SMembers(ctx, roomMembersKey(name)).Result()
	if err != nil {
		return nil, err
	}
	r.Members = members
	return &r, nil
}

// DeleteRoom removes the room record, its member set, its index entry and
// the back-references held by its members.
func (s *RedisStorage) DeleteRoom(ctx context.Context, name string) error {
	members, err := s.rdb.SMembers(ctx, roomMembersKey(name)).Result()
	if err != nil {
		return err
	}
	for _, id := range members {
		if err := s.rdb.SRem(ctx, clientRoomsKey(id), name).Err(); err != nil {
			return err
		}
	}
	if err := s.rdb.Del(ctx, roomKey(name), roomMembersKey(name)).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, redisRoomsIndex, name).Err()
}

// SetRoomMetadata replaces a room's metadata.
func (s *RedisStorage) SetRoomMetadata(ctx context.Context, name string, md map[string]interface{}) error {
	data, err := s.rdb.Get(ctx, roomKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}

	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	r.Metadata = md
	updated, err := json.Marshal(&r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, roomKey(name), updated, 0).Err()
}

// RoomsByPattern matches the room index against the pattern locally.
func (s *RedisStorage) RoomsByPattern(ctx context.Context, pattern string) ([]*Room, error) {
	names, err := s.rdb.SMembers(ctx, redisRoomsIndex).Result()
	if err != nil {
		return nil, err
	}

	p := CompilePattern(pattern)
	var out []*Room
	for _, name := range names {
		if ok, _ := p.Match(name); !ok {
			continue
		}
		room, err := s.GetRoom(ctx, name)
		if errors.Is(err, ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

// AddClientToRoom touches the room record and adds the membership on both
// reverse indices.
func (s *RedisStorage) AddClientToRoom(ctx context.Context, clientID, room string) error {
	if _, err := s.CreateRoom(ctx, room); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, roomMembersKey(room), clientID).Err(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, clientRoomsKey(clientID), room).Err()
}

// RemoveClientFromRoom removes the membership on both reverse indices; when
// the member set drains to zero the room record is deleted.
func (s *RedisStorage) RemoveClientFromRoom(ctx context.Context, clientID, room string) error {
	if err := s.rdb.SRem(ctx, roomMembersKey(room), clientID).Err(); err != nil {
		return err
	}
	if err := s.rdb.SRem(ctx, clientRoomsKey(clientID), room).Err(); err != nil {
		return err
	}

	remaining, err := s.rdb.SCard(ctx, roomMembersKey(room)).Result()
	if err != nil {
		return err
	}
	if remaining == 0 {
		return s.DeleteRoom(ctx, room)
	}
	return nil
}

// RemoveClientFromAllRooms removes every membership of the client.
func (s *RedisStorage) RemoveClientFromAllRooms(ctx context.Context, clientID string) error {
	rooms, err := s.rdb.SMembers(ctx, clientRoomsKey(clientID)).Result()
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := s.RemoveClientFromRoom(ctx, clientID, room); err != nil {
			return err
		}
	}
	return nil
}

// ClientsInRoom returns the ids of every member of a room, fleet-wide.
func (s *RedisStorage) ClientsInRoom(ctx context.Context, room string) ([]string, error) {
	return s.rdb.SMembers(ctx, roomMembersKey(room)).Result()
}

// RoomsForClient returns the names of every room the client is in.
func (s *RedisStorage) RoomsForClient(ctx context.Context, clientID string) ([]string, error) {
	return s.rdb.SMembers(ctx, clientRoomsKey(clientID)).Result()
}

// Publish sends an envelope, tagged with this instance's id, on the shared
// channel.
func (s *RedisStorage) Publish(ctx context.Context, env *Envelope) error {
	env.Origin = s.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, redisChannel, data).Err()
}

// Subscribe registers the envelope handler and starts the subscriber
// goroutine on first use. Envelopes originating on this instance are
// dropped; the rest are handed to fn and never re-published.
func (s *RedisStorage) Subscribe(fn func(*Envelope)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()

	s.subOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.subscribeLoop(ctx)
	})
}

func (s *RedisStorage) subscribeLoop(ctx context.Context) {
	defer close(s.done)

	pubsub := s.rdb.Subscribe(ctx, redisChannel)
	defer func() { _ = pubsub.Close() }()

	s.log.Info("subscribed to broadcast channel",
		zap.String("channel", redisChannel),
		zap.String("instance", s.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.log.Debug("dropping malformed envelope", zap.Error(err))
				continue
			}
			s.handleEnvelope(&env)
		}
	}
}

// handleEnvelope applies the loop-prevention rule and dispatches.
func (s *RedisStorage) handleEnvelope(env *Envelope) {
	if env.FromInstance(s.instanceID) {
		return
	}
	s.mu.RLock()
	fn := s.fn
	s.mu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

// Close stops the subscriber goroutine, if one was started.
func (s *RedisStorage) Close() error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(time.Second):
			s.log.Warn("subscriber did not stop in time")
		}
	}
	return nil
}
