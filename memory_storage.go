package relaykit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStorage is the single-process Storage implementation: double-indexed
// in-process maps behind the asynchronous contract. Publish is a no-op and
// the subscription never fires, since there is no other instance.
type MemoryStorage struct {
	mu          sync.RWMutex
	instanceID  string
	clients     map[string]*Client
	rooms       map[string]*Room
	roomMembers map[string]map[string]struct{} // room -> client ids
	clientRooms map[string]map[string]struct{} // client id -> rooms
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		instanceID:  uuid.NewString(),
		clients:     make(map[string]*Client),
		rooms:       make(map[string]*Room),
		roomMembers: make(map[string]map[string]struct{}),
		clientRooms: make(map[string]map[string]struct{}),
	}
}

// InstanceID identifies this storage instance.
func (s *MemoryStorage) InstanceID() string {
	return s.instanceID
}

// AddClient persists a client record.
func (s *MemoryStorage) AddClient(_ context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}

// GetClient returns a client record with its room list filled in.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	out := *c
	out.Rooms = keys(s.clientRooms[id])
	return &out, nil
}

// UpdateClient overwrites a client record.
func (s *MemoryStorage) UpdateClient(_ context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; !ok {
		return ErrClientNotFound
	}
	s.clients[c.ID] = c
	return nil
}

// RemoveClient deletes a client record and cascades removal from every room
// it belonged to.
func (s *MemoryStorage) RemoveClient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeFromAllRoomsLocked(id)
	delete(s.clients, id)
	return nil
}

// CreateRoom recreates-or-touches a room record.
func (s *MemoryStorage) CreateRoom(_ context.Context, name string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchRoomLocked(name), nil
}

// GetRoom returns a room record with its member list filled in.
func (s *MemoryStorage) GetRoom(_ context.Context, name string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	out := *r
	out.Members = keys(s.roomMembers[name])
	return &out, nil
}

// DeleteRoom removes a room record and every membership pointing at it.
func (s *MemoryStorage) DeleteRoom(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRoomLocked(name)
	return nil
}

// SetRoomMetadata replaces a room's metadata.
func (s *MemoryStorage) SetRoomMetadata(_ context.Context, name string, md map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	r.Metadata = md
	return nil
}

// RoomsByPattern returns every room whose name matches the pattern.
func (s *MemoryStorage) RoomsByPattern(_ context.Context, pattern string) ([]*Room, error) {
	p := CompilePattern(pattern)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Room
	for name, r := range s.rooms {
		if ok, _ := p.Match(name); !ok {
			continue
		}
		room := *r
		room.Members = keys(s.roomMembers[name])
		out = append(out, &room)
	}
	return out, nil
}

// AddClientToRoom adds the membership on both reverse indices.
func (s *MemoryStorage) AddClientToRoom(_ context.Context, clientID, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touchRoomLocked(room)
	if s.roomMembers[room] == nil {
		s.roomMembers[room] = make(map[string]struct{})
	}
	s.roomMembers[room][clientID] = struct{}{}

	if s.clientRooms[clientID] == nil {
		s.clientRooms[clientID] = make(map[string]struct{})
	}
	s.clientRooms[clientID][room] = struct{}{}
	return nil
}

// RemoveClientFromRoom removes the membership on both reverse indices and
// deletes the room when the last member leaves.
func (s *MemoryStorage) RemoveClientFromRoom(_ context.Context, clientID, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMembershipLocked(clientID, room)
	return nil
}

// RemoveClientFromAllRooms removes every membership of the client.
func (s *MemoryStorage) RemoveClientFromAllRooms(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFromAllRoomsLocked(clientID)
	return nil
}

// ClientsInRoom returns the ids of every member of a room.
func (s *MemoryStorage) ClientsInRoom(_ context.Context, room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.roomMembers[room]), nil
}

// RoomsForClient returns the names of every room the client is in.
func (s *MemoryStorage) RoomsForClient(_ context.Context, clientID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.clientRooms[clientID]), nil
}

// Publish is a no-op: a single process has no other instances to reach.
func (s *MemoryStorage) Publish(context.Context, *Envelope) error {
	return nil
}

// Subscribe is a no-op for the same reason.
func (s *MemoryStorage) Subscribe(func(*Envelope)) {}

// Close clears all state.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = make(map[string]*Client)
	s.rooms = make(map[string]*Room)
	s.roomMembers = make(map[string]map[string]struct{})
	s.clientRooms = make(map[string]map[string]struct{})
	return nil
}

func (s *MemoryStorage) touchRoomLocked(name string) *Room {
	r, ok := s.rooms[name]
	if !ok {
		r = &Room{Name: name}
		s.rooms[name] = r
	}
	return r
}

func (s *MemoryStorage) removeMembershipLocked(clientID, room string) {
	if members := s.roomMembers[room]; members != nil {
		delete(members, clientID)
		if len(members) == 0 {
			s.deleteRoomLocked(room)
		}
	}
	if rooms := s.clientRooms[clientID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(s.clientRooms, clientID)
		}
	}
}

func (s *MemoryStorage) removeFromAllRoomsLocked(clientID string) {
	for room := range s.clientRooms[clientID] {
		if members := s.roomMembers[room]; members != nil {
			delete(members, clientID)
			if len(members) == 0 {
				s.deleteRoomLocked(room)
			}
		}
	}
	delete(s.clientRooms, clientID)
}

func (s *MemoryStorage) deleteRoomLocked(name string) {
	for clientID := range s.roomMembers[name] {
		if rooms := s.clientRooms[clientID]; rooms != nil {
			delete(rooms, name)
			if len(rooms) == 0 {
				delete(s.clientRooms, clientID)
			}
		}
	}
	delete(s.roomMembers, name)
	delete(s.rooms, name)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
