package relaykit

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaykit/relaykit/transport"
)

// Config represents gateway server configuration.
type Config struct {
	PingInterval int // milliseconds
	PingTimeout  int // milliseconds
	MaxPayload   int // bytes
	Logger       *zap.Logger
}

// Server owns the live per-connection handle table, drives the connection
// lifecycle and routes inbound frames to the handlers of every registered
// gateway. All other components reference connections by identifier only.
type Server struct {
	config  *Config
	log     *zap.Logger
	storage Storage
	eio     *transport.Server

	mu       sync.RWMutex
	gateways []*Gateway
	sockets  map[string]*Socket
	onDrain  func(*Socket)
}

// NewServer creates a gateway server on top of a Storage implementation.
func NewServer(storage Storage, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &Server{
		config:  config,
		log:     config.Logger,
		storage: storage,
		sockets: make(map[string]*Socket),
	}

	s.eio = transport.NewServer(&transport.Config{
		PingInterval: config.PingInterval,
		PingTimeout:  config.PingTimeout,
		MaxPayload:   config.MaxPayload,
		Logger:       config.Logger,
	})
	s.eio.OnConnect(s.handleSession)

	// One subscription per storage instance; envelopes from other
	// instances replay against this process's local connections only.
	storage.Subscribe(s.applyEnvelope)

	return s
}

// Register adds gateways to the server. Handler tables are consulted in
// registration order.
func (s *Server) Register(gateways ...*Gateway) {
	s.mu.Lock()
	s.gateways = append(s.gateways, gateways...)
	s.mu.Unlock()
}

// OnDrain sets the hook fired when a connection's outbound queue rejects a
// frame. The server itself neither buffers nor throttles.
func (s *Server) OnDrain(fn func(*Socket)) {
	s.mu.Lock()
	s.onDrain = fn
	s.mu.Unlock()
}

// ServeHTTP upgrades any request whose path matches a registered gateway
// path. Unmatched paths are answered with 404 before any connection state
// is created.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.matchGateways(r.URL.Path)) == 0 {
		http.NotFound(w, r)
		return
	}
	s.eio.ServeHTTP(w, r)
}

// matchGateways returns every gateway whose path is a prefix of the request
// path, longest path first, registration order breaking ties.
func (s *Server) matchGateways(path string) []*Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Gateway
	for _, gw := range s.gateways {
		if strings.HasPrefix(path, gw.Path) {
			matched = append(matched, gw)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return len(matched[i].Path) > len(matched[j].Path)
	})
	return matched
}

// allGateways snapshots the registration table.
func (s *Server) allGateways() []*Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Gateway(nil), s.gateways...)
}

func (s *Server) handleSession(session *transport.Session, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	protocol := ProtocolNested
	if r.URL.Query().Get("protocol") == "simple" {
		protocol = ProtocolSimple
		session.UseSimpleProtocol()
	}

	socket := newSocket(session, s, socketInfo{
		namespace: normNamespace(r.URL.Query().Get("namespace")),
		token:     token,
		protocol:  protocol,
		gateways:  s.matchGateways(r.URL.Path),
	})

	record := socket.record()
	if err := s.storage.AddClient(context.Background(), record); err != nil {
		s.log.Error("failed to persist client", zap.String("client", socket.ID()), zap.Error(err))
		session.Close("storage error")
		return
	}

	s.mu.Lock()
	s.sockets[socket.ID()] = socket
	s.mu.Unlock()

	session.OnMessage(socket.handleFrame)
	session.OnClose(socket.handleClose)
	session.OnDrain(func() {
		s.mu.RLock()
		drain := s.onDrain
		s.mu.RUnlock()
		if drain != nil {
			drain(socket)
		}
	})

	socket.runLifecycle(HandlerConnect)
}

func (s *Server) removeSocket(id string) {
	s.mu.Lock()
	delete(s.sockets, id)
	s.mu.Unlock()

	if err := s.storage.RemoveClient(context.Background(), id); err != nil {
		s.log.Error("failed to remove client record", zap.String("client", id), zap.Error(err))
	}
}

// GetSocket retrieves a live local connection by identifier.
func (s *Server) GetSocket(id string) (*Socket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	socket, ok := s.sockets[id]
	return socket, ok
}

// Sockets returns all live local connections.
func (s *Server) Sockets() []*Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Socket, 0, len(s.sockets))
	for _, socket := range s.sockets {
		out = append(out, socket)
	}
	return out
}

// Emit broadcasts an event to every connection on every instance: local
// connections first, then one envelope for the rest of the fleet.
func (s *Server) Emit(event string, data interface{}) error {
	s.emitLocal(event, data, nil)
	return s.storage.Publish(context.Background(), &Envelope{
		Kind:  EnvelopeBroadcast,
		Event: event,
		Data:  data,
	})
}

// To returns a broadcast operator scoped to rooms.
func (s *Server) To(rooms ...string) *BroadcastOperator {
	return &BroadcastOperator{server: s, rooms: rooms}
}

// EmitToRoom broadcasts an event to every member of a room, fleet-wide.
func (s *Server) EmitToRoom(room, event string, data interface{}) error {
	return s.To(room).Emit(event, data)
}

// EmitToClient sends an event to one client wherever it is connected.
func (s *Server) EmitToClient(clientID, event string, data interface{}) error {
	if socket, ok := s.GetSocket(clientID); ok {
		return socket.Emit(event, data)
	}
	return s.storage.Publish(context.Background(), &Envelope{
		Kind:   EnvelopeDirect,
		Target: clientID,
		Event:  event,
		Data:   data,
	})
}

// Close shuts down every live connection and the storage adapter.
func (s *Server) Close() error {
	s.eio.Close()
	return s.storage.Close()
}

// applyEnvelope replays an envelope from another instance against local
// connections only. It never re-publishes.
func (s *Server) applyEnvelope(env *Envelope) {
	switch env.Kind {
	case EnvelopeBroadcast:
		s.emitLocal(env.Event, env.Data, env.Except)
	case EnvelopeRoom:
		s.emitRoomLocal(env.Room, env.Event, env.Data, env.Except)
	case EnvelopeDirect:
		if socket, ok := s.GetSocket(env.Target); ok {
			_ = socket.Emit(env.Event, env.Data)
		}
	default:
		s.log.Debug("dropping envelope of unknown kind", zap.String("kind", string(env.Kind)))
	}
}

func (s *Server) emitLocal(event string, data interface{}, except []string) {
	excluded := exclusionSet(except)
	for _, socket := range s.Sockets() {
		if _, skip := excluded[socket.ID()]; skip {
			continue
		}
		_ = socket.Emit(event, data)
	}
}

func (s *Server) emitRoomLocal(room, event string, data interface{}, except []string) {
	excluded := exclusionSet(except)
	for _, socket := range s.Sockets() {
		if _, skip := excluded[socket.ID()]; skip {
			continue
		}
		if socket.InRoom(room) {
			_ = socket.Emit(event, data)
		}
	}
}

// BroadcastOperator scopes a broadcast to rooms with optional exclusions.
type BroadcastOperator struct {
	server *Server
	rooms  []string
	except []string
}

// To adds rooms to the broadcast.
func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	b.rooms = append(b.rooms, rooms...)
	return b
}

// Except excludes client identifiers from the broadcast.
func (b *BroadcastOperator) Except(clientIDs ...string) *BroadcastOperator {
	b.except = append(b.except, clientIDs...)
	return b
}

// Emit applies the broadcast to local connections, then publishes one
// envelope per room for the rest of the fleet.
func (b *BroadcastOperator) Emit(event string, data interface{}) error {
	if len(b.rooms) == 0 {
		b.server.emitLocal(event, data, b.except)
		return b.server.storage.Publish(context.Background(), &Envelope{
			Kind:   EnvelopeBroadcast,
			Event:  event,
			Data:   data,
			Except: b.except,
		})
	}

	var firstErr error
	for _, room := range b.rooms {
		b.server.emitRoomLocal(room, event, data, b.except)
		err := b.server.storage.Publish(context.Background(), &Envelope{
			Kind:   EnvelopeRoom,
			Room:   room,
			Event:  event,
			Data:   data,
			Except: b.except,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func exclusionSet(except []string) map[string]struct{} {
	if len(except) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(except))
	for _, id := range except {
		set[id] = struct{}{}
	}
	return set
}

func normNamespace(ns string) string {
	if ns == "" {
		return "/"
	}
	if !strings.HasPrefix(ns, "/") {
		return "/" + ns
	}
	return ns
}
