package relaykit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/relaykit/transport"
)

// AckHandler receives the payload of an acknowledgement response.
type AckHandler func(data interface{})

// Socket is the live handle of one connection. It exists only on the
// process that accepted the upgrade; every other component refers to the
// connection by its identifier.
type Socket struct {
	id        string
	session   *transport.Session
	server    *Server
	namespace string
	gateways  []*Gateway // gateways whose path matched the upgrade

	mu       sync.RWMutex
	protocol Protocol
	token    string
	auth     interface{}
	rooms    map[string]struct{}

	data        sync.Map
	ackID       atomic.Int64
	ackHandlers sync.Map
	connectedAt time.Time
}

type socketInfo struct {
	namespace string
	token     string
	protocol  Protocol
	gateways  []*Gateway
}

func newSocket(session *transport.Session, server *Server, info socketInfo) *Socket {
	return &Socket{
		id:          session.ID(),
		session:     session,
		server:      server,
		namespace:   info.namespace,
		gateways:    info.gateways,
		protocol:    info.protocol,
		token:       info.token,
		rooms:       make(map[string]struct{}),
		connectedAt: time.Now(),
	}
}

// ID returns the connection identifier.
func (so *Socket) ID() string {
	return so.id
}

// Namespace returns the logical sub-channel selected at upgrade.
func (so *Socket) Namespace() string {
	return so.namespace
}

// Token returns the raw authentication token supplied at upgrade. The
// connection stays unauthenticated until a guard validates it.
func (so *Socket) Token() string {
	so.mu.RLock()
	defer so.mu.RUnlock()
	return so.token
}

// SetAuth records the validated authentication payload.
func (so *Socket) SetAuth(auth interface{}) {
	so.mu.Lock()
	so.auth = auth
	so.mu.Unlock()
}

// Auth returns the validated authentication payload, or nil.
func (so *Socket) Auth() interface{} {
	so.mu.RLock()
	defer so.mu.RUnlock()
	return so.auth
}

// Protocol returns the framing variant in use.
func (so *Socket) Protocol() Protocol {
	so.mu.RLock()
	defer so.mu.RUnlock()
	return so.protocol
}

// Set stores arbitrary metadata on the connection.
func (so *Socket) Set(key string, value interface{}) {
	so.data.Store(key, value)
}

// Get retrieves connection metadata.
func (so *Socket) Get(key string) (interface{}, bool) {
	return so.data.Load(key)
}

// Rooms returns the rooms this connection has joined.
func (so *Socket) Rooms() []string {
	so.mu.RLock()
	defer so.mu.RUnlock()

	out := make([]string, 0, len(so.rooms))
	for room := range so.rooms {
		out = append(out, room)
	}
	return out
}

// InRoom reports whether this connection has joined the room.
func (so *Socket) InRoom(room string) bool {
	so.mu.RLock()
	defer so.mu.RUnlock()
	_, ok := so.rooms[room]
	return ok
}

// Join adds the connection to a room, server-initiated. Join handlers do
// not run; they are reserved for the room convention events.
func (so *Socket) Join(room string) error {
	return so.joinRoom(room)
}

// Leave removes the connection from a room, server-initiated.
func (so *Socket) Leave(room string) error {
	return so.leaveRoom(room)
}

// Emit sends an event to the peer using the connection's framing variant.
func (so *Socket) Emit(event string, data interface{}) error {
	return so.send(event, data, nil)
}

// EmitWithAck sends an event and registers a handler for the peer's
// acknowledgement. Ack ids are unique among pending requests on this
// connection.
func (so *Socket) EmitWithAck(event string, data interface{}, ack AckHandler) error {
	id := int(so.ackID.Add(1))
	so.ackHandlers.Store(id, ack)
	if err := so.send(event, data, &id); err != nil {
		so.ackHandlers.Delete(id)
		return err
	}
	return nil
}

// Disconnect closes the connection.
func (so *Socket) Disconnect() {
	so.session.Close("server disconnect")
}

// record builds the persistable view of this connection. The live handle is
// deliberately absent.
func (so *Socket) record() *Client {
	var metadata map[string]interface{}
	so.data.Range(func(key, value interface{}) bool {
		if k, ok := key.(string); ok {
			if metadata == nil {
				metadata = make(map[string]interface{})
			}
			metadata[k] = value
		}
		return true
	})

	so.mu.RLock()
	defer so.mu.RUnlock()
	return &Client{
		ID:          so.id,
		ConnectedAt: so.connectedAt,
		Auth:        so.auth,
		Metadata:    metadata,
		Protocol:    so.protocol,
	}
}

func (so *Socket) send(event string, data interface{}, ackID *int) error {
	if so.Protocol() == ProtocolSimple {
		frame, err := EncodeMessage(event, data, ackID)
		if err != nil {
			return err
		}
		return so.session.SendRaw(frame)
	}

	encoded, err := EventPacket(so.namespace, event, ackID, data).Encode()
	if err != nil {
		return err
	}
	return so.session.Send(&transport.Packet{
		Type: transport.PacketTypeMessage,
		Data: []byte(encoded),
	})
}

// handleFrame is the inbound dispatch entry point: auto-detect simplified
// framing, otherwise unwrap the session packet.
func (so *Socket) handleFrame(data []byte) {
	if msg, ok := DecodeMessage(data); ok {
		so.markSimple()
		so.dispatchEvent(msg.Event, msg.Data, msg.Ack)
		return
	}

	packet, err := DecodePacket(string(data))
	if err != nil {
		so.server.log.Debug("dropping malformed session frame",
			zap.String("client", so.id), zap.Error(err))
		return
	}

	switch packet.Type {
	case PacketTypeConnect:
		so.sendConnectReply(packet.Namespace)
	case PacketTypeDisconnect:
		so.Disconnect()
	case PacketTypeEvent:
		event, payload, ok := splitEventPayload(packet.Data)
		if !ok {
			so.server.log.Debug("dropping event frame without event name",
				zap.String("client", so.id))
			return
		}
		so.dispatchEvent(event, payload, packet.ID)
	case PacketTypeAck:
		so.handleAck(packet)
	}
}

// dispatchEvent routes one decoded event: the room convention events are
// intercepted as membership operations, everything else is pattern-matched
// against every message handler of every registered gateway. An inbound ack
// id yields exactly one ACK carrying the last non-nil handler return value.
func (so *Socket) dispatchEvent(event string, data interface{}, ackID *int) {
	if op, room, ok := roomOperation(event, data); ok {
		var result interface{}
		switch op {
		case HandlerJoinRoom:
			if err := so.joinRoom(room); err != nil {
				so.server.log.Error("join failed",
					zap.String("client", so.id), zap.String("room", room), zap.Error(err))
				return
			}
			result = so.runRoomHandlers(HandlerJoinRoom, room, data, ackID)
		case HandlerLeaveRoom:
			if err := so.leaveRoom(room); err != nil {
				so.server.log.Error("leave failed",
					zap.String("client", so.id), zap.String("room", room), zap.Error(err))
				return
			}
			result = so.runRoomHandlers(HandlerLeaveRoom, room, data, ackID)
		}
		if ackID != nil {
			so.sendAck(event, result, ackID)
		}
		return
	}

	var result interface{}
	matched := false
	handled := false
	for _, gw := range so.server.allGateways() {
		for _, entry := range gw.Handlers {
			if entry.Type != HandlerMessage {
				continue
			}
			ok, params := entry.matches(event)
			if !ok {
				continue
			}
			matched = true
			res, ran := so.invoke(gw, entry, &EventContext{
				Socket: so,
				Event:  event,
				Data:   data,
				Params: params,
				AckID:  ackID,
			})
			if ran {
				handled = true
				if res != nil {
					result = res
				}
			}
		}
	}

	if !matched {
		so.server.log.Debug("no handler matched",
			zap.String("client", so.id), zap.String("event", event))
	}
	// A guard rejection is observationally identical to no handler at all:
	// no acknowledgement goes out, the caller's own timeout is the only
	// detection mechanism.
	if ackID != nil && handled {
		so.sendAck(event, result, ackID)
	}
}

// invoke runs one handler entry behind its guards. Guard rejection and
// handler errors are logged and contained here; siblings, the connection
// and the process are unaffected. The second return reports whether the
// handler body actually ran.
func (so *Socket) invoke(gw *Gateway, entry *HandlerEntry, ctx *EventContext) (result interface{}, ran bool) {
	for _, guard := range entry.Guards {
		ok, err := guard(ctx)
		if err != nil {
			so.server.log.Debug("guard error, handler skipped",
				zap.String("gateway", gw.Path),
				zap.String("handler", entry.Type.String()),
				zap.String("event", ctx.Event),
				zap.Error(err))
			return nil, false
		}
		if !ok {
			so.server.log.Debug("guard rejected, handler skipped",
				zap.String("gateway", gw.Path),
				zap.String("handler", entry.Type.String()),
				zap.String("event", ctx.Event))
			return nil, false
		}
	}

	ctx.resolveArgs(entry.Bindings)

	defer func() {
		if r := recover(); r != nil {
			so.server.log.Error("handler panicked",
				zap.String("gateway", gw.Path),
				zap.String("handler", entry.Type.String()),
				zap.String("event", ctx.Event),
				zap.Any("panic", r))
			result, ran = nil, false
		}
	}()

	res, err := entry.Fn(ctx)
	if err != nil {
		so.server.log.Error("handler error",
			zap.String("gateway", gw.Path),
			zap.String("handler", entry.Type.String()),
			zap.String("event", ctx.Event),
			zap.Error(err))
		return nil, false
	}
	return res, true
}

// runLifecycle runs connect or disconnect handlers across every gateway
// whose path matched the upgrade, guard-gated, in registration order.
func (so *Socket) runLifecycle(ht HandlerType) {
	for _, gw := range so.gateways {
		for _, entry := range gw.Handlers {
			if entry.Type != ht {
				continue
			}
			so.invoke(gw, entry, &EventContext{Socket: so, Event: ht.String()})
		}
	}
}

// runRoomHandlers runs join or leave handlers whose pattern matches the
// room name, across every registered gateway.
func (so *Socket) runRoomHandlers(ht HandlerType, room string, data interface{}, ackID *int) interface{} {
	var result interface{}
	for _, gw := range so.server.allGateways() {
		for _, entry := range gw.Handlers {
			if entry.Type != ht {
				continue
			}
			ok, params := entry.matches(room)
			if !ok {
				continue
			}
			if res, ran := so.invoke(gw, entry, &EventContext{
				Socket: so,
				Event:  ht.String(),
				Data:   data,
				Params: params,
				AckID:  ackID,
			}); ran && res != nil {
				result = res
			}
		}
	}
	return result
}

func (so *Socket) joinRoom(room string) error {
	if err := so.server.storage.AddClientToRoom(context.Background(), so.id, room); err != nil {
		return err
	}
	so.mu.Lock()
	so.rooms[room] = struct{}{}
	so.mu.Unlock()
	return nil
}

func (so *Socket) leaveRoom(room string) error {
	if err := so.server.storage.RemoveClientFromRoom(context.Background(), so.id, room); err != nil {
		return err
	}
	so.mu.Lock()
	delete(so.rooms, room)
	so.mu.Unlock()
	return nil
}

func (so *Socket) sendAck(event string, result interface{}, ackID *int) {
	if so.Protocol() == ProtocolSimple {
		frame, err := EncodeMessage(event, result, ackID)
		if err != nil {
			so.server.log.Error("failed to encode ack", zap.String("client", so.id), zap.Error(err))
			return
		}
		_ = so.session.SendRaw(frame)
		return
	}

	packet := &Packet{
		Type:      PacketTypeAck,
		Namespace: so.namespace,
		ID:        ackID,
		Data:      []interface{}{result},
	}
	encoded, err := packet.Encode()
	if err != nil {
		so.server.log.Error("failed to encode ack", zap.String("client", so.id), zap.Error(err))
		return
	}
	_ = so.session.Send(&transport.Packet{
		Type: transport.PacketTypeMessage,
		Data: []byte(encoded),
	})
}

func (so *Socket) handleAck(packet *Packet) {
	if packet.ID == nil {
		return
	}
	val, ok := so.ackHandlers.LoadAndDelete(*packet.ID)
	if !ok {
		return
	}
	handler := val.(AckHandler)

	var data interface{}
	if args, ok := packet.Data.([]interface{}); ok && len(args) > 0 {
		data = args[0]
	}
	handler(data)
}

func (so *Socket) sendConnectReply(namespace string) {
	packet := &Packet{
		Type:      PacketTypeConnect,
		Namespace: namespace,
		Data:      map[string]interface{}{"sid": so.id},
	}
	encoded, err := packet.Encode()
	if err != nil {
		return
	}
	_ = so.session.Send(&transport.Packet{
		Type: transport.PacketTypeMessage,
		Data: []byte(encoded),
	})
}

// markSimple records that the peer speaks the simplified framing and
// switches liveness tracking accordingly.
func (so *Socket) markSimple() {
	so.mu.Lock()
	if so.protocol == ProtocolSimple {
		so.mu.Unlock()
		return
	}
	so.protocol = ProtocolSimple
	so.mu.Unlock()

	so.session.UseSimpleProtocol()
	if err := so.server.storage.UpdateClient(context.Background(), so.record()); err != nil {
		so.server.log.Debug("failed to record protocol switch",
			zap.String("client", so.id), zap.Error(err))
	}
}

// handleClose tears the connection down: disconnect handlers run, pending
// acknowledgements are dropped, the handle leaves the local table and the
// client record cascades out of every room.
func (so *Socket) handleClose(reason string) {
	so.runLifecycle(HandlerDisconnect)

	so.ackHandlers.Range(func(key, _ interface{}) bool {
		so.ackHandlers.Delete(key)
		return true
	})

	so.server.removeSocket(so.id)
	so.server.log.Debug("connection closed",
		zap.String("client", so.id), zap.String("reason", reason))
}

// splitEventPayload unpacks an EVENT packet's JSON array into event name
// and payload: nil for no arguments, the bare argument for one, the
// argument slice otherwise.
func splitEventPayload(data interface{}) (string, interface{}, bool) {
	arr, ok := data.([]interface{})
	if !ok || len(arr) == 0 {
		return "", nil, false
	}
	event, ok := arr[0].(string)
	if !ok {
		return "", nil, false
	}

	args := arr[1:]
	switch len(args) {
	case 0:
		return event, nil, true
	case 1:
		return event, args[0], true
	default:
		return event, args, true
	}
}

// roomOperation recognizes the room convention events: join, leave,
// join:<room>, leave:<room>, with the room name taken from the event suffix,
// a bare payload string or a "room" field.
func roomOperation(event string, data interface{}) (HandlerType, string, bool) {
	var op HandlerType
	var suffix string

	switch {
	case event == "join" || strings.HasPrefix(event, "join:"):
		op = HandlerJoinRoom
		suffix = strings.TrimPrefix(event, "join")
	case event == "leave" || strings.HasPrefix(event, "leave:"):
		op = HandlerLeaveRoom
		suffix = strings.TrimPrefix(event, "leave")
	default:
		return 0, "", false
	}

	if suffix != "" {
		return op, strings.TrimPrefix(suffix, ":"), true
	}

	switch v := data.(type) {
	case string:
		if v != "" {
			return op, v, true
		}
	case map[string]interface{}:
		if room, ok := v["room"].(string); ok && room != "" {
			return op, room, true
		}
	}
	return 0, "", false
}
