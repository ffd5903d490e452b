// Package client implements the reconnecting counterpart of the gateway
// server. It speaks both framing variants, correlates request/response
// pairs over the one-way transport via acknowledgement ids, and recovers
// dropped connections with linear-capped backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaykit/relaykit"
	"github.com/relaykit/relaykit/transport"
)

var (
	// ErrAckTimeout rejects a pending request whose response did not
	// arrive inside the acknowledgement window.
	ErrAckTimeout = errors.New("acknowledgement timeout")
	// ErrDisconnected rejects pending requests when the transport closes
	// and sends on a client that is not connected.
	ErrDisconnected = errors.New("client disconnected")
	// ErrReconnectFailed is the terminal reconnection failure.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
)

// Reserved event names surfaced to subscribers.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventError            = "error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnect        = "reconnect"
	EventReconnectFailed  = "reconnect_failed"
)

// backoffCap caps the linear backoff multiplier.
const backoffCap = 10

// State is the client connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// Options configures a Client.
type Options struct {
	URL       string
	Token     string
	TokenFunc func() (string, error) // takes precedence over Token
	Namespace string
	Protocol  relaykit.Protocol // defaults to the nested framing

	Reconnect            bool
	ReconnectInterval    time.Duration // base backoff interval
	MaxReconnectAttempts int           // 0 means unlimited

	AckTimeout time.Duration
	Logger     *zap.Logger
}

func (o *Options) norm() {
	if o.Protocol == "" {
		o.Protocol = relaykit.ProtocolNested
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Handler receives the payload of a matched inbound event.
type Handler func(data json.RawMessage)

type patternListener struct {
	pattern *relaykit.Pattern
	fn      Handler
}

type ackResult struct {
	data json.RawMessage
	err  error
}

type pendingAck struct {
	ch    chan ackResult
	timer *time.Timer
}

// Client is a reconnecting gateway client.
type Client struct {
	opts Options
	log  *zap.Logger

	state atomic.Int32

	mu             sync.Mutex
	conn           *websocket.Conn
	reconnectTimer *time.Timer
	attempts       int
	closed         bool
	sid            string

	writeMu sync.Mutex

	ackID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int]*pendingAck

	listenersMu sync.RWMutex
	exact       map[string][]Handler
	patterns    []patternListener

	gwMu     sync.Mutex
	gateways map[string]*GatewayClient
}

// New creates a client. No connection is attempted until Connect.
func New(opts Options) *Client {
	opts.norm()
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		pending:  make(map[int]*pendingAck),
		exact:    make(map[string][]Handler),
		gateways: make(map[string]*GatewayClient),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SID returns the session id from the server handshake, empty before the
// first successful connection.
func (c *Client) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// On registers a listener. Names containing '*' or '{' are treated as
// patterns; exact and pattern listeners are evaluated independently against
// every inbound event and both fire when both match.
func (c *Client) On(name string, fn Handler) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if strings.ContainsAny(name, "*{") {
		c.patterns = append(c.patterns, patternListener{
			pattern: relaykit.CompilePattern(name),
			fn:      fn,
		})
		return
	}
	c.exact[name] = append(c.exact[name], fn)
}

// Connect establishes the connection and blocks until the server handshake
// arrives or ctx expires. An initial failed attempt never auto-retries.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.mu.Unlock()

	c.state.Store(int32(StateConnecting))
	if err := c.dial(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	return nil
}

// Emit sends an event without expecting a response.
func (c *Client) Emit(event string, data interface{}) error {
	return c.sendEvent(c.namespace(), event, data, nil)
}

// Request sends an event with an acknowledgement id and waits for the
// matching response. The pending entry is rejected on timeout or transport
// close.
func (c *Client) Request(ctx context.Context, event string, data interface{}) (json.RawMessage, error) {
	return c.request(ctx, c.namespace(), event, data)
}

func (c *Client) request(ctx context.Context, namespace, event string, data interface{}) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, ErrDisconnected
	}

	id := int(c.ackID.Add(1))
	entry := &pendingAck{ch: make(chan ackResult, 1)}

	c.pendingMu.Lock()
	c.pending[id] = entry
	c.pendingMu.Unlock()

	entry.timer = time.AfterFunc(c.opts.AckTimeout, func() {
		c.rejectOne(id, ErrAckTimeout)
	})

	if err := c.sendEvent(namespace, event, data, &id); err != nil {
		c.rejectOne(id, err)
		return nil, err
	}

	select {
	case res := <-entry.ch:
		return res.data, res.err
	case <-ctx.Done():
		c.rejectOne(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// Close disposes the client: the reconnection timer and every pending
// acknowledgement are cancelled, and no further automatic attempts happen.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.rejectAll(ErrDisconnected)
	c.state.Store(int32(StateDisconnected))

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Gateway returns the identity-stable sub-client for one declared remote
// gateway, creating it lazily on first use.
func (c *Client) Gateway(name string) *GatewayClient {
	c.gwMu.Lock()
	defer c.gwMu.Unlock()

	if gw, ok := c.gateways[name]; ok {
		return gw
	}
	gw := &GatewayClient{client: c, name: name}
	c.gateways[name] = gw
	return gw
}

func (c *Client) namespace() string {
	if c.opts.Namespace == "" {
		return "/"
	}
	if !strings.HasPrefix(c.opts.Namespace, "/") {
		return "/" + c.opts.Namespace
	}
	return c.opts.Namespace
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.buildURL()
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		// Close landed while the dial was in flight; the fresh conn must
		// not outlive the disposed client.
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	c.conn = conn
	c.mu.Unlock()

	opened := make(chan struct{})
	go c.readLoop(conn, opened)

	select {
	case <-opened:
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	c.state.Store(int32(StateConnected))
	c.mu.Unlock()

	if c.opts.Protocol == relaykit.ProtocolNested {
		// Announce the namespace session on top of the open transport.
		packet := &relaykit.Packet{Type: relaykit.PacketTypeConnect, Namespace: c.namespace()}
		if encoded, err := packet.Encode(); err == nil {
			_ = c.writeFrame(conn, (&transport.Packet{
				Type: transport.PacketTypeMessage,
				Data: []byte(encoded),
			}).Encode())
		}
	}

	c.fire(EventConnect, nil)
	return nil
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	token := c.opts.Token
	if c.opts.TokenFunc != nil {
		token, err = c.opts.TokenFunc()
		if err != nil {
			return "", err
		}
	}
	if token != "" {
		q.Set("token", token)
	}
	if c.opts.Namespace != "" {
		q.Set("namespace", c.opts.Namespace)
	}
	if c.opts.Protocol == relaykit.ProtocolSimple {
		q.Set("protocol", "simple")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn, opened chan struct{}) {
	var openedOnce sync.Once
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onTransportClose(conn)
			return
		}

		if msg, ok := relaykit.DecodeMessage(data); ok {
			c.handleSimple(msg)
			continue
		}

		packet := transport.Decode(data)
		switch packet.Type {
		case transport.PacketTypeOpen:
			if hs, err := transport.DecodeHandshake(packet.Data); err == nil {
				c.mu.Lock()
				c.sid = hs.SID
				c.mu.Unlock()
			}
			openedOnce.Do(func() { close(opened) })
		case transport.PacketTypePing:
			_ = c.writeFrame(conn, (&transport.Packet{Type: transport.PacketTypePong}).Encode())
		case transport.PacketTypeMessage:
			c.handleSessionFrame(packet.Data)
		case transport.PacketTypeClose:
			_ = conn.Close()
		}
	}
}

func (c *Client) handleSessionFrame(data []byte) {
	packet, err := relaykit.DecodePacket(string(data))
	if err != nil {
		c.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch packet.Type {
	case relaykit.PacketTypeEvent:
		arr, ok := packet.Data.([]interface{})
		if !ok || len(arr) == 0 {
			return
		}
		event, ok := arr[0].(string)
		if !ok {
			return
		}
		var payload interface{}
		if len(arr) == 2 {
			payload = arr[1]
		} else if len(arr) > 2 {
			payload = arr[1:]
		}
		c.dispatch(event, payload)
	case relaykit.PacketTypeAck:
		if packet.ID == nil {
			return
		}
		var payload interface{}
		if args, ok := packet.Data.([]interface{}); ok && len(args) > 0 {
			payload = args[0]
		}
		c.resolve(*packet.ID, payload)
	case relaykit.PacketTypeConnectError:
		c.fire(EventError, packet.Data)
	}
}

func (c *Client) handleSimple(msg *relaykit.Message) {
	if msg.Ack != nil {
		c.pendingMu.Lock()
		_, isPending := c.pending[*msg.Ack]
		c.pendingMu.Unlock()
		if isPending {
			c.resolve(*msg.Ack, msg.Data)
			return
		}
	}
	c.dispatch(msg.Event, msg.Data)
}

// dispatch runs exact and pattern listeners independently; both fire when
// both match.
func (c *Client) dispatch(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	c.listenersMu.RLock()
	handlers := append([]Handler(nil), c.exact[event]...)
	for _, pl := range c.patterns {
		if ok, _ := pl.pattern.Match(event); ok {
			handlers = append(handlers, pl.fn)
		}
	}
	c.listenersMu.RUnlock()

	for _, fn := range handlers {
		fn(data)
	}
}

// fire delivers a reserved lifecycle event through the listener mechanism.
func (c *Client) fire(event string, payload interface{}) {
	c.dispatch(event, payload)
}

func (c *Client) sendEvent(namespace, event string, data interface{}, ackID *int) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	if c.opts.Protocol == relaykit.ProtocolSimple {
		frame, err := relaykit.EncodeMessage(event, data, ackID)
		if err != nil {
			return err
		}
		return c.writeFrame(conn, frame)
	}

	encoded, err := relaykit.EventPacket(namespace, event, ackID, data).Encode()
	if err != nil {
		return err
	}
	return c.writeFrame(conn, (&transport.Packet{
		Type: transport.PacketTypeMessage,
		Data: []byte(encoded),
	}).Encode())
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) resolve(id int, payload interface{}) {
	c.pendingMu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()

	data, err := json.Marshal(payload)
	entry.ch <- ackResult{data: data, err: err}
}

func (c *Client) rejectOne(id int, err error) {
	c.pendingMu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.ch <- ackResult{err: err}
}

func (c *Client) rejectAll(err error) {
	c.pendingMu.Lock()
	entries := c.pending
	c.pending = make(map[int]*pendingAck)
	c.pendingMu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.ch <- ackResult{err: err}
	}
}

// onTransportClose handles a dropped connection: every pending request is
// rejected immediately, and reconnection starts only when it is enabled and
// the previous state was connected.
func (c *Client) onTransportClose(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from a connection already replaced.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	prev := c.State()
	c.state.Store(int32(StateDisconnected))
	c.rejectAll(ErrDisconnected)
	c.fire(EventDisconnect, nil)

	if closed || !c.opts.Reconnect || prev != StateConnected {
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the next attempt. The attempt counter increments
// on every entry into the reconnecting state; the delay grows linearly with
// the attempt number up to a fixed cap.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts

	if c.opts.MaxReconnectAttempts > 0 && attempt > c.opts.MaxReconnectAttempts {
		c.attempts = 0
		c.mu.Unlock()
		c.state.Store(int32(StateDisconnected))
		c.fire(EventReconnectFailed, c.opts.MaxReconnectAttempts)
		return
	}

	c.state.Store(int32(StateReconnecting))
	multiplier := attempt
	if multiplier > backoffCap {
		multiplier = backoffCap
	}
	delay := c.opts.ReconnectInterval * time.Duration(multiplier)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.fire(EventReconnectAttempt, attempt)
		c.state.Store(int32(StateConnecting))

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			c.state.Store(int32(StateDisconnected))
			c.scheduleReconnect()
			return
		}

		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.fire(EventReconnect, attempt)
	})
	c.mu.Unlock()
}
