package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Session represents one live connection. It owns the read and write loops,
// the heartbeat timers and the outbound queue. Everything above it deals in
// decoded frames and never touches the websocket directly.
type Session struct {
	id     string
	conn   *websocket.Conn
	config *Config
	log    *zap.Logger

	outgoing  chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	// writeMu serializes direct conn writes: the write loop and the
	// farewell CLOSE packet, which Close may issue from a timer goroutine.
	writeMu sync.Mutex

	mu           sync.RWMutex
	simple       bool
	pingTimer    *time.Timer
	pongTimer    *time.Timer
	onMessage    func([]byte)
	onClose      []func(string)
	onDrain      func()
	lastActivity time.Time
}

// NewSession creates a session over an accepted websocket connection.
func NewSession(id string, conn *websocket.Conn, config *Config, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		id:           id,
		conn:         conn,
		config:       config,
		log:          log,
		outgoing:     make(chan []byte, 256),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Start starts the session loops and the heartbeat.
func (s *Session) Start() {
	go s.writeLoop()
	go s.readLoop()
	s.schedulePing()
}

// Send queues a transport packet for delivery. A full outbound queue means
// the peer is not draining; the packet is dropped, the drain hook fires and
// ErrSlowClient is returned.
func (s *Session) Send(packet *Packet) error {
	return s.SendRaw(packet.Encode())
}

// SendRaw queues an already-encoded frame for delivery.
func (s *Session) SendRaw(data []byte) error {
	select {
	case s.outgoing <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		s.mu.RLock()
		drain := s.onDrain
		s.mu.RUnlock()
		if drain != nil {
			drain()
		}
		return ErrSlowClient
	}
}

// UseSimpleProtocol switches liveness tracking from protocol-level
// PING/PONG packets to websocket control frames. Called when the peer is
// detected (or declared) to speak the simplified framing, which has no
// heartbeat packets of its own.
func (s *Session) UseSimpleProtocol() {
	s.mu.Lock()
	if s.simple {
		s.mu.Unlock()
		return
	}
	s.simple = true
	s.stopTimersLocked()
	s.mu.Unlock()

	s.conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		if s.pongTimer != nil {
			s.pongTimer.Stop()
		}
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.schedulePing()
		return nil
	})
	s.schedulePing()
}

// Simple reports whether the session has switched to the simplified framing.
func (s *Session) Simple() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.simple
}

// Close shuts the session down. Safe to call more than once; the heartbeat
// timers are cancelled exactly once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		s.stopTimersLocked()
		onClose := s.onClose
		s.mu.Unlock()

		// Best-effort farewell. When the write loop is mid-write on the
		// same conn the packet is skipped; closing the conn below aborts
		// the in-flight write either way.
		if s.writeMu.TryLock() {
			packet := &Packet{Type: PacketTypeClose}
			_ = s.conn.WriteMessage(websocket.TextMessage, packet.Encode())
			s.writeMu.Unlock()
		}
		_ = s.conn.Close()

		for _, fn := range onClose {
			fn(reason)
		}
	})
}

// OnMessage sets the handler for inbound message payloads. The handler
// receives the inner payload of MESSAGE packets, or the whole frame when it
// is a simplified-format object.
func (s *Session) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnClose registers a close handler. Handlers run in registration order,
// exactly once, after the underlying connection is closed.
func (s *Session) OnClose(fn func(string)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// OnDrain sets the hook fired when the outbound queue rejects a frame.
// Nothing is buffered or throttled on the session's behalf.
func (s *Session) OnDrain(fn func()) {
	s.mu.Lock()
	s.onDrain = fn
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	defer s.Close("read error")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		// Simplified frames bypass the transport framing entirely.
		if len(data) > 0 && data[0] == '{' {
			s.deliver(data)
			continue
		}

		s.handlePacket(Decode(data))
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.outgoing:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, data)
			s.writeMu.Unlock()
			if err != nil {
				s.Close("write error")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handlePacket(packet *Packet) {
	switch packet.Type {
	case PacketTypePing:
		_ = s.Send(&Packet{Type: PacketTypePong})
	case PacketTypePong:
		s.handlePong()
	case PacketTypeMessage:
		s.deliver(packet.Data)
	case PacketTypeClose:
		s.Close("client closed")
	case PacketTypeNoop:
		s.log.Debug("dropping malformed or noop frame", zap.String("sid", s.id))
	}
}

func (s *Session) handlePong() {
	s.mu.Lock()
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	s.mu.Unlock()
	s.schedulePing()
}

func (s *Session) deliver(data []byte) {
	s.mu.RLock()
	handler := s.onMessage
	s.mu.RUnlock()

	if handler != nil {
		handler(data)
	}
}

// schedulePing arms the interval timer; when it fires a PING goes out and
// the timeout window opens. A PONG inside the window re-arms the cycle,
// anything else closes the session.
func (s *Session) schedulePing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	// Replace, never stack: a second arm (declared simple before Start)
	// must not leave an orphan timer running.
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(time.Duration(s.config.PingInterval)*time.Millisecond, func() {
		s.mu.RLock()
		simple := s.simple
		s.mu.RUnlock()

		if simple {
			deadline := time.Now().Add(time.Duration(s.config.PingTimeout) * time.Millisecond)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close("ping failed")
				return
			}
		} else if err := s.Send(&Packet{Type: PacketTypePing}); err != nil {
			return
		}
		s.schedulePongTimeout()
	})
}

func (s *Session) schedulePongTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pongTimer = time.AfterFunc(time.Duration(s.config.PingTimeout)*time.Millisecond, func() {
		s.Close("ping timeout")
	})
}

func (s *Session) stopTimersLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
}
