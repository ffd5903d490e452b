// Package transport implements the nested wire framing and connection
// lifecycle shared by the gateway server and client: single-digit packet
// types, the OPEN handshake, per-session heartbeat timers and the
// read/write loops over a websocket.
package transport

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowClient    = errors.New("slow client")
)

// Config holds transport configuration.
type Config struct {
	PingInterval int // milliseconds
	PingTimeout  int // milliseconds
	MaxPayload   int // bytes
	Logger       *zap.Logger
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 25000,
		PingTimeout:  20000,
		MaxPayload:   1e6,
	}
}

func (c *Config) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25000
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 20000
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 1e6
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Server accepts websocket upgrades, allocates session ids, sends the
// handshake and tracks live sessions. Path policy belongs to the caller;
// the transport server upgrades whatever request reaches it.
type Server struct {
	config    *Config
	upgrader  websocket.Upgrader
	sessions  sync.Map
	onConnect func(*Session, *http.Request)
}

// NewServer creates a transport server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	config.norm()

	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP upgrades the request and starts a session. The handshake is
// written before the session loops start so it is always the first frame
// the peer sees.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(int64(s.config.MaxPayload))

	sid := uuid.NewString()
	session := NewSession(sid, conn, s.config, s.config.Logger)

	s.sessions.Store(sid, session)

	handshake, err := EncodeHandshake(sid, s.config.PingInterval, s.config.PingTimeout, s.config.MaxPayload)
	if err != nil {
		_ = conn.Close()
		s.sessions.Delete(sid)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		_ = conn.Close()
		s.sessions.Delete(sid)
		return
	}

	session.OnClose(func(string) {
		s.sessions.Delete(sid)
	})

	if s.onConnect != nil {
		s.onConnect(session, r)
	}

	session.Start()
}

// OnConnect sets the handler invoked for every accepted session, before the
// session loops start, with the originating upgrade request.
func (s *Server) OnConnect(fn func(*Session, *http.Request)) {
	s.onConnect = fn
}

// GetSession retrieves a session by ID.
func (s *Server) GetSession(sid string) (*Session, bool) {
	val, ok := s.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Close closes all sessions.
func (s *Server) Close() {
	s.sessions.Range(func(key, value interface{}) bool {
		value.(*Session).Close("server shutdown")
		return true
	})
}
