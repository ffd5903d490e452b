package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dialSession starts a session over a real websocket pair and returns the
// server-side session with the raw client conn.
func dialSession(t *testing.T) (*Session, *websocket.Conn) {
	t.Helper()

	sessions := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := NewSession("test-sid", conn, DefaultConfig(), nil)
		session.Start()
		sessions <- session
	}))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	session := <-sessions
	t.Cleanup(func() { session.Close("test done") })
	return session, conn
}

// Close is routinely invoked from a timer goroutine while the write loop is
// mid-write on the same conn; both writers must be serialized or gorilla
// panics on the concurrent write.
func TestSessionCloseDuringWrites(t *testing.T) {
	session, conn := dialSession(t)

	// Drain the client side so server writes keep flowing.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if err := session.Send(&Packet{Type: PacketTypeMessage, Data: []byte(`2["tick"]`)}); err != nil {
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	session.Close("ping timeout")

	wg.Wait()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("client reader did not observe the close")
	}
}

func TestSessionCloseRunsHandlersOnce(t *testing.T) {
	session, _ := dialSession(t)

	var mu sync.Mutex
	var reasons []string
	session.OnClose(func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	session.Close("first")
	session.Close("second")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first"}, reasons)
}
