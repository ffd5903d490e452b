package relaykit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit"
	"github.com/relaykit/relaykit/client"
)

func newTestServer(t *testing.T, gateways ...*relaykit.Gateway) (*relaykit.Server, *httptest.Server) {
	t.Helper()

	srv := relaykit.NewServer(relaykit.NewMemoryStorage(), &relaykit.Config{
		PingInterval: 10000,
		PingTimeout:  5000,
	})
	srv.Register(gateways...)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, ts
}

func newTestClient(t *testing.T, url string, opts client.Options) *client.Client {
	t.Helper()

	opts.URL = url
	if opts.AckTimeout == 0 {
		opts.AckTimeout = 2 * time.Second
	}
	c := client.New(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEchoWithAck(t *testing.T) {
	gw := relaykit.NewGateway("/ws").
		On("echo", func(ctx *relaykit.EventContext) (interface{}, error) {
			return ctx.Data, nil
		})

	for _, protocol := range []relaykit.Protocol{relaykit.ProtocolSimple, relaykit.ProtocolNested} {
		t.Run(string(protocol), func(t *testing.T) {
			_, ts := newTestServer(t, gw)
			c := newTestClient(t, ts.URL+"/ws", client.Options{Protocol: protocol})

			assert.NotEmpty(t, c.SID(), "handshake carries a session id")

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			res, err := c.Request(ctx, "echo", map[string]interface{}{"n": 1})
			require.NoError(t, err)
			assert.JSONEq(t, `{"n":1}`, string(res))
		})
	}
}

func TestUnmatchedPathRejected(t *testing.T) {
	_, ts := newTestServer(t, relaykit.NewGateway("/ws"))

	resp, err := http.Get(ts.URL + "/other")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnectHandlerRuns(t *testing.T) {
	var connects atomic.Int32
	gw := relaykit.NewGateway("/ws").
		OnConnect(func(ctx *relaykit.EventContext) (interface{}, error) {
			connects.Add(1)
			return nil, nil
		})

	_, ts := newTestServer(t, gw)
	newTestClient(t, ts.URL+"/ws", client.Options{Protocol: relaykit.ProtocolSimple})

	require.Eventually(t, func() bool {
		return connects.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRoomJoinAndBroadcast(t *testing.T) {
	joined := make(chan string, 4)
	gw := relaykit.NewGateway("/ws").
		OnJoin("{room}", func(ctx *relaykit.EventContext) (interface{}, error) {
			joined <- ctx.Params["room"]
			return nil, nil
		})

	srv, ts := newTestServer(t, gw)

	a := newTestClient(t, ts.URL+"/ws", client.Options{Protocol: relaykit.ProtocolSimple})
	b := newTestClient(t, ts.URL+"/ws", client.Options{Protocol: relaykit.ProtocolSimple})

	gotA := make(chan string, 1)
	gotB := make(chan string, 1)
	a.On("news", func(data json.RawMessage) { gotA <- string(data) })
	b.On("news", func(data json.RawMessage) { gotB <- string(data) })

	require.NoError(t, a.Emit("join", "lobby"))
	require.NoError(t, b.Emit("join", map[string]interface{}{"room": "lobby"}))

	for i := 0; i < 2; i++ {
		select {
		case room := <-joined:
			assert.Equal(t, "lobby", room)
		case <-time.After(2 * time.Second):
			t.Fatal("join handler did not run")
		}
	}

	require.NoError(t, srv.To("lobby").Emit("news", "hello"))

	for name, ch := range map[string]chan string{"a": gotA, "b": gotB} {
		select {
		case payload := <-ch:
			assert.JSONEq(t, `"hello"`, payload, "client %s", name)
		case <-time.After(2 * time.Second):
			t.Fatalf("client %s did not receive the room broadcast", name)
		}
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	left := make(chan string, 1)
	gw := relaykit.NewGateway("/ws").
		OnLeave("{room}", func(ctx *relaykit.EventContext) (interface{}, error) {
			left <- ctx.Params["room"]
			return nil, nil
		})

	srv, ts := newTestServer(t, gw)
	c := newTestClient(t, ts.URL+"/ws", client.Options{Protocol: relaykit.ProtocolSimple})

	got := make(chan string, 2)
	c.On("news", func(data json.RawMessage) { got <- string(data) })

	require.NoError(t, c.Emit("join", "lobby"))
	require.Eventually(t, func() bool {
		socks := srv.Sockets()
		return len(socks) == 1 && socks[0].InRoom("lobby")
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Emit("leave", "lobby"))
	select {
	case room := <-left:
		assert.Equal(t, "lobby", room)
	case <-time.After(2 * time.Second):
		t.Fatal("leave handler did not run")
	}

	require.NoError(t, srv.To("lobby").Emit("news", "gone"))

	select {
	case payload := <-got:
		t.Fatalf("received broadcast after leaving: %s", payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestGuardSkipsHandlerSilently(t *testing.T) {
	var handled atomic.Int32
	deny := func(*relaykit.EventContext) bool { return false }

	gw := relaykit.NewGateway("/ws").
		On("secret", func(ctx *relaykit.EventContext) (interface{}, error) {
			handled.Add(1)
			return "leaked", nil
		}, relaykit.WithGuards(deny))

	_, ts := newTestServer(t, gw)
	c := newTestClient(t, ts.URL+"/ws", client.Options{
		Protocol:   relaykit.ProtocolSimple,
		AckTimeout: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The guard rejection is observationally identical to "no handler":
	// no reply, only the caller's own ack timeout.
	_, err := c.Request(ctx, "secret", nil)
	assert.ErrorIs(t, err, client.ErrAckTimeout)
	assert.Equal(t, int32(0), handled.Load())
}

func TestPatternHandlerCaptures(t *testing.T) {
	params := make(chan map[string]string, 1)
	gw := relaykit.NewGateway("/ws").
		On("chat:{roomId}:message", func(ctx *relaykit.EventContext) (interface{}, error) {
			params <- ctx.Params
			return map[string]interface{}{"room": ctx.Params["roomId"]}, nil
		})

	_, ts := newTestServer(t, gw)
	c := newTestClient(t, ts.URL+"/ws", client.Options{Protocol: relaykit.ProtocolSimple})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Request(ctx, "chat:general:message", "hi")
	require.NoError(t, err)
	assert.JSONEq(t, `{"room":"general"}`, string(res))

	select {
	case p := <-params:
		assert.Equal(t, "general", p["roomId"])
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}

func TestLastNonNilReturnWinsAck(t *testing.T) {
	gw := relaykit.NewGateway("/ws").
		On("multi", func(*relaykit.EventContext) (interface{}, error) {
			return "first", nil
		}).
		On("multi", func(*relaykit.EventContext) (interface{}, error) {
			return nil, nil
		}).
		On("multi", func(*relaykit.EventContext) (interface{}, error) {
			return "last", nil
		})

	_, ts := newTestServer(t, gw)
	c := newTestClient(t, ts.URL+"/ws", client.Options{Protocol: relaykit.ProtocolSimple})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Request(ctx, "multi", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"last"`, string(res))
}

func TestDisconnectCleansUpStorage(t *testing.T) {
	disconnected := make(chan struct{}, 1)
	gw := relaykit.NewGateway("/ws").
		OnDisconnect(func(ctx *relaykit.EventContext) (interface{}, error) {
			disconnected <- struct{}{}
			return nil, nil
		})

	srv, ts := newTestServer(t, gw)
	c := newTestClient(t, ts.URL+"/ws", client.Options{Protocol: relaykit.ProtocolSimple})

	require.NoError(t, c.Emit("join", "lobby"))
	require.Eventually(t, func() bool {
		return len(srv.Sockets()) == 1 && srv.Sockets()[0].InRoom("lobby")
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler did not run")
	}

	require.Eventually(t, func() bool {
		return len(srv.Sockets()) == 0
	}, time.Second, 10*time.Millisecond)
}
