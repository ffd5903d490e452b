// Package relaykit provides a realtime messaging gateway for Go.
//
// The gateway accepts long-lived websocket connections, multiplexes named
// events over them using a nested transport+session framing compatible with
// widely deployed realtime clients (plus a simplified single-object
// framing), groups connections into addressable rooms, gates handler
// execution with composable guards, and coordinates broadcast and room
// state across cooperating server processes through a shared store with
// publish/subscribe.
//
// # Quick Start
//
//	gw := relaykit.NewGateway("/chat").
//	    On("echo", func(ctx *relaykit.EventContext) (interface{}, error) {
//	        return ctx.Data, nil
//	    })
//
//	server := relaykit.NewServer(relaykit.NewMemoryStorage(), nil)
//	server.Register(gw)
//
//	http.Handle("/chat", server)
//	http.ListenAndServe(":3000", nil)
//
// # Rooms
//
// Clients join and leave rooms through the convention events "join" and
// "leave" (or "join:<room>" / "leave:<room>"); the server can address any
// room directly:
//
//	server.To("room1").Emit("news", "Hello room!")
//	server.To("room1").Except(socket.ID()).Emit("news", "Hello others!")
//
// # Guards
//
// Guards are ordered authorization predicates normalized once at
// registration; a failing guard silently skips its handler:
//
//	authed := func(ctx *relaykit.EventContext) bool { return ctx.Socket.Auth() != nil }
//	gw.On("admin:*", handler, relaykit.WithGuards(relaykit.AllOf(
//	    relaykit.JWTGuard(secret),
//	    relaykit.NormalizeGuard(authed),
//	)))
//
// # Patterns
//
// Event and room patterns are colon-segmented: "*" matches exactly one
// segment, "{name}" captures exactly one segment:
//
//	gw.On("chat:{roomId}:message", func(ctx *relaykit.EventContext) (interface{}, error) {
//	    room := ctx.Params["roomId"]
//	    ...
//	})
//
// # Multi-instance deployments
//
// Backed by RedisStorage, every broadcast is applied to local connections
// first and then published as an envelope tagged with the originating
// instance id; other instances replay it against their own connections
// only. Delivery across the fleet is at-least-once and unordered.
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	server := relaykit.NewServer(relaykit.NewRedisStorage(rdb, logger), nil)
//
// # Client
//
// The client subpackage implements the matching reconnecting client with
// request/response correlation over the one-way transport.
package relaykit
