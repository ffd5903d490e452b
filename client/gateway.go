package client

import (
	"context"
	"encoding/json"
)

// GatewayClient scopes emits and requests to one declared remote gateway.
// Instances come from Client.Gateway and are identity-stable: repeated
// calls with the same name return the same object.
//
// Scoping rides the namespace prefix of the nested framing; the simplified
// framing has no namespace slot, so events pass through unscoped there.
type GatewayClient struct {
	client *Client
	name   string
}

// Name returns the remote gateway name.
func (g *GatewayClient) Name() string {
	return g.name
}

// On registers a listener for events from this gateway.
func (g *GatewayClient) On(name string, fn Handler) {
	g.client.On(name, fn)
}

// Emit sends an event scoped to this gateway.
func (g *GatewayClient) Emit(event string, data interface{}) error {
	return g.client.sendEvent(g.namespace(), event, data, nil)
}

// Request sends an event scoped to this gateway and waits for the
// acknowledgement response.
func (g *GatewayClient) Request(ctx context.Context, event string, data interface{}) (json.RawMessage, error) {
	return g.client.request(ctx, g.namespace(), event, data)
}

func (g *GatewayClient) namespace() string {
	return "/" + g.name
}
