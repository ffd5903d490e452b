package relaykit

// HandlerType classifies a registered handler.
type HandlerType int

const (
	HandlerConnect HandlerType = iota
	HandlerDisconnect
	HandlerJoinRoom
	HandlerLeaveRoom
	HandlerMessage
)

// String returns the handler type as a string.
func (ht HandlerType) String() string {
	switch ht {
	case HandlerConnect:
		return "connect"
	case HandlerDisconnect:
		return "disconnect"
	case HandlerJoinRoom:
		return "join_room"
	case HandlerLeaveRoom:
		return "leave_room"
	case HandlerMessage:
		return "message"
	default:
		return "unknown"
	}
}

// BindingKind selects what a parameter binding resolves to at dispatch.
type BindingKind int

const (
	// BindSocket resolves to the live *Socket.
	BindSocket BindingKind = iota
	// BindData resolves to the whole event payload.
	BindData
	// BindParam resolves to one named pattern capture.
	BindParam
	// BindField resolves to one field of an object payload.
	BindField
	// BindAck resolves to the inbound acknowledgement id (*int, possibly nil).
	BindAck
)

// Binding is one entry of a handler's ordered parameter-binding list.
type Binding struct {
	Kind BindingKind
	Name string // capture or field name for BindParam/BindField
}

// Param binds one named pattern capture.
func Param(name string) Binding { return Binding{Kind: BindParam, Name: name} }

// Field binds one field of an object payload.
func Field(name string) Binding { return Binding{Kind: BindField, Name: name} }

// HandlerFunc is the uniform handler shape. A non-nil return value becomes
// the acknowledgement response when the inbound frame asked for one.
type HandlerFunc func(*EventContext) (interface{}, error)

// EventContext carries everything a guard or handler may need for one
// dispatched event.
type EventContext struct {
	Socket *Socket
	Event  string
	Data   interface{}
	Params map[string]string
	Args   []interface{}
	AckID  *int
}

// HandlerEntry is one row of a gateway's resolved handler table.
type HandlerEntry struct {
	Type     HandlerType
	Pattern  string
	Bindings []Binding
	Guards   []Guard
	Fn       HandlerFunc

	compiled *Pattern
}

// Gateway is a logical grouping of realtime handlers bound to one upgrade
// path and optional namespace. The handler table is built once, through the
// builder methods, before the gateway is registered with a Server.
type Gateway struct {
	Path      string
	Namespace string
	Handlers  []*HandlerEntry
}

// NewGateway creates an empty gateway bound to an upgrade path.
func NewGateway(path string) *Gateway {
	return &Gateway{Path: path}
}

// WithNamespace sets the gateway's logical sub-channel.
func (g *Gateway) WithNamespace(ns string) *Gateway {
	g.Namespace = ns
	return g
}

// HandlerOption customizes a handler entry at registration.
type HandlerOption func(*HandlerEntry)

// WithGuards attaches ordered guards to a handler. Each value is normalized
// once here; dispatch treats every guard uniformly.
func WithGuards(guards ...interface{}) HandlerOption {
	return func(e *HandlerEntry) {
		for _, g := range guards {
			e.Guards = append(e.Guards, NormalizeGuard(g))
		}
	}
}

// WithBindings sets the handler's ordered parameter-binding list.
func WithBindings(bindings ...Binding) HandlerOption {
	return func(e *HandlerEntry) {
		e.Bindings = bindings
	}
}

// OnConnect registers a connect handler.
func (g *Gateway) OnConnect(fn HandlerFunc, opts ...HandlerOption) *Gateway {
	return g.add(HandlerConnect, "", fn, opts)
}

// OnDisconnect registers a disconnect handler.
func (g *Gateway) OnDisconnect(fn HandlerFunc, opts ...HandlerOption) *Gateway {
	return g.add(HandlerDisconnect, "", fn, opts)
}

// OnJoin registers a join-room handler; the pattern matches room names.
func (g *Gateway) OnJoin(pattern string, fn HandlerFunc, opts ...HandlerOption) *Gateway {
	return g.add(HandlerJoinRoom, pattern, fn, opts)
}

// OnLeave registers a leave-room handler; the pattern matches room names.
func (g *Gateway) OnLeave(pattern string, fn HandlerFunc, opts ...HandlerOption) *Gateway {
	return g.add(HandlerLeaveRoom, pattern, fn, opts)
}

// On registers a message handler; the pattern matches event names.
func (g *Gateway) On(pattern string, fn HandlerFunc, opts ...HandlerOption) *Gateway {
	return g.add(HandlerMessage, pattern, fn, opts)
}

func (g *Gateway) add(ht HandlerType, pattern string, fn HandlerFunc, opts []HandlerOption) *Gateway {
	entry := &HandlerEntry{
		Type:    ht,
		Pattern: pattern,
		Fn:      fn,
	}
	if pattern != "" {
		entry.compiled = CompilePattern(pattern)
	}
	for _, opt := range opts {
		opt(entry)
	}
	g.Handlers = append(g.Handlers, entry)
	return g
}

// matches reports whether the entry's pattern matches name, with captures.
// Entries registered without a pattern never match by name.
func (e *HandlerEntry) matches(name string) (bool, map[string]string) {
	if e.compiled == nil {
		return false, nil
	}
	return e.compiled.Match(name)
}

// resolveArgs materializes the ordered parameter-binding list for one
// dispatch.
func (ctx *EventContext) resolveArgs(bindings []Binding) {
	if len(bindings) == 0 {
		return
	}
	ctx.Args = make([]interface{}, len(bindings))
	for i, b := range bindings {
		switch b.Kind {
		case BindSocket:
			ctx.Args[i] = ctx.Socket
		case BindData:
			ctx.Args[i] = ctx.Data
		case BindParam:
			ctx.Args[i] = ctx.Params[b.Name]
		case BindField:
			if obj, ok := ctx.Data.(map[string]interface{}); ok {
				ctx.Args[i] = obj[b.Name]
			}
		case BindAck:
			ctx.Args[i] = ctx.AckID
		}
	}
}
