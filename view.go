package liveview

import "context"

// Params carries the route and query parameters delivered to Mount and
// HandleParams.
type Params map[string]string

// SessionInfo is the verified content of a join's session descriptor.
type SessionInfo struct {
	SessionID string
	Topic     string
	ViewName  string
	Values    map[string]interface{}
}

// View is the user-supplied callback module owning one live session. Mount is
// the only required callback; the remaining capabilities are separate
// interfaces so a view implements exactly what it handles, and the channel
// takes an explicit not-implemented path instead of introspecting.
//
// Every callback receives the Socket holding the session's assigns. Callbacks
// run one at a time on the session's own goroutine; they must not retain the
// socket past their return.
type View interface {
	// Mount initializes the session state after the descriptor is verified.
	Mount(ctx context.Context, s *Socket, params Params, session SessionInfo) error
}

// ParamsHandler is implemented by route-addressable views. HandleParams runs
// after Mount and again on every live navigation within the session.
type ParamsHandler interface {
	HandleParams(ctx context.Context, s *Socket, params Params, url string) error
}

// EventHandler receives user interaction events targeting the root view.
type EventHandler interface {
	HandleEvent(ctx context.Context, s *Socket, event string, payload *EventPayload) error
}

// InfoHandler receives generic messages sent to the session from other
// goroutines (timers, pubsub fan-in, background jobs).
type InfoHandler interface {
	HandleInfo(ctx context.Context, s *Socket, msg interface{}) error
}

// CallHandler receives synchronous requests and replies with a value and the
// continuation state in one step.
type CallHandler interface {
	HandleCall(ctx context.Context, s *Socket, msg interface{}) (reply interface{}, err error)
}

// CastHandler receives asynchronous fire-and-forget requests.
type CastHandler interface {
	HandleCast(ctx context.Context, s *Socket, msg interface{}) error
}

// TerminateHandler observes session termination. The reason is the fault that
// ended the session, or nil for a graceful close.
type TerminateHandler interface {
	Terminate(reason error, s *Socket)
}

// ViewFactory builds a fresh View instance per session.
type ViewFactory func() View
