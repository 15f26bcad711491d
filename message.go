package liveview

import (
	"encoding/json"

	"github.com/livefir/liveview/internal/rendered"
)

// Inbound message kinds consumed by a session channel.
const (
	MsgJoin          = "join"
	MsgLeave         = "leave"
	MsgEvent         = "event"
	MsgLink          = "link"
	MsgCIDsDestroyed = "cids_destroyed"
	MsgUpdate        = "update"
)

// Outbound push kinds produced by a session channel.
const (
	PushDiff             = "diff"
	PushRedirect         = "redirect"
	PushLiveRedirect     = "live-redirect"
	PushExternalRedirect = "external-redirect"
)

// Reply statuses mirrored back with a request reference.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is one inbound frame addressed to a session topic. Ref is the
// optional reply reference: messages with a reference expect a direct reply,
// messages without one are fire-and-forget.
type Envelope struct {
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the payload of a join message.
type JoinPayload struct {
	Session string            `json:"session"`
	URL     string            `json:"url,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// LinkPayload carries the target URL of an in-session link click.
type LinkPayload struct {
	URL string `json:"url"`
}

// TeardownPayload lists component identities to purge from the diff table.
type TeardownPayload struct {
	CIDs []int `json:"cids"`
}

// UpdatePayload is a server-initiated refresh of one nested component.
type UpdatePayload struct {
	Kind    string                 `json:"kind"`
	ID      string                 `json:"id"`
	Assigns map[string]interface{} `json:"assigns,omitempty"`
}

// DiffPayload is the minimal description of a render shipped to the client:
// the root tree diff, isolated component diffs keyed by CID, and, when a
// live navigation was folded into the same message, the redirect
// instruction it resulted from.
type DiffPayload struct {
	Tree         rendered.Node         `json:"d,omitempty"`
	Components   map[int]rendered.Node `json:"c,omitempty"`
	LiveRedirect *RedirectPayload      `json:"live_redirect,omitempty"`
}

// Empty reports whether the diff carries nothing for the client to apply.
func (p *DiffPayload) Empty() bool {
	return p == nil || (len(p.Tree) == 0 && len(p.Components) == 0 && p.LiveRedirect == nil)
}

// RedirectPayload carries a navigation target and the signed flash token
// that survives it.
type RedirectPayload struct {
	To    string `json:"to"`
	Flash string `json:"flash,omitempty"`
}

// ReplyPayload wraps a direct reply with the kind a push of the same content
// would have carried, so the client applies both paths uniformly.
type ReplyPayload struct {
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload"`
}

// RejectPayload is the typed rejection replied to a failed join.
type RejectPayload struct {
	Reason string `json:"reason"`
}

// Transport is the session's view of its owning connection. Implementations
// deliver replies and pushes to the client and propagate close signals; the
// default websocket handler provides one per connection.
type Transport interface {
	// Reply answers a message that carried a reference.
	Reply(ref string, status string, payload interface{}) error

	// Push delivers an unsolicited message of the given kind.
	Push(event string, payload interface{}) error

	// Close tells the transport the session is gone so it can inform the
	// client.
	Close(reason CloseReason) error
}
