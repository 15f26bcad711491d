package liveview

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and protocol failures.
var (
	// ErrSessionInvalid reports a join with a session descriptor that failed
	// verification. The join is rejected; no session is created.
	ErrSessionInvalid = errors.New("liveview: invalid session descriptor")

	// ErrSessionOutdated reports a join with an expired session descriptor.
	// Clients recover by reloading the page to obtain a fresh one.
	ErrSessionOutdated = errors.New("liveview: outdated session descriptor")

	// ErrChannelClosed reports a message sent to a terminated session.
	ErrChannelClosed = errors.New("liveview: channel closed")

	// ErrNotRoutable reports a parameter sync against a view that was not
	// registered with a router.
	ErrNotRoutable = errors.New("liveview: view is not route-addressable")
)

// ContractError reports a callback that violated the view contract: a stop
// without a full redirect, a live redirect paired with stop, a redirect from
// a component callback, or a missing required callback. Contract errors are
// fatal to the session and never retried.
type ContractError struct {
	View     string
	Callback string
	Detail   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("liveview: %s.%s: %s", e.View, e.Callback, e.Detail)
}

func contractFault(view, callback, detail string) *ContractError {
	return &ContractError{View: view, Callback: callback, Detail: detail}
}

// CloseReason is the normalized reason a session terminated, delivered to the
// transport so it can inform the client.
type CloseReason string

const (
	// ReasonClosed is a graceful close: the client left or the transport
	// shut down normally.
	ReasonClosed CloseReason = "closed"

	// ReasonRedirect means the session ended because a full or external
	// redirect was delivered.
	ReasonRedirect CloseReason = "redirect"

	// ReasonError means a callback fault terminated the session.
	ReasonError CloseReason = "error"

	// ReasonParentDown means the logical parent session terminated.
	ReasonParentDown CloseReason = "parent-down"
)

// normalizeClose maps transport-level termination reasons onto the close
// taxonomy: graceful shutdowns collapse to ReasonClosed, everything else is
// passed through.
func normalizeClose(reason CloseReason) CloseReason {
	switch reason {
	case "", "normal", "shutdown", "left":
		return ReasonClosed
	default:
		return reason
	}
}
