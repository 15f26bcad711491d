package liveview

import (
	"reflect"

	"github.com/livefir/liveview/internal/engine"
)

// RedirectKind distinguishes the redirect taxonomy. A live redirect is
// resolved against the router at dispatch time: same-view targets become an
// in-session parameter re-sync, everything else terminates the session with
// an external-redirect instruction.
type RedirectKind int

const (
	// RedirectFull is a new page load: the session terminates after the
	// target location and flash carryover are delivered.
	RedirectFull RedirectKind = iota + 1
	// RedirectLive is in-session navigation without a full reload.
	RedirectLive
)

// Redirect is a pending navigation instruction set by a callback.
type Redirect struct {
	Kind  RedirectKind
	To    string
	Flash map[string]string
}

// Socket is the per-session UI state snapshot handed to every callback. It is
// owned exclusively by the session's goroutine: callbacks mutate it in place
// and must not retain it past their return.
type Socket struct {
	topic     string
	assigns   map[string]interface{}
	changed   map[string]bool
	flash     map[string]string
	redirect  *Redirect
	stopped   bool
	connected bool
	url       string
}

func newSocket(topic string) *Socket {
	return &Socket{
		topic:   topic,
		assigns: make(map[string]interface{}),
		changed: make(map[string]bool),
	}
}

// Topic returns the session's logical topic.
func (s *Socket) Topic() string { return s.topic }

// URL returns the originating request URL context, updated on live
// navigation.
func (s *Socket) URL() string { return s.url }

// Connected reports whether the socket is attached to a live transport.
func (s *Socket) Connected() bool { return s.connected }

// Assign sets a named input. The name is marked changed only when the new
// value differs from the current one; re-assigning an equal value does not
// force dependent slots to recompute.
func (s *Socket) Assign(key string, value interface{}) {
	if old, ok := s.assigns[key]; ok && reflect.DeepEqual(old, value) {
		return
	}
	s.assigns[key] = value
	s.changed[key] = true
}

// AssignMap assigns every entry of m.
func (s *Socket) AssignMap(m map[string]interface{}) {
	for k, v := range m {
		s.Assign(k, v)
	}
}

// Get returns the current value of an assign.
func (s *Socket) Get(key string) interface{} { return s.assigns[key] }

// Assigns returns a copy of the current assigns.
func (s *Socket) Assigns() map[string]interface{} {
	out := make(map[string]interface{}, len(s.assigns))
	for k, v := range s.assigns {
		out[k] = v
	}
	return out
}

// PutFlash stages a one-time message carried across the next redirect.
func (s *Socket) PutFlash(kind, message string) {
	if s.flash == nil {
		s.flash = make(map[string]string)
	}
	s.flash[kind] = message
}

// Redirect stages a full redirect: the session terminates after delivering
// the target location and the signed flash carryover.
func (s *Socket) Redirect(to string) {
	s.redirect = &Redirect{Kind: RedirectFull, To: to, Flash: s.takeFlash()}
}

// LiveRedirect stages in-session navigation. Whether it stays inside the
// session (parameter re-sync) or terminates it (external redirect) depends on
// whether the router resolves the target to the same view.
func (s *Socket) LiveRedirect(to string) {
	s.redirect = &Redirect{Kind: RedirectLive, To: to, Flash: s.takeFlash()}
}

// Stop requests session termination. Stopping is only legal together with a
// pending full redirect; the channel raises a contract fault otherwise.
func (s *Socket) Stop() { s.stopped = true }

func (s *Socket) takeFlash() map[string]string {
	f := s.flash
	s.flash = nil
	return f
}

// changedSet snapshots the changed marker set for the render step. A nil
// result means change tracking is disabled (first render).
func (s *Socket) changedSet(firstRender bool) engine.Changed {
	if firstRender {
		return nil
	}
	out := make(engine.Changed, len(s.changed))
	for k := range s.changed {
		out[k] = true
	}
	return out
}

func (s *Socket) hasChanges() bool { return len(s.changed) > 0 }

func (s *Socket) clearChanged() {
	s.changed = make(map[string]bool)
}

func (s *Socket) takeRedirect() *Redirect {
	r := s.redirect
	s.redirect = nil
	return r
}
