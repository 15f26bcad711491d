// Package session tracks live session channels so server-side actors can
// address them by topic or fan out to every session of a view.
package session

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entry is one live session.
type Entry struct {
	Topic     string
	ViewName  string
	StartedAt time.Time
	Value     interface{} // the owning channel
}

// Registry is a concurrency-safe index of live sessions.
type Registry struct {
	entries map[string]*Entry
	byView  map[string]map[string]*Entry
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		byView:  make(map[string]map[string]*Entry),
	}
}

// NewID generates a sortable unique session id.
func NewID() string {
	return ulid.Make().String()
}

// Register records a live session.
func (r *Registry) Register(topic, viewName string, value interface{}) *Entry {
	entry := &Entry{
		Topic:     topic,
		ViewName:  viewName,
		StartedAt: time.Now(),
		Value:     value,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[topic] = entry
	views, ok := r.byView[viewName]
	if !ok {
		views = make(map[string]*Entry)
		r.byView[viewName] = views
	}
	views[topic] = entry
	return entry
}

// Lookup retrieves a session by topic.
func (r *Registry) Lookup(topic string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[topic]
	return entry, ok
}

// Remove drops a session.
func (r *Registry) Remove(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[topic]
	if !ok {
		return
	}
	delete(r.entries, topic)
	if views, ok := r.byView[entry.ViewName]; ok {
		delete(views, topic)
		if len(views) == 0 {
			delete(r.byView, entry.ViewName)
		}
	}
}

// EachView calls fn for every live session of a view. fn runs outside the
// registry lock so it may block on the session's mailbox.
func (r *Registry) EachView(viewName string, fn func(*Entry)) {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.byView[viewName]))
	for _, entry := range r.byView[viewName] {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	for _, entry := range entries {
		fn(entry)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
