// Package registry tracks the sessions that are currently billable in this process.
package registry

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a session id already has a live entry
	ErrAlreadyRegistered = errors.New("session already registered")

	// ErrNotRegistered is returned when removing an unknown session id
	ErrNotRegistered = errors.New("session not registered")
)

// Entry is anything that is keyed by a session id
type Entry interface {
	SessionID() string
}

// Registry maps active session ids to their scheduling entry
type Registry[E Entry] struct {
	mu      sync.RWMutex
	entries map[string]E
}

// New creates an empty registry
func New[E Entry]() *Registry[E] {
	return &Registry[E]{entries: make(map[string]E)}
}

// Register adds an entry; a session can only be registered once
func (r *Registry[E]) Register(e E) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.SessionID()
	if _, ok := r.entries[id]; ok {
		return ErrAlreadyRegistered
	}
	r.entries[id] = e
	return nil
}

// Unregister removes the entry and returns it
func (r *Registry[E]) Unregister(id string) (E, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		var zero E
		return zero, ErrNotRegistered
	}
	delete(r.entries, id)
	return e, nil
}

// Lookup returns the entry for a session id
func (r *Registry[E]) Lookup(id string) (E, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e, ok
}

// Len returns the number of registered sessions
func (r *Registry[E]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the current entries sorted by session id
func (r *Registry[E]) Snapshot() []E {
	r.mu.RLock()
	out := make([]E, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out
}
