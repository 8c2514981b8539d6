// Package store provides the typed in-memory maps backing Cyre's channels
// and handlers. Each store is a flat string-keyed map with a mutex;
// writes are not atomic across stores — callers sequence cross-store updates
// themselves (see the Runtime's register/forget/clear operations).
package store

import (
	"sync"

	"github.com/rs/zerolog"
)

// Map is a generic string-keyed store with O(1) get/set/delete and
// unordered full enumeration, safe for concurrent use.
type Map[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	log   zerolog.Logger
}

// New creates an empty Map. Use zerolog.Nop() for a no-op logger.
func New[T any](log zerolog.Logger) *Map[T] {
	return &Map[T]{
		items: make(map[string]T),
		log:   log.With().Str("component", "store").Logger(),
	}
}

// Set stores v under id, replacing any existing entry.
func (m *Map[T]) Set(id string, v T) {
	m.mu.Lock()
	m.items[id] = v
	m.mu.Unlock()
}

// Get returns the value stored under id, if any.
func (m *Map[T]) Get(id string) (T, bool) {
	m.mu.RLock()
	v, ok := m.items[id]
	m.mu.RUnlock()
	return v, ok
}

// Delete removes id from the store. No-op if absent.
func (m *Map[T]) Delete(id string) {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
}

// Has reports whether id is present.
func (m *Map[T]) Has(id string) bool {
	m.mu.RLock()
	_, ok := m.items[id]
	m.mu.RUnlock()
	return ok
}

// Len returns the number of entries.
func (m *Map[T]) Len() int {
	m.mu.RLock()
	n := len(m.items)
	m.mu.RUnlock()
	return n
}

// All returns a snapshot copy of every entry, keyed by id.
func (m *Map[T]) All() map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]T, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

// Keys returns a snapshot of every id currently stored.
func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.items))
	for k := range m.items {
		out = append(out, k)
	}
	return out
}

// Clear removes every entry and returns the ids that were present, so
// callers can cascade the clear into dependent stores (payload history,
// timers, metrics).
func (m *Map[T]) Clear() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.items))
	for k := range m.items {
		ids = append(ids, k)
	}
	m.items = make(map[string]T)
	m.log.Debug().Int("count", len(ids)).Msg("store cleared")
	return ids
}

// Update atomically reads, mutates and writes back the value stored at id.
// fn receives the current value (zero value if absent) and whether it was
// present, and returns the new value to store.
func (m *Map[T]) Update(id string, fn func(v T, ok bool) T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	m.items[id] = fn(cur, ok)
}
