// Package payload implements PayloadState: per-channel last-accepted
// payload tracking and deep-equality change detection, kept separate from
// channel configuration per spec §4.B.
package payload

import (
	"math"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

// Entry is the last accepted payload for a channel, plus a monotonic
// version counter.
type Entry struct {
	Payload any
	Version uint64
	Origin  string
	SetAt   time.Time
}

// State tracks the last accepted payload per channel id and answers
// change-detection queries. All methods are safe for concurrent use.
//
// Change-detection updates must happen after a handler succeeds, never at
// call time — Set is only ever invoked post-dispatch so a blocked or failed
// call can't poison future comparisons (spec §4.B).
type State struct {
	mu      sync.RWMutex
	entries map[string]Entry
	log     zerolog.Logger
}

// New creates an empty PayloadState. Use zerolog.Nop() for a no-op logger.
func New(log zerolog.Logger) *State {
	return &State{
		entries: make(map[string]Entry),
		log:     log.With().Str("component", "payload").Logger(),
	}
}

// Set records payload as the latest accepted value for id, bumping its
// version. origin is a free-form label (e.g. "call", "intralink") kept for
// diagnostics.
func (s *State) Set(id string, v any, origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.entries[id]
	s.entries[id] = Entry{
		Payload: v,
		Version: prev.Version + 1,
		Origin:  origin,
		SetAt:   time.Now(),
	}
}

// Get returns the last accepted payload for id.
func (s *State) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// HasChanged reports whether newPayload differs from the last accepted
// payload for id. A channel with no prior payload is always reported as
// changed (spec §4.B: "returns true if no previous payload is stored").
func (s *State) HasChanged(id string, newPayload any) bool {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	return !DeepEqual(e.Payload, newPayload)
}

// Forget drops the stored payload for id.
func (s *State) Forget(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Clear removes every entry.
func (s *State) Clear() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]Entry)
	s.mu.Unlock()
	s.log.Debug().Int("count", n).Msg("payload state cleared")
}

// timeComparer compares time.Time by timestamp (spec §4.B: "Date by
// timestamp").
var timeComparer = cmp.Comparer(func(a, b time.Time) bool {
	return a.Equal(b)
})

// regexpComparer compares *regexp.Regexp by source pattern (spec §4.B:
// "RegExp by source").
var regexpComparer = cmp.Comparer(func(a, b *regexp.Regexp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
})

// DeepEqual implements the change-detection equality contract from spec
// §4.B: arrays compared elementwise, objects by same key-set and recursive
// equality, time.Time by timestamp, *regexp.Regexp by source, primitives by
// ==. NaN is documented here, per spec's explicit either/or: we follow IEEE
// (NaN != NaN, go-cmp's default for float64), not the "treat as equal"
// alternative the spec permits.
func DeepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	// Float NaN fast path purely for documentation purposes — go-cmp already
	// treats NaN != NaN, matching IEEE 754. Kept explicit so the invariant is
	// visible at the call site rather than buried in a library default.
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok && (math.IsNaN(af) || math.IsNaN(bf)) {
			return false
		}
	}
	return cmp.Equal(a, b, timeComparer, regexpComparer, cmp.Exporter(func(reflect.Type) bool { return true }))
}
