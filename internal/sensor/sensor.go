// Package sensor implements the append-only metrics-report event log from
// spec §4.D: a bounded ring buffer with live filtered subscriptions and
// incrementally maintained aggregate counters.
//
// Structurally this is the teacher's internal/ingest.EventBus (ring buffer +
// mutex-protected subscriber map + non-blocking fan-out) generalized from
// SSE call/site/tgid events to Cyre's EventType/actionId/priority events.
package sensor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventType is the closed enum from spec §4.D.
type EventType string

const (
	EventCall       EventType = "call"
	EventDispatch   EventType = "dispatch"
	EventExecution  EventType = "execution"
	EventError      EventType = "error"
	EventThrottle   EventType = "throttle"
	EventDebounce   EventType = "debounce"
	EventSkip       EventType = "skip"
	EventMiddleware EventType = "middleware"
	EventIntralink  EventType = "intralink"
	EventTimeout    EventType = "timeout"
	EventSystem     EventType = "system"
	EventBlocked    EventType = "blocked"
	EventDebug      EventType = "debug"
	EventInfo       EventType = "info"
	EventWarning    EventType = "warning"
	EventCritical   EventType = "critical"
	EventSuccess    EventType = "success"
	EventOther      EventType = "other"
)

// Event is one entry in the sensor log.
type Event struct {
	ID        uint64
	Timestamp time.Time
	ActionID  string
	EventType EventType
	Location  string
	Priority  string
	Metadata  map[string]any
}

// Filter selects a subset of events for export or subscription. A zero
// Filter matches everything.
type Filter struct {
	Types     []EventType
	ActionIDs []string
	Priority  string
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.EventType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.ActionIDs) > 0 {
		ok := false
		for _, id := range f.ActionIDs {
			if id == e.ActionID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Priority != "" && e.Priority != f.Priority {
		return false
	}
	return true
}

// channelTotals is the per-channel aggregate from spec §4.D.
type channelTotals struct {
	Calls    int64
	Errors   int64
	LastCall time.Time
}

// ChannelTotals is an exported snapshot of channelTotals.
type ChannelTotals struct {
	ActionID string
	Calls    int64
	Errors   int64
	LastCall time.Time
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Sensor is the append-only event log plus incremental aggregates.
type Sensor struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextSubID   uint64
	seq         atomic.Uint64

	ringMu   sync.RWMutex
	ring     []Event
	ringSize int
	ringHead int
	ringLen  int

	totalsMu    sync.Mutex
	totals      map[string]*channelTotals
	systemCalls int64
	systemErrs  int64

	// rateMu guards the moving call-rate window (spec §4.D: "moving call-rate
	// over a 1s window").
	rateMu   sync.Mutex
	rateHits []time.Time

	log zerolog.Logger
}

// New creates a Sensor with the given ring buffer capacity. Use
// zerolog.Nop() for a no-op logger.
func New(ringSize int, log zerolog.Logger) *Sensor {
	if ringSize <= 0 {
		ringSize = 4096
	}
	return &Sensor{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
		totals:      make(map[string]*channelTotals),
		log:         log.With().Str("component", "sensor").Logger(),
	}
}

// Log appends an event: updates the ring buffer, aggregates, call-rate
// window, and fans it out to matching subscribers. A slow subscriber whose
// channel is full misses the event (its subscription stays open) rather than
// blocking the logger.
func (s *Sensor) Log(actionID string, eventType EventType, priority, location string, metadata map[string]any) Event {
	e := Event{
		ID:        s.seq.Add(1),
		Timestamp: time.Now(),
		ActionID:  actionID,
		EventType: eventType,
		Location:  location,
		Priority:  priority,
		Metadata:  metadata,
	}

	s.ringMu.Lock()
	s.ring[s.ringHead] = e
	s.ringHead = (s.ringHead + 1) % s.ringSize
	if s.ringLen < s.ringSize {
		s.ringLen++
	}
	s.ringMu.Unlock()

	s.updateAggregates(e)

	if eventType == EventCall {
		s.rateMu.Lock()
		s.rateHits = append(s.rateHits, e.Timestamp)
		s.rateMu.Unlock()
	}

	s.mu.RLock()
	for id, sub := range s.subscribers {
		if sub.filter.matches(e) {
			select {
			case sub.ch <- e:
			default:
				s.log.Warn().Uint64("subscriber", id).Msg("dropping event for slow subscriber")
			}
		}
	}
	s.mu.RUnlock()

	return e
}

func (s *Sensor) updateAggregates(e Event) {
	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()
	t, ok := s.totals[e.ActionID]
	if !ok {
		t = &channelTotals{}
		s.totals[e.ActionID] = t
	}
	switch e.EventType {
	case EventCall:
		t.Calls++
		t.LastCall = e.Timestamp
		s.systemCalls++
	case EventError:
		t.Errors++
		s.systemErrs++
	}
}

// ChannelTotals returns the aggregate counters for one channel.
func (s *Sensor) ChannelTotals(actionID string) ChannelTotals {
	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()
	t, ok := s.totals[actionID]
	if !ok {
		return ChannelTotals{ActionID: actionID}
	}
	return ChannelTotals{ActionID: actionID, Calls: t.Calls, Errors: t.Errors, LastCall: t.LastCall}
}

// SystemTotals returns the system-wide call and error counts.
func (s *Sensor) SystemTotals() (calls, errs int64) {
	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()
	return s.systemCalls, s.systemErrs
}

// CallRate returns the number of EventCall events logged in the trailing
// window (spec §4.D: "moving call-rate over a 1s window"), evicting stale
// samples as a side effect.
func (s *Sensor) CallRate(window time.Duration) int {
	cutoff := time.Now().Add(-window)
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	i := 0
	for i < len(s.rateHits) && s.rateHits[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.rateHits = s.rateHits[i:]
	}
	return len(s.rateHits)
}

// Subscribe registers a live subscriber matching filter. The returned
// cancel func must be called to release the subscription. A callback-style
// caller should pump the returned channel in its own goroutine; a callback
// that panics is the caller's responsibility to recover (spec: "a callback
// that throws is deactivated" is implemented one level up by the stream
// adapter that wraps this channel with a recovering goroutine).
func (s *Sensor) Subscribe(filter Filter) (<-chan Event, func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 256)
	s.subscribers[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			// Safe to close only after removal: Log() holds s.mu (RLock) for
			// the whole fan-out loop, so once the delete above completes no
			// further send can race with this close.
			close(ch)
		})
	}
	return ch, cancel
}

// Stream registers cb to be called for every matching event, deactivating
// it if it panics (spec §4.D: "a callback that throws is deactivated").
// Returns a cancel func.
func (s *Sensor) Stream(filter Filter, cb func(Event)) func() {
	ch, cancel := s.Subscribe(filter)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if invokeSafely(cb, e) {
				cancel()
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// invokeSafely calls cb(e), recovering a panic and reporting whether the
// subscriber should be deactivated.
func invokeSafely(cb func(Event), e Event) (deactivate bool) {
	defer func() {
		if r := recover(); r != nil {
			deactivate = true
		}
	}()
	cb(e)
	return false
}

// Export returns events matching filter, newest-first, applying offset then
// limit (spec §6: "Export accepts filter + limit/offset, returns
// newest-first").
func (s *Sensor) Export(filter Filter, limit, offset int) []Event {
	s.ringMu.RLock()
	defer s.ringMu.RUnlock()

	var matched []Event
	// Walk the ring oldest-to-newest, then reverse, so the final result is
	// newest-first without assuming wraparound direction.
	start := s.ringHead - s.ringLen
	for i := 0; i < s.ringLen; i++ {
		idx := ((start+i)%s.ringSize + s.ringSize) % s.ringSize
		e := s.ring[idx]
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	// Reverse to newest-first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}

// SubscriberCount returns the number of active live subscribers.
func (s *Sensor) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Forget drops the per-channel aggregate stats for actionID (spec §3:
// "forget/clear... also drops... metrics-report action stats").
func (s *Sensor) Forget(actionID string) {
	s.totalsMu.Lock()
	delete(s.totals, actionID)
	s.totalsMu.Unlock()
}

// Clear resets all aggregates. The ring buffer itself is left intact —
// historical events remain exportable until they naturally age out.
func (s *Sensor) Clear() {
	s.totalsMu.Lock()
	s.totals = make(map[string]*channelTotals)
	s.systemCalls = 0
	s.systemErrs = 0
	s.totalsMu.Unlock()
}
