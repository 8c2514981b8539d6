// Package timekeeper implements TimeKeeper, the centralized quartz-driven
// scheduler from spec §4.E: a single resumable tick loop that owns every
// formation (delay/interval/repeat timer), replacing a scatter of raw
// time.Timer/time.AfterFunc calls with one source of truth for drift
// compensation, chunking of long waits, and hibernation.
//
// The tick-driven single-goroutine loop here is grounded on the teacher's
// internal/ingest.Batcher, which likewise centralizes timer-driven flushing
// behind one ticker instead of a timer per item.
package timekeeper

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StressSource lets TimeKeeper consult breathing stress to scale its tick
// interval under load (spec data flow: "E ticks periodically, consulting C
// for stress/hibernation"). Breathing's own hibernation flag is not
// consulted here — TimeKeeper owns its own hibernation state independently.
type StressSource interface {
	Combined() float64
}

// noStress is used when no StressSource is wired in.
type noStress struct{}

func (noStress) Combined() float64 { return 0 }

// Config tunes the scheduler (spec §4.E plus ambient safety caps).
type Config struct {
	// TickInterval is how often the quartz loop wakes to scan for due
	// formations. Default 10ms.
	TickInterval time.Duration
	// MaxTimeout is the longest single wait the underlying timer will be
	// asked to hold; waits beyond it are chunked. Default ~24.8 days
	// (math.MaxInt32 milliseconds), matching the common platform timer
	// ceiling.
	MaxTimeout time.Duration
	// SafetyCap forcibly removes a formation after this many executions,
	// guarding against a misconfigured infinite repeat. Default 50000.
	SafetyCap int64
	Stress    StressSource
}

func (c *Config) withDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = (1<<31 - 1) * time.Millisecond
	}
	if c.SafetyCap <= 0 {
		c.SafetyCap = 50000
	}
	if c.Stress == nil {
		c.Stress = noStress{}
	}
}

// TimeKeeper is the scheduler. Zero value is not usable; construct with New.
type TimeKeeper struct {
	cfg Config

	mu          sync.Mutex
	formations  map[string]*Formation
	active      formationHeap
	running     bool
	hibernating bool
	stopCh      chan struct{}
	doneCh      chan struct{}

	onExecute func(f *Formation, err error, dur time.Duration)
	log       zerolog.Logger
}

// New constructs a TimeKeeper. onExecute, if non-nil, is called after every
// formation execution for observability wiring (sensor logging, metrics).
// Use zerolog.Nop() for a no-op logger.
func New(cfg Config, onExecute func(f *Formation, err error, dur time.Duration), log zerolog.Logger) *TimeKeeper {
	cfg.withDefaults()
	return &TimeKeeper{
		cfg:        cfg,
		formations: make(map[string]*Formation),
		onExecute:  onExecute,
		log:        log.With().Str("component", "timekeeper").Logger(),
	}
}

// KeepOptions describes a formation to schedule.
type KeepOptions struct {
	ID       string
	Delay    *time.Duration
	Interval time.Duration
	Repeat   Repeat
	Callback Callback
}

// Keep schedules (or replaces) a formation under id, starting the quartz
// tick loop if it was idle (spec §4.E: "starts quartz if idle"). Replacing
// an existing id cancels its previous schedule.
func (tk *TimeKeeper) Keep(opts KeepOptions) (*Formation, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("timekeeper: Keep requires a non-empty ID")
	}
	if opts.Callback == nil {
		return nil, fmt.Errorf("timekeeper: Keep %q requires a Callback", opts.ID)
	}
	if opts.Repeat == 0 {
		return nil, fmt.Errorf("timekeeper: Keep %q: repeat=0 means never run; caller should not schedule", opts.ID)
	}

	now := time.Now()
	f := &Formation{
		ID:               opts.ID,
		Delay:            opts.Delay,
		Interval:         opts.Interval,
		Repeat:           opts.Repeat,
		Callback:         opts.Callback,
		Status:           StatusActive,
		StartTime:        now,
		OriginalDuration: opts.Interval,
	}

	wait := f.firstDelay()
	tk.scheduleWait(f, wait)

	tk.mu.Lock()
	if old, ok := tk.formations[opts.ID]; ok && old.heapIndex >= 0 {
		heap.Remove(&tk.active, old.heapIndex)
	}
	tk.formations[opts.ID] = f
	heap.Push(&tk.active, f)
	needStart := !tk.running && !tk.hibernating
	tk.mu.Unlock()

	if needStart {
		tk.start()
	}
	return f, nil
}

// scheduleWait sets f's tier and NextExecutionTime/pendingChunk for a wait
// of length d from now, splitting d into MaxTimeout-sized chunks when it
// exceeds the configured ceiling (spec §4.E "Chunking").
func (tk *TimeKeeper) scheduleWait(f *Formation, d time.Duration) {
	if d < 0 {
		d = 0
	}
	f.Tier = tierFor(d, tk.cfg.MaxTimeout)
	if f.Tier == TierChunked {
		step := tk.cfg.MaxTimeout
		f.pendingChunk = d - step
		f.NextExecutionTime = time.Now().Add(step)
		return
	}
	f.pendingChunk = 0
	f.NextExecutionTime = time.Now().Add(d)
}

// Forget cancels and removes a formation (spec §3: "forget cancels any
// pending timer").
func (tk *TimeKeeper) Forget(id string) bool {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	f, ok := tk.formations[id]
	if !ok {
		return false
	}
	if f.heapIndex >= 0 {
		heap.Remove(&tk.active, f.heapIndex)
	}
	delete(tk.formations, id)
	return true
}

// Pause suspends a formation without losing its accumulated schedule state
// (spec §6: "pause/resume ... per channel").
func (tk *TimeKeeper) Pause(id string) bool {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	f, ok := tk.formations[id]
	if !ok || f.Status == StatusPaused {
		return false
	}
	f.Status = StatusPaused
	if f.heapIndex >= 0 {
		heap.Remove(&tk.active, f.heapIndex)
	}
	return true
}

// Resume reactivates a paused formation (id == "" resumes every paused
// formation, lifts global hibernation, and restarts the tick loop if any
// formation is active) rescheduling it from now using its interval (or
// original duration for a formation that never fired).
func (tk *TimeKeeper) Resume(id string) bool {
	tk.mu.Lock()
	var did bool
	if id == "" {
		tk.hibernating = false
		for _, f := range tk.formations {
			if f.Status == StatusPaused {
				tk.resumeLocked(f)
				did = true
			}
		}
	} else if f, ok := tk.formations[id]; ok && f.Status == StatusPaused {
		tk.resumeLocked(f)
		did = true
	}
	needStart := (did || id == "") && !tk.running && !tk.hibernating && len(tk.active) > 0
	tk.mu.Unlock()
	if needStart {
		tk.start()
	}
	return did
}

func (tk *TimeKeeper) resumeLocked(f *Formation) {
	f.Status = StatusActive
	wait := f.Interval
	if !f.HasExecutedOnce {
		wait = f.firstDelay()
	}
	tk.scheduleWait(f, wait)
	heap.Push(&tk.active, f)
}

// Hibernate halts the tick loop and clears every formation (spec: "Authority:
// hibernation is set by TimeKeeper"). A Keep made while hibernating stores
// its formation but does not start the loop; Resume("") lifts hibernation and
// starts a fresh tick loop if any formation is active.
func (tk *TimeKeeper) Hibernate() {
	tk.mu.Lock()
	tk.hibernating = true
	tk.formations = make(map[string]*Formation)
	tk.active = nil
	tk.mu.Unlock()
	tk.stop()
}

// Reset clears all formations and scheduling state and lifts hibernation,
// for a full engine reset (spec §6: "reset").
func (tk *TimeKeeper) Reset() {
	tk.mu.Lock()
	tk.formations = make(map[string]*Formation)
	tk.active = nil
	tk.hibernating = false
	tk.mu.Unlock()
	tk.stop()
}

// Formation returns a formation's current state by id.
func (tk *TimeKeeper) Formation(id string) (Formation, bool) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	f, ok := tk.formations[id]
	if !ok {
		return Formation{}, false
	}
	return *f, true
}

// Count returns the number of formations currently tracked (active or
// paused).
func (tk *TimeKeeper) Count() int {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return len(tk.formations)
}

func (tk *TimeKeeper) start() {
	tk.mu.Lock()
	if tk.running || tk.hibernating {
		tk.mu.Unlock()
		return
	}
	tk.running = true
	tk.stopCh = make(chan struct{})
	tk.doneCh = make(chan struct{})
	stopCh := tk.stopCh
	doneCh := tk.doneCh
	tk.mu.Unlock()

	go tk.loop(stopCh, doneCh)
}

func (tk *TimeKeeper) stop() {
	tk.mu.Lock()
	if !tk.running {
		tk.mu.Unlock()
		return
	}
	tk.running = false
	stopCh := tk.stopCh
	doneCh := tk.doneCh
	tk.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// loop is the single quartz tick goroutine. It exits, clearing `running`,
// whenever the active heap drains to empty, so an idle scheduler costs
// nothing between bursts of activity; the next Keep call restarts it.
func (tk *TimeKeeper) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(tk.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			if tk.tick(now) {
				tk.mu.Lock()
				tk.running = false
				tk.mu.Unlock()
				return
			}
		}
	}
}

// tick fires every due formation and reschedules repeats. Returns true if
// the active heap is empty afterward (loop should exit).
func (tk *TimeKeeper) tick(now time.Time) bool {
	var due []*Formation

	tk.mu.Lock()
	for len(tk.active) > 0 && !tk.active[0].NextExecutionTime.After(now) {
		f := heap.Pop(&tk.active).(*Formation)
		due = append(due, f)
	}
	empty := len(tk.active) == 0
	tk.mu.Unlock()

	for _, f := range due {
		tk.fire(f)
	}
	return empty
}

// fire executes or chunk-advances a due formation, then reschedules its
// repeat (if any) back into the heap.
func (tk *TimeKeeper) fire(f *Formation) {
	if f.pendingChunk > 0 {
		// Mid-wait chunk boundary: advance the clock without invoking the
		// callback (spec §4.E "Chunking": "intermediate ticks ... are
		// invisible to the callback").
		tk.scheduleWait(f, f.pendingChunk)
		tk.mu.Lock()
		if _, ok := tk.formations[f.ID]; ok {
			heap.Push(&tk.active, f)
		}
		tk.mu.Unlock()
		return
	}

	start := time.Now()
	err := tk.invoke(f)
	dur := time.Since(start)

	f.LastExecutionTime = start
	f.HasExecutedOnce = true
	f.ExecutionCount++
	f.Metrics.ExecutionCount++
	f.Metrics.LastDuration = dur
	f.Metrics.TotalDuration += dur
	if err != nil {
		f.Metrics.FailedExecutions++
		tk.log.Error().Str("formation", f.ID).Err(err).Msg("formation callback failed")
	}

	if tk.onExecute != nil {
		tk.onExecute(f, err, dur)
	}

	tk.mu.Lock()
	defer tk.mu.Unlock()

	if _, ok := tk.formations[f.ID]; !ok {
		return // forgotten mid-execution
	}
	if f.ExecutionCount >= int64(tk.cfg.SafetyCap) {
		tk.log.Warn().Str("formation", f.ID).Int64("count", f.ExecutionCount).Msg("formation hit safety cap, removing")
		delete(tk.formations, f.ID)
		return
	}
	if f.Repeat != Forever {
		f.Repeat--
		if f.Repeat <= 0 {
			delete(tk.formations, f.ID)
			return
		}
	}
	if f.Interval <= 0 {
		delete(tk.formations, f.ID)
		return
	}

	wait := tk.driftAdjustedInterval(f)
	tk.scheduleWait(f, wait)
	heap.Push(&tk.active, f)
}

// driftAdjustedInterval compensates a high-precision formation's observed
// scheduling drift and applies breathing-driven stretch under stress (spec
// §4.E: "drift compensation" and the data-flow note that E consults C for
// stress).
func (tk *TimeKeeper) driftAdjustedInterval(f *Formation) time.Duration {
	base := f.Interval
	if f.Tier == TierHigh {
		drift := time.Since(f.NextExecutionTime)
		if drift > 0 {
			adjusted := base - drift
			if adjusted > 0 {
				base = adjusted
			} else {
				base = time.Millisecond
			}
		}
	}
	if stress := tk.cfg.Stress.Combined(); stress > 0 {
		base = time.Duration(float64(base) * (1 + stress*0.1))
	}
	return base
}

func (tk *TimeKeeper) invoke(f *Formation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("timekeeper: formation %q callback panicked: %v", f.ID, r)
		}
	}()
	return f.Callback(context.Background())
}
