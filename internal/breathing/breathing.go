// Package breathing implements MetricsState / Breathing (spec §4.C): the
// system-wide health state machine that samples load, computes a weighted
// stress score, derives a breathing rate, and pre-computes the gate flags
// (canCall, canRegister, isOperational) the rest of the runtime reads on
// every call.
//
// Grounded on the teacher's metrics.Collector pattern of reading live gauges
// at scrape/tick time rather than pushing updates eagerly.
package breathing

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stress thresholds and rate bounds (spec §7 "Breathing / system constants":
// implementation-tunable but must be documented).
const (
	ThresholdLow      = 0.25
	ThresholdMedium   = 0.5
	ThresholdHigh     = 0.75
	ThresholdCritical = 0.9

	RateMin      = 50 * time.Millisecond
	RateBase     = 200 * time.Millisecond
	RateMax      = 1000 * time.Millisecond
	RateRecovery = 2000 * time.Millisecond
)

// Limits are the per-dimension saturation points stress is normalized
// against (spec §4.C: "xStress = min(1, x / (LIMIT_x * 0.7))").
type Limits struct {
	CPU       float64 // 0..1 fraction
	Memory    float64 // bytes
	EventLoop float64 // milliseconds of scheduling lag
	CallRate  float64 // calls/sec
}

// DefaultLimits are conservative defaults for a single-process Go runtime.
func DefaultLimits() Limits {
	return Limits{
		CPU:       1.0,
		Memory:    1 << 30, // 1 GiB
		EventLoop: 50,      // ms
		CallRate:  1000,    // calls/sec
	}
}

// Samples is one raw reading of the four stress dimensions (spec §4.C step
// 1: "Sample system metrics").
type Samples struct {
	CPU       float64
	Memory    float64
	EventLoop float64
	CallRate  float64
}

// Sampler produces a fresh Samples reading. Implementations typically read
// runtime.MemStats, a goroutine-scheduling-lag probe, and the sensor's call
// rate; injected so tests can drive deterministic load.
type Sampler interface {
	Sample() Samples
}

// Components is the per-dimension normalized stress plus the combined
// weighted score (spec §3 "Breathing state").
type Components struct {
	CPU       float64
	Memory    float64
	EventLoop float64
	CallRate  float64
	Combined  float64
}

// Pattern is the breathing cadence label.
type Pattern string

const (
	PatternNormal   Pattern = "NORMAL"
	PatternRecovery Pattern = "RECOVERY"
)

// State is the full breathing snapshot (spec §3 "Breathing state").
type State struct {
	Stress            Components
	CurrentRate       time.Duration
	Pattern           Pattern
	IsRecuperating    bool
	RecuperationDepth int
	BreathCount       int64
	LastBreath        time.Time
	NextBreathDue     time.Time
}

// Flags are the pre-computed system gate flags (spec §3 "System flags").
type Flags struct {
	CanCall       bool
	CanRegister   bool
	IsOperational bool
	Reasons       []string
}

// Breathing owns the state machine. All exported methods are safe for
// concurrent use; the hot-path read (Flags) is lock-light by design (spec
// REDESIGN FLAGS: "pre-compute combined gates ... to keep the hot path
// branch-light").
type Breathing struct {
	limits  Limits
	sampler Sampler

	mu       sync.RWMutex
	state    State
	flags    Flags
	locked   bool
	shutdown bool
	init     bool

	onTransition func(event string, s State)
	log          zerolog.Logger
}

// New constructs a Breathing machine. sampler may be nil, in which case
// Tick always observes zero load until SetSampler is called. Use
// zerolog.Nop() for a no-op logger.
func New(limits Limits, sampler Sampler, onTransition func(event string, s State), log zerolog.Logger) *Breathing {
	b := &Breathing{
		limits:       limits,
		sampler:      sampler,
		onTransition: onTransition,
		init:         true,
		log:          log.With().Str("component", "breathing").Logger(),
	}
	b.state.CurrentRate = RateBase
	b.state.Pattern = PatternNormal
	b.recomputeFlags()
	return b
}

// SetSampler swaps the live sampler (e.g. once the sensor is wired up for
// call-rate).
func (b *Breathing) SetSampler(s Sampler) {
	b.mu.Lock()
	b.sampler = s
	b.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// computeComponents implements spec §4.C's stress formula.
func computeComponents(s Samples, l Limits) Components {
	dim := func(x, limit float64) float64 {
		if limit <= 0 {
			return 0
		}
		return clamp01(x / (limit * 0.7))
	}
	c := Components{
		CPU:       dim(s.CPU, l.CPU),
		Memory:    dim(s.Memory, l.Memory),
		EventLoop: dim(s.EventLoop, l.EventLoop),
		CallRate:  dim(s.CallRate, l.CallRate),
	}
	sum := c.CPU + c.Memory + c.EventLoop + c.CallRate
	max := c.CPU
	if c.Memory > max {
		max = c.Memory
	}
	if c.EventLoop > max {
		max = c.EventLoop
	}
	if c.CallRate > max {
		max = c.CallRate
	}
	c.Combined = clamp01((sum + 2*max) / 6)
	return c
}

// rateFor implements spec §4.C's breathing-rate formula.
func rateFor(stress float64) time.Duration {
	if stress >= ThresholdCritical {
		return RateRecovery
	}
	scaled := float64(RateBase) * (1 + (math.Exp(stress) - 1))
	if scaled < float64(RateMin) {
		scaled = float64(RateMin)
	}
	if scaled > float64(RateMax) {
		scaled = float64(RateMax)
	}
	return time.Duration(scaled)
}

// Combined returns the last-computed combined stress score, satisfying
// timekeeper.StressSource.
func (b *Breathing) Combined() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Stress.Combined
}

// Tick samples load, recomputes stress/rate/flags, and returns the new
// breathing rate a scheduler should wait before the next tick (spec §4.C
// "On each breathing tick").
func (b *Breathing) Tick() time.Duration {
	b.mu.Lock()

	var samples Samples
	if b.sampler != nil {
		samples = b.sampler.Sample()
	}
	comps := computeComponents(samples, b.limits)
	rate := rateFor(comps.Combined)

	wasRecuperating := b.state.IsRecuperating
	wasHibernating := false // TimeKeeper owns hibernation; breathing never sets it.

	b.state.Stress = comps
	b.state.CurrentRate = rate
	if comps.Combined >= ThresholdCritical {
		b.state.Pattern = PatternRecovery
	} else {
		b.state.Pattern = PatternNormal
	}
	b.state.IsRecuperating = comps.Combined > ThresholdHigh
	if b.state.IsRecuperating {
		b.state.RecuperationDepth++
	} else {
		b.state.RecuperationDepth = 0
	}
	b.state.BreathCount++
	b.state.LastBreath = time.Now()
	b.state.NextBreathDue = b.state.LastBreath.Add(rate)

	b.recomputeFlags()
	snapshot := b.state
	transitioned := wasRecuperating != b.state.IsRecuperating
	cb := b.onTransition
	b.mu.Unlock()

	if transitioned {
		if snapshot.IsRecuperating {
			b.log.Warn().Float64("stress", snapshot.Stress.Combined).Msg("entering recuperation")
		} else {
			b.log.Info().Msg("recuperation ended")
		}
		if cb != nil {
			if snapshot.IsRecuperating {
				cb("recuperating", snapshot)
			} else {
				cb("normal", snapshot)
			}
		}
	}
	_ = wasHibernating
	return rate
}

// recomputeFlags must be called with b.mu held.
func (b *Breathing) recomputeFlags() {
	var reasons []string
	canCall := !b.shutdown && b.init
	if b.shutdown {
		reasons = append(reasons, "system is shut down")
	}
	if !b.init {
		reasons = append(reasons, "system is not initialized")
	}
	canRegister := canCall && !b.locked
	if b.locked {
		reasons = append(reasons, "system is locked")
	}
	isOperational := canCall && !b.state.IsRecuperating && !b.locked
	if b.state.IsRecuperating {
		reasons = append(reasons, "system is recuperating")
	}
	b.flags = Flags{
		CanCall:       canCall,
		CanRegister:   canRegister,
		IsOperational: isOperational,
		Reasons:       reasons,
	}
}

// Flags returns the current pre-computed gate flags.
func (b *Breathing) Flags() Flags {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.flags
}

// State returns a snapshot of the full breathing state.
func (b *Breathing) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsRecuperating reports the hot-path recuperation flag consulted by the
// pipeline's recuperation step (spec §4.F).
func (b *Breathing) IsRecuperating() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.IsRecuperating
}

// Lock/Unlock/Shutdown/Resume/Init are the explicit operator calls that own
// the lock/shutdown/init axes (spec §4.C: "Authority ... lock/shutdown/init
// by explicit operator calls").
func (b *Breathing) Lock() {
	b.mu.Lock()
	b.locked = true
	b.recomputeFlags()
	b.mu.Unlock()
}

func (b *Breathing) Unlock() {
	b.mu.Lock()
	b.locked = false
	b.recomputeFlags()
	b.mu.Unlock()
}

func (b *Breathing) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	b.recomputeFlags()
	b.mu.Unlock()
}

// Reinitialize clears shutdown/init back to a fresh-boot state (used by the
// runtime's reset()).
func (b *Breathing) Reinitialize() {
	b.mu.Lock()
	b.shutdown = false
	b.init = true
	b.state = State{CurrentRate: RateBase, Pattern: PatternNormal}
	b.recomputeFlags()
	b.mu.Unlock()
}
