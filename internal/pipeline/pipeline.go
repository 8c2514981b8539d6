// Package pipeline implements the Protection Pipeline Compiler (spec §4.F):
// it turns a channel declaration into a fixed, pre-computed list of
// protection steps plus pre-computed fast-path/blocked flags, so the hot
// call path never re-derives which protections apply.
package pipeline

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Gate is the subset of breathing.Breathing the recuperation/priority steps
// consult. Kept narrow so this package never imports internal/breathing
// directly.
type Gate interface {
	IsRecuperating() bool
	Combined() float64
}

// Stress thresholds mirror breathing's, duplicated here (as untyped
// constants, not an import) so the compiler package stays decoupled from
// breathing's package boundary; both are grounded on the same spec §4.C
// values.
const thresholdMedium = 0.5

// Required is the `required` step's strictness (spec §4.F).
type Required int

const (
	RequiredNone Required = iota
	RequiredTrue
	RequiredNonEmpty
)

// Priority levels (spec §3).
const (
	PriorityCritical   = "critical"
	PriorityHigh       = "high"
	PriorityMedium     = "medium"
	PriorityLow        = "low"
	PriorityBackground = "background"
)

// Spec describes everything the compiler needs from a channel declaration.
type Spec struct {
	ChannelID string
	Priority  string // defaults to PriorityMedium if empty

	RepeatIsZero bool // explicit repeat==0 (spec: "_isBlocked = repeat===0")
	IDMissing    bool

	ThrottleMs        int
	DebounceMs        int
	DebounceMaxWaitMs int

	Schema    Validator
	Required  Required
	Condition func(payload any) bool
	Selector  func(payload any) any
	Transform func(payload any) any

	HasMiddleware bool
	DetectChanges bool
	HasScheduling bool

	// Log receives a one-line compile summary per channel. Use
	// zerolog.Nop() for a no-op logger.
	Log zerolog.Logger
}

// Validator mirrors internal/schema.Validator's shape without importing it,
// so callers can wire in any validator implementation.
type Validator interface {
	Validate(payload any) (ok bool, reason string)
}

func (s Spec) priority() string {
	if s.Priority == "" {
		return PriorityMedium
	}
	return s.Priority
}

// Result is one step's verdict (spec §4.F: "ctx → {pass, payload?, reason?,
// delayed?, duration?}").
type Result struct {
	Pass          bool
	Payload       any
	Reason        string
	Delayed       bool
	DelayDuration time.Duration
}

func passWith(payload any) Result { return Result{Pass: true, Payload: payload} }
func blockWith(reason string) Result { return Result{Pass: false, Reason: reason} }

// CallContext is the mutable, per-call state a step reads. Stateful steps
// (throttle) also read/update the channel's RuntimeState.
type CallContext struct {
	Payload  any
	Priority string
	Now      time.Time
	Breathing Gate
	State    *RuntimeState
}

// StepFunc is one pipeline step (spec §4.F: "each step is a pure function").
type StepFunc func(ctx *CallContext) Result

// NamedStep pairs a step with its metrics tag (spec: "_protectionTypes").
type NamedStep struct {
	Name string
	Run  StepFunc
}

// RuntimeState is the mutable per-channel state protection steps consult
// across calls (throttle's last-execution timestamp). Separate from the
// immutable compiled Pipeline so the pipeline itself can be shared/read
// lock-free once compiled (spec §5: "compiled pipelines are immutable after
// registration so lock-free reads are safe").
type RuntimeState struct {
	mu           sync.Mutex
	lastExecTime time.Time
}

// checkAndSetThrottle implements spec §4.F's throttle contract: the first
// call always passes; a later call within ms of the last accepted call is
// blocked with the remaining wait. A passing call updates lastExecTime.
func (r *RuntimeState) checkAndSetThrottle(ms int, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastExecTime.IsZero() {
		elapsed := now.Sub(r.lastExecTime)
		window := time.Duration(ms) * time.Millisecond
		if elapsed < window {
			remaining := window - elapsed
			return blockWith(fmt.Sprintf("Throttled: %dms remaining", remaining.Milliseconds()))
		}
	}
	r.lastExecTime = now
	return Result{Pass: true}
}

// Pipeline is the compiled, immutable result of Compile.
type Pipeline struct {
	ChannelID string

	IsBlocked   bool
	BlockReason string

	HasFastPath        bool
	HasChangeDetection bool
	HasScheduling      bool
	HasProtections     bool

	Steps           []NamedStep
	ProtectionTypes []string
}

// Compile builds the fixed, pre-computed step list for spec (spec §4.F).
func Compile(spec Spec) *Pipeline {
	log := spec.Log.With().Str("component", "pipeline").Logger()
	p := &Pipeline{ChannelID: spec.ChannelID, HasScheduling: spec.HasScheduling}
	defer func() {
		log.Debug().
			Str("channel", p.ChannelID).
			Bool("blocked", p.IsBlocked).
			Strs("steps", p.ProtectionTypes).
			Msg("pipeline compiled")
	}()

	if spec.RepeatIsZero {
		p.IsBlocked = true
		p.BlockReason = "repeat is 0"
	} else if spec.IDMissing {
		p.IsBlocked = true
		p.BlockReason = "channel id is missing"
	}

	priority := spec.priority()
	needsProtection := spec.ThrottleMs > 0 ||
		spec.DebounceMs > 0 ||
		spec.DetectChanges ||
		spec.Schema != nil ||
		spec.Condition != nil ||
		spec.Selector != nil ||
		spec.Transform != nil ||
		spec.Required != RequiredNone ||
		priority != PriorityMedium ||
		spec.HasMiddleware

	p.HasChangeDetection = spec.DetectChanges
	p.HasProtections = needsProtection
	p.HasFastPath = !needsProtection

	add := func(name string, fn StepFunc) {
		p.Steps = append(p.Steps, NamedStep{Name: name, Run: fn})
		p.ProtectionTypes = append(p.ProtectionTypes, name)
	}

	// recuperation and blockZeroRepeat gate every channel regardless of
	// configured protections: "during recuperation, only critical channels
	// execute" is a universal invariant, not one scoped to channels that
	// also have throttle/debounce/schema/etc configured.
	add("recuperation", stepRecuperation)
	add("blockZeroRepeat", stepBlockZeroRepeat(spec.RepeatIsZero))

	if !needsProtection {
		return p
	}

	if priority != PriorityMedium {
		add("priority", stepPriority)
	}
	if spec.ThrottleMs > 0 {
		add("throttle", stepThrottle(spec.ThrottleMs))
	}
	if spec.DebounceMs > 0 {
		add("debounce", stepDebounce(spec.DebounceMs))
	}
	if spec.Schema != nil {
		add("schema", stepSchema(spec.Schema))
	}
	if spec.Required != RequiredNone {
		add("required", stepRequired(spec.Required))
	}
	if spec.Condition != nil {
		add("condition", stepCondition(spec.Condition))
	}
	if spec.Selector != nil {
		add("selector", stepSelector(spec.Selector))
	}
	if spec.Transform != nil {
		add("transform", stepTransform(spec.Transform))
	}

	return p
}

// Run executes a compiled pipeline's steps in order against state, short
// circuiting on the first block or delay.
func Run(p *Pipeline, state *RuntimeState, payload any, priority string, breathing Gate) Result {
	ctx := &CallContext{Payload: payload, Priority: priority, Now: time.Now(), Breathing: breathing, State: state}
	for _, step := range p.Steps {
		ctx.Now = time.Now()
		res := step.Run(ctx)
		if !res.Pass {
			return res
		}
		if res.Payload != nil {
			ctx.Payload = res.Payload
		}
	}
	return passWith(ctx.Payload)
}

func stepRecuperation(ctx *CallContext) Result {
	if ctx.Breathing != nil && ctx.Breathing.IsRecuperating() && ctx.Priority != PriorityCritical {
		return blockWith("system is recuperating — only critical channels execute")
	}
	return Result{Pass: true}
}

func stepBlockZeroRepeat(repeatIsZero bool) StepFunc {
	return func(ctx *CallContext) Result {
		if repeatIsZero {
			return blockWith("repeat is 0")
		}
		return Result{Pass: true}
	}
}

func stepPriority(ctx *CallContext) Result {
	if ctx.Breathing == nil {
		return Result{Pass: true}
	}
	if ctx.Breathing.Combined() > thresholdMedium && (ctx.Priority == PriorityLow || ctx.Priority == PriorityBackground) {
		return blockWith("system under stress — low-priority channel deferred")
	}
	return Result{Pass: true}
}

func stepThrottle(ms int) StepFunc {
	return func(ctx *CallContext) Result {
		return ctx.State.checkAndSetThrottle(ms, ctx.Now)
	}
}

func stepDebounce(ms int) StepFunc {
	return func(ctx *CallContext) Result {
		return Result{Pass: false, Delayed: true, DelayDuration: time.Duration(ms) * time.Millisecond}
	}
}

func stepSchema(v Validator) StepFunc {
	return func(ctx *CallContext) Result {
		if ok, reason := v.Validate(ctx.Payload); !ok {
			return blockWith(reason)
		}
		return Result{Pass: true}
	}
}

func stepRequired(level Required) StepFunc {
	return func(ctx *CallContext) Result {
		if ctx.Payload == nil {
			return blockWith("required payload is missing")
		}
		if level == RequiredNonEmpty && isEmpty(ctx.Payload) {
			return blockWith("required payload must be non-empty")
		}
		return Result{Pass: true}
	}
}

func isEmpty(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Array, reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func stepCondition(cond func(any) bool) StepFunc {
	return func(ctx *CallContext) Result {
		if !cond(ctx.Payload) {
			return blockWith("condition not met")
		}
		return Result{Pass: true}
	}
}

func stepSelector(sel func(any) any) StepFunc {
	return func(ctx *CallContext) Result {
		return passWith(sel(ctx.Payload))
	}
}

func stepTransform(tr func(any) any) StepFunc {
	return func(ctx *CallContext) Result {
		return passWith(tr(ctx.Payload))
	}
}
