// Package cyre implements the Action Runtime (spec §4.G): the in-process
// reactive action bus that wires together stores, payload history,
// breathing, the sensor event log, TimeKeeper, the protection pipeline
// compiler, and channel groups into one Runtime.
//
// Grounded on the teacher's cmd/tr-engine wiring of its own subsystems
// (ingest pipeline, event bus, metrics collector) into a single process
// entry point — generalized here into a single in-process Runtime value
// rather than a long-running service (spec §9 "Design notes": "instantiate
// one runtime ... not rely on process-global singletons").
package cyre

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyre-run/cyre-go/internal/breathing"
	"github.com/cyre-run/cyre-go/internal/group"
	"github.com/cyre-run/cyre-go/internal/pipeline"
	"github.com/cyre-run/cyre-go/internal/sensor"
	"github.com/cyre-run/cyre-go/internal/store"
	"github.com/cyre-run/cyre-go/internal/timekeeper"

	cyrepayload "github.com/cyre-run/cyre-go/internal/payload"
)

// Config tunes a Runtime's ambient components (spec §6: "Breathing / system
// constants ... implementation-tunable but must be documented").
type Config struct {
	Breathing breathing.Limits
	// TimeKeeper tuning.
	TickInterval time.Duration
	MaxTimeout   time.Duration
	SafetyCap    int64
	// RingSize is the sensor's live ring buffer capacity.
	RingSize int
	// Log receives structured lifecycle/error events from every subsystem,
	// each sub-logged with a "component" field. Use zerolog.Nop() for a
	// no-op logger.
	Log zerolog.Logger
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		Breathing:    breathing.DefaultLimits(),
		TickInterval: 10 * time.Millisecond,
		MaxTimeout:   (1<<31 - 1) * time.Millisecond,
		SafetyCap:    50000,
		RingSize:     4096,
		Log:          zerolog.Nop(),
	}
}

// Runtime is the single instantiable Cyre instance (spec §9: "Replace
// ambient module state with explicit context").
type Runtime struct {
	cfg Config

	channels *store.Map[*channel]
	handlers *store.Map[Handler]
	payloads *cyrepayload.State
	breath   *breathing.Breathing
	sensors  *sensor.Sensor
	tk       *timekeeper.TimeKeeper
	groups   *group.Manager

	mu sync.Mutex // serializes registration-order cross-store operations
}

// New constructs a Runtime with the given tunables and starts its
// breathing loop.
func New(cfg Config) *Runtime {
	r := &Runtime{cfg: cfg}

	r.channels = store.New[*channel](cfg.Log)
	r.handlers = store.New[Handler](cfg.Log)
	r.payloads = cyrepayload.New(cfg.Log)
	r.sensors = sensor.New(cfg.RingSize, cfg.Log)

	r.breath = breathing.New(cfg.Breathing, &liveSampler{sensors: r.sensors, limits: cfg.Breathing}, func(event string, s breathing.State) {
		r.sensors.Log("system", sensor.EventSystem, "", "breathing", map[string]any{"transition": event, "combined": s.Stress.Combined})
	}, cfg.Log)

	r.tk = timekeeper.New(timekeeper.Config{
		TickInterval: cfg.TickInterval,
		MaxTimeout:   cfg.MaxTimeout,
		SafetyCap:    cfg.SafetyCap,
		Stress:       r.breath,
	}, nil, cfg.Log)

	r.groups = group.New(r.tk, r.sensors, runtimeLister{r}, cfg.Log)

	r.scheduleNextBreath()
	return r
}

type runtimeLister struct{ r *Runtime }

func (l runtimeLister) ChannelIDs() []string { return l.r.channels.Keys() }

// liveSampler is the default breathing.Sampler: a best-effort, stdlib-only
// read of process load. No CPU/memory-probe library appears anywhere in the
// retrieval pack, so this stays on runtime/runtime.MemStats rather than
// reaching for an out-of-pack dependency.
type liveSampler struct {
	sensors *sensor.Sensor
	limits  breathing.Limits
}

func (s *liveSampler) Sample() breathing.Samples {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	// Scheduling-lag probe: how long it takes a goroutine we spawn right
	// now to actually run, as a proxy for "event loop lag" under load.
	start := time.Now()
	lag := make(chan time.Duration, 1)
	go func() { lag <- time.Since(start) }()
	var eventLoopMs float64
	select {
	case d := <-lag:
		eventLoopMs = float64(d.Microseconds()) / 1000
	case <-time.After(5 * time.Millisecond):
		eventLoopMs = 5
	}

	cpu := float64(runtime.NumGoroutine()) / float64(64*runtime.GOMAXPROCS(0))
	if cpu > 1 {
		cpu = 1
	}

	return breathing.Samples{
		CPU:       cpu * s.limits.CPU,
		Memory:    float64(mem.Alloc),
		EventLoop: eventLoopMs,
		CallRate:  float64(s.sensors.CallRate(time.Second)),
	}
}

func (r *Runtime) scheduleNextBreath() {
	rate := r.breath.State().CurrentRate
	if rate <= 0 {
		rate = breathing.RateBase
	}
	r.tk.Keep(timekeeper.KeepOptions{
		ID:     "system:breathing",
		Delay:  &rate,
		Repeat: 1,
		Callback: func(ctx context.Context) error {
			r.breath.Tick()
			r.scheduleNextBreath()
			return nil
		},
	})
}

func debounceFormationID(channelID string) string { return "debounce:" + channelID }

// Action registers or replaces a channel (spec §6 "action(channelConfig) →
// Response").
func (r *Runtime) Action(cfg ChannelConfig) Response {
	if cfg.ID == "" {
		return Response{OK: false, Message: "channel id is missing"}
	}
	if flags := r.breath.Flags(); !flags.CanRegister {
		return Response{OK: false, Message: "cannot register: " + strings.Join(flags.Reasons, "; ")}
	}
	if cfg.Throttle > 0 && cfg.Debounce > 0 {
		return Response{OK: false, Message: "throttle and debounce cannot both be set"}
	}
	if cfg.MaxWait > 0 && cfg.Debounce == 0 {
		return Response{OK: false, Message: "maxWait requires debounce"}
	}
	if cfg.MaxWait > 0 && cfg.MaxWait <= cfg.Debounce {
		return Response{OK: false, Message: "maxWait must exceed debounce"}
	}
	if cfg.Interval > 0 && cfg.Repeat == nil {
		return Response{OK: false, Message: "interval requires repeat"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.channels.Get(cfg.ID); ok {
		r.tk.Forget(existing.ID)
		r.tk.Forget(debounceFormationID(existing.ID))
	}

	shared := r.groups.AddChannelToGroups(cfg.ID, configToSharedMap(cfg))
	applySharedMap(&cfg, shared)

	repeatIsZero := cfg.Repeat != nil && *cfg.Repeat == 0
	hasScheduling := cfg.Interval > 0 || cfg.Delay != nil

	spec := pipeline.Spec{
		ChannelID:         cfg.ID,
		Priority:          cfg.Priority.Level,
		RepeatIsZero:      repeatIsZero,
		ThrottleMs:        int(cfg.Throttle.Milliseconds()),
		DebounceMs:        int(cfg.Debounce.Milliseconds()),
		DebounceMaxWaitMs: int(cfg.MaxWait.Milliseconds()),
		Schema:            cfg.Schema,
		Required:          requiredToPipeline(cfg.Required),
		Condition:         cfg.Condition,
		Selector:          cfg.Selector,
		Transform:         cfg.Transform,
		HasMiddleware:     len(cfg.Middleware) > 0,
		DetectChanges:     cfg.DetectChanges,
		HasScheduling:     hasScheduling,
		Log:               r.cfg.Log,
	}
	compiled := pipeline.Compile(spec)

	ch := &channel{
		ID:        cfg.ID,
		Config:    cfg,
		Pipeline:  compiled,
		State:     &pipeline.RuntimeState{},
		CreatedAt: time.Now(),
	}
	r.channels.Set(cfg.ID, ch)
	r.sensors.Log(cfg.ID, sensor.EventSystem, cfg.Priority.Level, "action", map[string]any{"registered": true})

	if compiled.IsBlocked {
		return Response{OK: true, Message: "channel registered (blocked: " + compiled.BlockReason + ")"}
	}
	return Response{OK: true, Message: "channel registered"}
}

// On registers or replaces a channel's handler (spec §6 "on(channelId,
// handler) → Response").
func (r *Runtime) On(channelID string, h Handler) Response {
	if flags := r.breath.Flags(); !flags.CanRegister {
		return Response{OK: false, Message: "cannot register: " + strings.Join(flags.Reasons, "; ")}
	}
	if _, ok := r.channels.Get(channelID); !ok {
		return Response{OK: false, Message: "unknown id"}
	}
	r.handlers.Set(channelID, h)
	return Response{OK: true, Message: "handler registered"}
}

// Call invokes a channel (spec §4.G).
func (r *Runtime) Call(channelID string, payload any) Response {
	flags := r.breath.Flags()
	if !flags.CanCall {
		return Response{OK: false, Message: "cannot call: " + strings.Join(flags.Reasons, "; ")}
	}

	ch, ok := r.channels.Get(channelID)
	if !ok {
		return Response{OK: false, Message: "unknown id"}
	}
	h, ok := r.handlers.Get(channelID)
	if !ok {
		return Response{OK: false, Message: "no subscriber"}
	}

	r.sensors.Log(channelID, sensor.EventCall, ch.Config.Priority.Level, "call", map[string]any{"hasPayload": payload != nil})

	if ch.Pipeline.IsBlocked {
		r.sensors.Log(channelID, sensor.EventBlocked, ch.Config.Priority.Level, "call", map[string]any{"reason": ch.Pipeline.BlockReason})
		return Response{OK: false, Message: ch.Pipeline.BlockReason, Metadata: &Metadata{BlockReason: ch.Pipeline.BlockReason}}
	}

	// recuperation/blockZeroRepeat always run here — Pipeline.Steps carries
	// them on every compiled channel, fast-path or not (HasFastPath only
	// means "no protections beyond that baseline gate").
	if ch.Pipeline.HasChangeDetection && !r.payloads.HasChanged(channelID, payload) {
		return Response{OK: false, Message: "Payload unchanged — execution skipped"}
	}

	res := pipeline.Run(ch.Pipeline, ch.State, payload, ch.Config.Priority.Level, r.breath)
	if !res.Pass {
		if res.Delayed {
			return r.scheduleDebounce(ch, h, payload, res.DelayDuration)
		}
		r.sensors.Log(channelID, sensor.EventBlocked, ch.Config.Priority.Level, "call", map[string]any{"reason": res.Reason})
		return Response{OK: false, Message: res.Reason, Metadata: &Metadata{BlockReason: res.Reason}}
	}
	payload = res.Payload

	if ch.Pipeline.HasScheduling {
		return r.scheduleFormation(ch, h, payload)
	}
	return r.dispatch(ch, h, payload)
}

func (r *Runtime) scheduleFormation(ch *channel, h Handler, payload any) Response {
	repeat := timekeeper.Repeat(1)
	if ch.Config.Repeat != nil {
		repeat = timekeeper.Repeat(*ch.Config.Repeat)
		if repeat < 0 {
			repeat = timekeeper.Forever
		}
	}
	if repeat == 0 {
		return Response{OK: false, Message: "repeat is 0", Metadata: &Metadata{BlockReason: "repeat is 0"}}
	}

	_, err := r.tk.Keep(timekeeper.KeepOptions{
		ID:       ch.ID,
		Delay:    ch.Config.Delay,
		Interval: ch.Config.Interval,
		Repeat:   repeat,
		Callback: func(ctx context.Context) error {
			resp := r.dispatch(ch, h, payload)
			if !resp.OK {
				return fmt.Errorf("%s", resp.Message)
			}
			return nil
		},
	})
	if err != nil {
		return Response{OK: false, Message: "scheduler error: " + err.Error()}
	}

	label := "infinite"
	if repeat != timekeeper.Forever {
		label = fmt.Sprintf("%d", int64(repeat))
	}
	return Response{
		OK:      true,
		Message: fmt.Sprintf("Scheduled %s execution(s)", label),
		Metadata: &Metadata{
			Scheduled:  true,
			IntervalMs: ch.Config.Interval.Milliseconds(),
			Repeat:     int64(repeat),
		},
	}
}

func (r *Runtime) scheduleDebounce(ch *channel, h Handler, payload any, d time.Duration) Response {
	firstAt := ch.markDebounceStart(time.Now())

	wait := d
	if ch.Config.MaxWait > 0 {
		remaining := ch.Config.MaxWait - time.Since(firstAt)
		if remaining < wait {
			wait = remaining
		}
		if wait < 0 {
			wait = 0
		}
	}

	delay := wait
	r.tk.Keep(timekeeper.KeepOptions{
		ID:     debounceFormationID(ch.ID),
		Delay:  &delay,
		Repeat: 1,
		Callback: func(ctx context.Context) error {
			ch.clearDebounceStart()
			r.dispatch(ch, h, payload)
			return nil
		},
	})

	return Response{
		OK:       false,
		Message:  fmt.Sprintf("Debounced - will execute in %dms", d.Milliseconds()),
		Metadata: &Metadata{Delayed: true, DurationMs: d.Milliseconds()},
	}
}

func (r *Runtime) dispatch(ch *channel, h Handler, payload any) Response {
	start := time.Now()
	result, err := r.invokeHandler(h, payload, ch.Config.Priority.Timeout)
	dur := time.Since(start)

	ch.recordExecution(start, dur, err != nil)

	if err != nil {
		r.sensors.Log(ch.ID, sensor.EventError, ch.Config.Priority.Level, "dispatch", map[string]any{"error": err.Error()})
		return Response{OK: false, Message: "handler error", Error: err.Error(), Metadata: &Metadata{ExecutionTime: dur.Milliseconds()}}
	}

	r.payloads.Set(ch.ID, payload, "call")
	r.sensors.Log(ch.ID, sensor.EventExecution, ch.Config.Priority.Level, "dispatch", map[string]any{"durationMs": dur.Milliseconds()})

	resp := Response{OK: true, Payload: result, Message: "ok", Metadata: &Metadata{ExecutionTime: dur.Milliseconds()}}

	if link, ok := result.(Link); ok {
		chainResp := r.Call(link.ID, link.Payload)
		r.sensors.Log(ch.ID, sensor.EventIntralink, ch.Config.Priority.Level, "dispatch", map[string]any{"target": link.ID, "ok": chainResp.OK})
		resp.Metadata.ChainResult = &chainResp
	}
	return resp
}

// invokeHandler runs h, recovering a panic into an error. If timeout > 0
// and the handler exceeds it, the handler's eventual result is discarded
// rather than awaited further (spec §7: "the handler is not forcibly
// stopped").
func (r *Runtime) invokeHandler(h Handler, payload any, timeout time.Duration) (result any, err error) {
	if timeout <= 0 {
		return invokeSafely(h, payload)
	}

	type out struct {
		v   any
		err error
	}
	done := make(chan out, 1)
	go func() {
		v, err := invokeSafely(h, payload)
		done <- out{v, err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("handler timed out after %s", timeout)
	}
}

func invokeSafely(h Handler, payload any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(payload), nil
}

// Forget cancels a channel's pending timers and removes it from every
// store (spec §3 "Lifecycle").
func (r *Runtime) Forget(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.channels.Has(channelID) {
		return false
	}
	r.tk.Forget(channelID)
	r.tk.Forget(debounceFormationID(channelID))
	r.channels.Delete(channelID)
	r.handlers.Delete(channelID)
	r.payloads.Forget(channelID)
	r.sensors.Forget(channelID)
	r.groups.RemoveChannelFromGroups(channelID)
	return true
}

// Clear removes every channel and its dependent state (spec §4.A: "clear()
// of channels cascades to payload history, action stats, and all timers
// whose ids equal a channel id").
func (r *Runtime) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.channels.Clear()
	for _, id := range ids {
		r.tk.Forget(id)
		r.tk.Forget(debounceFormationID(id))
		r.handlers.Delete(id)
		r.groups.RemoveChannelFromGroups(id)
	}
	r.payloads.Clear()
	r.sensors.Clear()
}

// Group creates or replaces a channel group (spec §6 "group(groupId,
// config) → Response").
func (r *Runtime) Group(opts group.Options) Response {
	matched, err := r.groups.CreateGroup(opts)
	if err != nil {
		return Response{OK: false, Message: err.Error()}
	}
	return Response{OK: true, Message: fmt.Sprintf("group %q created, %d channel(s) matched", opts.ID, len(matched))}
}

// RemoveGroup removes a group and cancels its alert monitor.
func (r *Runtime) RemoveGroup(id string) bool { return r.groups.RemoveGroup(id) }

// UpdateGroup replaces a group's definition.
func (r *Runtime) UpdateGroup(opts group.Options) Response {
	matched, err := r.groups.UpdateGroup(opts)
	if err != nil {
		return Response{OK: false, Message: err.Error()}
	}
	return Response{OK: true, Message: fmt.Sprintf("group %q updated, %d channel(s) matched", opts.ID, len(matched))}
}

// Pause suspends a channel's scheduled formation, or every channel's if id
// is empty (spec §6: "pause/resume/hibernate/reset (global or by
// channel)").
func (r *Runtime) Pause(channelID string) bool {
	if channelID != "" {
		return r.tk.Pause(channelID)
	}
	did := false
	for _, id := range r.channels.Keys() {
		if r.tk.Pause(id) {
			did = true
		}
	}
	return did
}

// Resume reactivates a paused channel (or every paused channel, and lifts
// hibernation, if id is empty).
func (r *Runtime) Resume(channelID string) bool { return r.tk.Resume(channelID) }

// Hibernate halts the scheduler and clears every pending timer.
func (r *Runtime) Hibernate() { r.tk.Hibernate() }

// Reset clears all channels, timers, and breathing state back to a fresh
// boot, per spec §4.E: "reset(): stop quartz, clear formations, set
// hibernating=false, reset internal counters."
func (r *Runtime) Reset() {
	r.tk.Reset()
	r.Clear()
	r.breath.Reinitialize()
	r.scheduleNextBreath()
}

// SystemHealth is the getSystemHealth() observability snapshot.
type SystemHealth struct {
	Flags          breathing.Flags
	Breathing      breathing.State
	FormationCount int
	ChannelCount   int
}

func (r *Runtime) GetSystemHealth() SystemHealth {
	return SystemHealth{
		Flags:          r.breath.Flags(),
		Breathing:      r.breath.State(),
		FormationCount: r.tk.Count(),
		ChannelCount:   r.channels.Len(),
	}
}

func (r *Runtime) GetBreathingState() breathing.State { return r.breath.State() }

// PerformanceState is the getPerformanceState() observability snapshot.
type PerformanceState struct {
	SystemCalls  int64
	SystemErrors int64
	CallRate     int
}

func (r *Runtime) GetPerformanceState() PerformanceState {
	calls, errs := r.sensors.SystemTotals()
	return PerformanceState{SystemCalls: calls, SystemErrors: errs, CallRate: r.sensors.CallRate(time.Second)}
}

// ChannelMetrics is the getMetrics(channelId) observability snapshot.
type ChannelMetrics struct {
	ChannelID         string
	ExecutionCount    int64
	ErrorCount        int64
	LastExecutionTime time.Time
	LastDuration      time.Duration
	Totals            sensor.ChannelTotals
}

// GetMetrics returns a single channel's metrics. It reports false for an
// unknown (or empty) channelID; system totals come from GetPerformanceState.
func (r *Runtime) GetMetrics(channelID string) (ChannelMetrics, bool) {
	ch, ok := r.channels.Get(channelID)
	if !ok {
		return ChannelMetrics{}, false
	}
	execCount, errCount, lastExec, dur := ch.snapshot()
	return ChannelMetrics{
		ChannelID:         channelID,
		ExecutionCount:    execCount,
		ErrorCount:        errCount,
		LastExecutionTime: lastExec,
		LastDuration:      dur,
		Totals:            r.sensors.ChannelTotals(channelID),
	}, true
}

// ExportEvents returns sensor events matching filter (spec §6
// "exportEvents(filter)").
func (r *Runtime) ExportEvents(filter sensor.Filter, limit, offset int) []sensor.Event {
	return r.sensors.Export(filter, limit, offset)
}

// CreateStream registers a live sensor subscription (spec §6
// "createStream(filter, cb)").
func (r *Runtime) CreateStream(filter sensor.Filter, cb func(sensor.Event)) func() {
	return r.sensors.Stream(filter, cb)
}

// The accessors below satisfy internal/metrics.EngineStats, letting the
// Prometheus collector read live engine gauges without internal/metrics
// importing this package.

func (r *Runtime) FormationCount() int        { return r.tk.Count() }
func (r *Runtime) ChannelCount() int          { return r.channels.Len() }
func (r *Runtime) BreathingStress() float64   { return r.breath.Combined() }
func (r *Runtime) BreathingRate() time.Duration { return r.breath.State().CurrentRate }
func (r *Runtime) SystemCalls() int64 {
	calls, _ := r.sensors.SystemTotals()
	return calls
}
func (r *Runtime) SystemErrors() int64 {
	_, errs := r.sensors.SystemTotals()
	return errs
}
