package pipeline

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeGate struct {
	recuperating bool
	combined     float64
}

func (g fakeGate) IsRecuperating() bool { return g.recuperating }
func (g fakeGate) Combined() float64    { return g.combined }

type fakeValidator struct {
	ok     bool
	reason string
}

func (v fakeValidator) Validate(any) (bool, string) { return v.ok, v.reason }

func TestCompileFastPath(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Log: zerolog.Nop()})
	if !p.HasFastPath {
		t.Error("HasFastPath = false, want true for a plain default-priority channel")
	}
	want := []string{"recuperation", "blockZeroRepeat"}
	if len(p.ProtectionTypes) != len(want) {
		t.Fatalf("ProtectionTypes = %v, want only the mandatory gate steps %v", p.ProtectionTypes, want)
	}
	for i, name := range want {
		if p.ProtectionTypes[i] != name {
			t.Errorf("step[%d] = %q, want %q", i, p.ProtectionTypes[i], name)
		}
	}
}

// A fast-path (no configured protections, default priority) channel must
// still honor recuperation: spec.md Testable Property 7 ("during
// recuperation, only priority.level==='critical' channels execute") is a
// universal invariant, not one scoped to channels with throttle/debounce/
// schema/etc configured.
func TestCompileFastPathStillGatesRecuperation(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Log: zerolog.Nop()})
	state := &RuntimeState{}
	res := Run(p, state, "payload", PriorityMedium, fakeGate{recuperating: true})
	if res.Pass {
		t.Error("Run during recuperation should block a fast-path, non-critical channel")
	}
}

func TestCompileNonDefaultPriorityDisablesFastPath(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Priority: PriorityLow, Log: zerolog.Nop()})
	if p.HasFastPath {
		t.Error("HasFastPath = true, want false for non-default priority")
	}
	if p.Steps[0].Name != "recuperation" || p.Steps[1].Name != "blockZeroRepeat" {
		t.Errorf("Steps = %v, want recuperation, blockZeroRepeat first", p.ProtectionTypes)
	}
}

func TestCompileIsBlockedOnZeroRepeat(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", RepeatIsZero: true, Log: zerolog.Nop()})
	if !p.IsBlocked || p.BlockReason != "repeat is 0" {
		t.Errorf("IsBlocked=%v Reason=%q, want true/\"repeat is 0\"", p.IsBlocked, p.BlockReason)
	}
}

func TestStepOrderMatchesSpec(t *testing.T) {
	p := Compile(Spec{
		ChannelID:  "c",
		Priority:   PriorityLow,
		ThrottleMs: 10,
		DebounceMs: 10,
		Schema:     fakeValidator{ok: true},
		Required:   RequiredTrue,
		Condition:  func(any) bool { return true },
		Selector:   func(a any) any { return a },
		Transform:  func(a any) any { return a },
		Log:        zerolog.Nop(),
	})
	want := []string{"recuperation", "blockZeroRepeat", "priority", "throttle", "debounce", "schema", "required", "condition", "selector", "transform"}
	if len(p.ProtectionTypes) != len(want) {
		t.Fatalf("ProtectionTypes = %v, want %v", p.ProtectionTypes, want)
	}
	for i, name := range want {
		if p.ProtectionTypes[i] != name {
			t.Errorf("step[%d] = %q, want %q", i, p.ProtectionTypes[i], name)
		}
	}
}

func TestRecuperationBlocksNonCritical(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Priority: PriorityHigh, Log: zerolog.Nop()})
	state := &RuntimeState{}
	res := Run(p, state, "payload", PriorityHigh, fakeGate{recuperating: true})
	if res.Pass {
		t.Error("Run during recuperation should block a non-critical channel")
	}
}

func TestRecuperationAllowsCritical(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Priority: PriorityCritical, Log: zerolog.Nop()})
	state := &RuntimeState{}
	res := Run(p, state, "payload", PriorityCritical, fakeGate{recuperating: true})
	if !res.Pass {
		t.Errorf("Run during recuperation should allow a critical channel, got reason %q", res.Reason)
	}
}

func TestPriorityStepBlocksLowUnderStress(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Priority: PriorityLow, Log: zerolog.Nop()})
	state := &RuntimeState{}
	res := Run(p, state, nil, PriorityLow, fakeGate{combined: 0.8})
	if res.Pass {
		t.Error("low-priority call under stress should be blocked")
	}
}

func TestThrottleBlocksWithinWindow(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", ThrottleMs: 1000, Log: zerolog.Nop()})
	state := &RuntimeState{}

	res1 := Run(p, state, nil, PriorityMedium, nil)
	if !res1.Pass {
		t.Fatal("first call should pass throttle")
	}
	res2 := Run(p, state, nil, PriorityMedium, nil)
	if res2.Pass {
		t.Error("second immediate call should be throttled")
	}
}

func TestThrottlePassesAfterWindow(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", ThrottleMs: 5, Log: zerolog.Nop()})
	state := &RuntimeState{}
	Run(p, state, nil, PriorityMedium, nil)
	time.Sleep(10 * time.Millisecond)
	if res := Run(p, state, nil, PriorityMedium, nil); !res.Pass {
		t.Error("call after throttle window elapsed should pass")
	}
}

func TestDebounceAlwaysDelays(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", DebounceMs: 50, Log: zerolog.Nop()})
	state := &RuntimeState{}
	res := Run(p, state, nil, PriorityMedium, nil)
	if res.Pass || !res.Delayed || res.DelayDuration != 50*time.Millisecond {
		t.Errorf("Run with debounce = %+v, want Pass=false Delayed=true Duration=50ms", res)
	}
}

func TestSchemaBlocksOnFailure(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Schema: fakeValidator{ok: false, reason: "bad shape"}, Log: zerolog.Nop()})
	res := Run(p, &RuntimeState{}, nil, PriorityMedium, nil)
	if res.Pass || res.Reason != "bad shape" {
		t.Errorf("Run = %+v, want blocked with schema reason", res)
	}
}

func TestRequiredTrueBlocksNil(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Required: RequiredTrue, Log: zerolog.Nop()})
	res := Run(p, &RuntimeState{}, nil, PriorityMedium, nil)
	if res.Pass {
		t.Error("required:true should block a nil payload")
	}
}

func TestRequiredNonEmptyBlocksEmptyCollections(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Required: RequiredNonEmpty, Log: zerolog.Nop()})
	cases := []any{[]int{}, map[string]int{}, ""}
	for _, c := range cases {
		res := Run(p, &RuntimeState{}, c, PriorityMedium, nil)
		if res.Pass {
			t.Errorf("required:non-empty should block %#v", c)
		}
	}
	res := Run(p, &RuntimeState{}, []int{1}, PriorityMedium, nil)
	if !res.Pass {
		t.Error("required:non-empty should pass a non-empty slice")
	}
}

func TestConditionBlocksFalse(t *testing.T) {
	p := Compile(Spec{ChannelID: "c", Condition: func(v any) bool { return v.(int) > 0 }, Log: zerolog.Nop()})
	if res := Run(p, &RuntimeState{}, -1, PriorityMedium, nil); res.Pass {
		t.Error("condition returning false should block")
	}
	if res := Run(p, &RuntimeState{}, 1, PriorityMedium, nil); !res.Pass {
		t.Error("condition returning true should pass")
	}
}

func TestSelectorAndTransformReplacePayload(t *testing.T) {
	p := Compile(Spec{
		ChannelID: "c",
		Selector:  func(v any) any { return v.(map[string]int)["x"] },
		Transform: func(v any) any { return v.(int) * 2 },
		Log:       zerolog.Nop(),
	})
	res := Run(p, &RuntimeState{}, map[string]int{"x": 21}, PriorityMedium, nil)
	if !res.Pass || res.Payload != 42 {
		t.Errorf("Run = %+v, want Payload=42", res)
	}
}
