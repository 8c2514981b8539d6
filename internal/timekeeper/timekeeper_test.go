package timekeeper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTimeKeeper() *TimeKeeper {
	return New(Config{TickInterval: 2 * time.Millisecond}, nil, zerolog.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestKeepSingleShot(t *testing.T) {
	tk := newTestTimeKeeper()
	var n atomic.Int64
	d := 10 * time.Millisecond
	_, err := tk.Keep(KeepOptions{
		ID:     "once",
		Delay:  &d,
		Repeat: 1,
		Callback: func(ctx context.Context) error {
			n.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Keep: %v", err)
	}
	waitFor(t, time.Second, func() bool { return n.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Errorf("fire count = %d, want 1 (repeat=1 must not reschedule)", got)
	}
}

func TestKeepIntervalNoImmediateFire(t *testing.T) {
	tk := newTestTimeKeeper()
	var n atomic.Int64
	_, err := tk.Keep(KeepOptions{
		ID:       "tick",
		Interval: 15 * time.Millisecond,
		Repeat:   3,
		Callback: func(ctx context.Context) error { n.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("Keep: %v", err)
	}
	// Interval-only (no explicit Delay) must not fire immediately.
	time.Sleep(5 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Errorf("fire count after 5ms = %d, want 0 (no immediate fire)", got)
	}
	waitFor(t, time.Second, func() bool { return n.Load() == 3 })
}

func TestKeepZeroDelayFiresImmediately(t *testing.T) {
	tk := newTestTimeKeeper()
	var n atomic.Int64
	zero := time.Duration(0)
	_, err := tk.Keep(KeepOptions{
		ID:       "immediate",
		Delay:    &zero,
		Interval: 20 * time.Millisecond,
		Repeat:   2,
		Callback: func(ctx context.Context) error { n.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("Keep: %v", err)
	}
	waitFor(t, 50*time.Millisecond, func() bool { return n.Load() >= 1 })
}

func TestKeepRepeatZeroRejected(t *testing.T) {
	tk := newTestTimeKeeper()
	_, err := tk.Keep(KeepOptions{
		ID:       "never",
		Interval: time.Millisecond,
		Repeat:   0,
		Callback: func(ctx context.Context) error { return nil },
	})
	if err == nil {
		t.Fatal("Keep with Repeat=0 should be rejected")
	}
}

func TestForgetCancels(t *testing.T) {
	tk := newTestTimeKeeper()
	var n atomic.Int64
	d := 10 * time.Millisecond
	tk.Keep(KeepOptions{
		ID:     "cancelme",
		Delay:  &d,
		Repeat: 1,
		Callback: func(ctx context.Context) error {
			n.Add(1)
			return nil
		},
	})
	if !tk.Forget("cancelme") {
		t.Fatal("Forget returned false for an existing formation")
	}
	time.Sleep(40 * time.Millisecond)
	if n.Load() != 0 {
		t.Errorf("forgotten formation fired %d times, want 0", n.Load())
	}
	if tk.Forget("cancelme") {
		t.Error("Forget on an already-removed formation should return false")
	}
}

func TestPauseResume(t *testing.T) {
	tk := newTestTimeKeeper()
	var n atomic.Int64
	tk.Keep(KeepOptions{
		ID:       "pausable",
		Interval: 10 * time.Millisecond,
		Repeat:   Forever,
		Callback: func(ctx context.Context) error { n.Add(1); return nil },
	})
	waitFor(t, time.Second, func() bool { return n.Load() >= 1 })

	if !tk.Pause("pausable") {
		t.Fatal("Pause returned false")
	}
	after := n.Load()
	time.Sleep(40 * time.Millisecond)
	if n.Load() != after {
		t.Errorf("formation fired while paused: %d -> %d", after, n.Load())
	}

	if !tk.Resume("pausable") {
		t.Fatal("Resume returned false")
	}
	waitFor(t, time.Second, func() bool { return n.Load() > after })
}

func TestHibernateClearsFormations(t *testing.T) {
	tk := newTestTimeKeeper()
	tk.Keep(KeepOptions{
		ID:       "h",
		Interval: 5 * time.Millisecond,
		Repeat:   Forever,
		Callback: func(ctx context.Context) error { return nil },
	})
	waitFor(t, time.Second, func() bool { return tk.Count() == 1 })
	tk.Hibernate()
	if tk.Count() != 0 {
		t.Errorf("Count after Hibernate = %d, want 0", tk.Count())
	}
	if _, ok := tk.Formation("h"); ok {
		t.Error("formation survived Hibernate")
	}
}

func TestChunkingSplitsLongWaits(t *testing.T) {
	tk := New(Config{TickInterval: time.Millisecond, MaxTimeout: 10 * time.Millisecond}, nil, zerolog.Nop())
	var fired atomic.Bool
	d := 35 * time.Millisecond // > 3 MaxTimeout chunks
	_, err := tk.Keep(KeepOptions{
		ID:     "chunked",
		Delay:  &d,
		Repeat: 1,
		Callback: func(ctx context.Context) error {
			fired.Store(true)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Keep: %v", err)
	}
	// Well before the full wait elapses, the callback must not have fired
	// yet — only chunk boundaries should have been crossed.
	time.Sleep(15 * time.Millisecond)
	if fired.Load() {
		t.Error("chunked formation fired before its full wait elapsed")
	}
	waitFor(t, time.Second, fired.Load)
}

func TestSafetyCapForciblyRemoves(t *testing.T) {
	tk := New(Config{TickInterval: time.Millisecond, SafetyCap: 3}, nil, zerolog.Nop())
	var n atomic.Int64
	tk.Keep(KeepOptions{
		ID:       "runaway",
		Interval: time.Millisecond,
		Repeat:   Forever,
		Callback: func(ctx context.Context) error { n.Add(1); return nil },
	})
	waitFor(t, time.Second, func() bool { return tk.Count() == 0 })
	if got := n.Load(); got < 3 {
		t.Errorf("executions before safety-cap removal = %d, want >= 3", got)
	}
}

func TestOnExecuteCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	tk := New(Config{TickInterval: time.Millisecond}, func(f *Formation, err error, dur time.Duration) {
		mu.Lock()
		seen = append(seen, f.ID)
		mu.Unlock()
	}, zerolog.Nop())
	tk.Keep(KeepOptions{
		ID:     "observed",
		Repeat: 1,
		Callback: func(ctx context.Context) error {
			return nil
		},
	})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
}

type fixedStress struct{ combined float64 }

func (f fixedStress) Combined() float64 { return f.combined }

// driftAdjustedInterval's stress stretch is "baseInterval times (1 +
// combined*0.1)" (spec §4.E), not a full doubling at stress=1.0.
func TestDriftAdjustedIntervalStressStretch(t *testing.T) {
	tk := New(Config{TickInterval: 2 * time.Millisecond, Stress: fixedStress{combined: 1.0}}, nil, zerolog.Nop())
	f := &Formation{Tier: TierStandard, Interval: 100 * time.Millisecond}

	got := tk.driftAdjustedInterval(f)
	want := 110 * time.Millisecond
	if got != want {
		t.Errorf("driftAdjustedInterval at stress=1.0 = %v, want %v (10%% stretch, not a doubling)", got, want)
	}
}

func TestDriftAdjustedIntervalNoStress(t *testing.T) {
	tk := New(Config{TickInterval: 2 * time.Millisecond}, nil, zerolog.Nop())
	f := &Formation{Tier: TierStandard, Interval: 100 * time.Millisecond}

	if got := tk.driftAdjustedInterval(f); got != 100*time.Millisecond {
		t.Errorf("driftAdjustedInterval with no stress source = %v, want unchanged 100ms", got)
	}
}
