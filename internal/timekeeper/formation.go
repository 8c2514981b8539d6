package timekeeper

import (
	"context"
	"time"
)

// Repeat encodes spec §3's repeat semantics: a non-negative count, or
// "run forever" (the spec's `true` / `Infinity`).
type Repeat int64

// Forever represents the spec's `repeat: true | Infinity`.
const Forever Repeat = -1

// Status is a formation's scheduling state (spec §9: "tagged-state machine
// per formation").
type Status int

const (
	StatusActive Status = iota
	StatusPaused
)

func (s Status) String() string {
	if s == StatusPaused {
		return "paused"
	}
	return "active"
}

// Tier is the formation's precision bucket (spec §4.E).
type Tier int

const (
	TierHigh Tier = iota
	TierStandard
	TierChunked
)

// Metrics tracks a formation's execution history.
type Metrics struct {
	ExecutionCount   int64
	FailedExecutions int64
	LastDuration     time.Duration
	TotalDuration    time.Duration
}

// Callback is invoked when a formation fires. ctx carries no values of
// significance; it exists so long-running callbacks can observe TimeKeeper
// shutdown.
type Callback func(ctx context.Context) error

// Formation is a scheduled timer entry (spec §3 "Timer (Formation)").
type Formation struct {
	ID       string
	Delay    *time.Duration // nil = unset (interval governs first fire too)
	Interval time.Duration
	Repeat   Repeat
	Callback Callback

	Status Status
	Tier   Tier

	StartTime         time.Time
	OriginalDuration  time.Duration
	NextExecutionTime time.Time
	LastExecutionTime time.Time
	ExecutionCount    int64
	HasExecutedOnce   bool

	IsInRecuperation bool
	Metrics          Metrics

	// pendingChunk is the remaining wait time, beyond the next chunk step,
	// for a formation whose requested wait exceeds MaxTimeout (spec §4.E
	// "Chunking").
	pendingChunk time.Duration

	// heapIndex is maintained by container/heap in the priority queue.
	heapIndex int
}

// firstDelay returns the wait before the first execution, per spec §4.E:
// delay governs only the first execution; if unset, the first execution
// waits one interval (no immediate fire).
func (f *Formation) firstDelay() time.Duration {
	if f.Delay != nil {
		return *f.Delay
	}
	return f.Interval
}

// tierFor classifies a wait duration into a precision tier.
func tierFor(d, maxTimeout time.Duration) Tier {
	switch {
	case d < 50*time.Millisecond:
		return TierHigh
	case d < maxTimeout:
		return TierStandard
	default:
		return TierChunked
	}
}
