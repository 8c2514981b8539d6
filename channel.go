package cyre

import (
	"sync"
	"time"

	"github.com/cyre-run/cyre-go/internal/pipeline"
	"github.com/cyre-run/cyre-go/internal/schema"
)

// RequiredMode is the `required` channel attribute (spec §3: "bool |
// \"non-empty\"").
type RequiredMode string

const (
	RequiredUnset    RequiredMode = ""
	RequiredTrue     RequiredMode = "true"
	RequiredNonEmpty RequiredMode = "non-empty"
)

// Priority levels (spec §3).
const (
	PriorityCritical   = pipeline.PriorityCritical
	PriorityHigh       = pipeline.PriorityHigh
	PriorityMedium     = pipeline.PriorityMedium
	PriorityLow        = pipeline.PriorityLow
	PriorityBackground = pipeline.PriorityBackground
)

// Priority is the channel's priority declaration (spec §6: "priority: {
// level, maxRetries?, timeout?, fallback?, baseDelay?, maxDelay? }").
type Priority struct {
	Level      string
	MaxRetries int
	Timeout    time.Duration
	Fallback   Handler
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ChannelConfig is the input to Action (spec §3 "Channel (IO)" and §6
// "Channel configuration validator").
//
// Delay distinguishes "unset" from an explicit zero (spec §4.E: delay=0
// with interval means run immediately, then interval; an unset delay means
// the first execution waits one full interval) — callers that want an
// explicit zero delay must pass a pointer to a zero duration.
type ChannelConfig struct {
	ID string

	Throttle      time.Duration
	Debounce      time.Duration
	MaxWait       time.Duration
	DetectChanges bool

	Delay    *time.Duration
	Interval time.Duration
	// Repeat is nil when unset, a pointer to 0 to mean "never run", and a
	// pointer to a negative value (mapped to timekeeper.Forever) to mean
	// infinite repeat.
	Repeat *int64

	Schema    schema.Validator
	Condition func(payload any) bool
	Selector  func(payload any) any
	Transform func(payload any) any
	Required  RequiredMode

	Priority Priority

	Middleware []string
	Tags       []string
	Group      string

	Log   bool
	Block bool
}

// channel is the compiled, registered runtime record for one id. Config is
// the (possibly group-merged) configuration the pipeline was compiled from;
// Pipeline and State are what Call actually executes against.
type channel struct {
	ID        string
	Config    ChannelConfig
	Pipeline  *pipeline.Pipeline
	State     *pipeline.RuntimeState
	CreatedAt time.Time

	mu                     sync.Mutex
	executionCount         int64
	lastExecTime           time.Time
	executionDuration      time.Duration
	errorCount             int64
	debounceFirstRequestAt time.Time
}

func (c *channel) recordExecution(at time.Time, dur time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executionCount++
	c.lastExecTime = at
	c.executionDuration = dur
	if failed {
		c.errorCount++
	}
}

func (c *channel) markDebounceStart(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounceFirstRequestAt.IsZero() {
		c.debounceFirstRequestAt = now
	}
	return c.debounceFirstRequestAt
}

func (c *channel) clearDebounceStart() {
	c.mu.Lock()
	c.debounceFirstRequestAt = time.Time{}
	c.mu.Unlock()
}

// snapshot returns the counters ChannelMetrics reports, taken under lock.
func (c *channel) snapshot() (execCount, errCount int64, lastExec time.Time, dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executionCount, c.errorCount, c.lastExecTime, c.executionDuration
}

func requiredToPipeline(m RequiredMode) pipeline.Required {
	switch m {
	case RequiredTrue:
		return pipeline.RequiredTrue
	case RequiredNonEmpty:
		return pipeline.RequiredNonEmpty
	default:
		return pipeline.RequiredNone
	}
}
