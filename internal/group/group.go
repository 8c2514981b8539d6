// Package group implements Channel Groups (spec §4.H): glob-pattern channel
// matching, deep-merge of shared configuration into matching channels, and
// scheduler-driven offline-channel alerting.
package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/cyre-run/cyre-go/internal/sensor"
	"github.com/cyre-run/cyre-go/internal/timekeeper"
)

// Lister gives the group manager visibility into currently registered
// channel ids, so createGroup can find existing matches immediately.
// CreateGroup records those matches as members; it does not merge the
// group's shared config into them.
type Lister interface {
	ChannelIDs() []string
}

// AlertFunc is invoked when a group's monitored channel goes offline (no
// call within its alert threshold).
type AlertFunc func(groupID, channelID string)

// Options describes a group to create or replace.
type Options struct {
	ID       string
	Patterns []string
	Shared   map[string]any
	// AlertThreshold, if non-zero, enables offline-channel monitoring: a
	// channel with no call within this window emits a critical event and
	// invokes OnAlert (spec §4.H: "register alert monitors (e.g., offline
	// channels via a scheduler-driven check at min(threshold/2, 5000))").
	AlertThreshold time.Duration
	OnAlert        AlertFunc
}

type groupEntry struct {
	Options
	matchers []glob.Glob
	members  map[string]bool
}

func (g *groupEntry) matches(channelID string) bool {
	for _, m := range g.matchers {
		if m.Match(channelID) {
			return true
		}
	}
	return false
}

// Manager owns every group and the alert-monitor formations it registers
// with TimeKeeper.
type Manager struct {
	tk     *timekeeper.TimeKeeper
	sensor *sensor.Sensor
	lister Lister

	mu     sync.RWMutex
	groups map[string]*groupEntry

	log zerolog.Logger
}

// New constructs a Manager. lister may be nil, in which case CreateGroup
// starts with no immediately-matched members (channels register into the
// group as they're created). Use zerolog.Nop() for a no-op logger.
func New(tk *timekeeper.TimeKeeper, sns *sensor.Sensor, lister Lister, log zerolog.Logger) *Manager {
	return &Manager{
		tk:     tk,
		sensor: sns,
		lister: lister,
		groups: make(map[string]*groupEntry),
		log:    log.With().Str("component", "group").Logger(),
	}
}

func alertFormationID(groupID string) string { return "group:alert:" + groupID }

// CreateGroup compiles opts.Patterns, finds currently-matching channels, and
// registers offline monitoring if requested. Replacing an existing id first
// removes it (cancelling its monitor), matching removeGroup's contract.
func (m *Manager) CreateGroup(opts Options) (matched []string, err error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("group: id is required")
	}
	if len(opts.Patterns) == 0 {
		return nil, fmt.Errorf("group: %q requires at least one pattern", opts.ID)
	}
	matchers := make([]glob.Glob, 0, len(opts.Patterns))
	for _, p := range opts.Patterns {
		g, err := glob.Compile(p)
		if err != nil {
			m.log.Error().Str("group", opts.ID).Str("pattern", p).Err(err).Msg("bad group pattern")
			return nil, fmt.Errorf("group: %q: bad pattern %q: %w", opts.ID, p, err)
		}
		matchers = append(matchers, g)
	}

	m.RemoveGroup(opts.ID)

	entry := &groupEntry{Options: opts, matchers: matchers, members: make(map[string]bool)}

	m.mu.Lock()
	m.groups[opts.ID] = entry
	var ids []string
	if m.lister != nil {
		ids = m.lister.ChannelIDs()
	}
	for _, id := range ids {
		if entry.matches(id) {
			entry.members[id] = true
			matched = append(matched, id)
		}
	}
	m.mu.Unlock()

	if opts.AlertThreshold > 0 {
		m.registerAlertMonitor(entry)
	}
	m.log.Info().Str("group", opts.ID).Int("matched", len(matched)).Msg("group created")
	return matched, nil
}

func (m *Manager) registerAlertMonitor(entry *groupEntry) {
	interval := entry.AlertThreshold / 2
	if interval > 5000*time.Millisecond {
		interval = 5000 * time.Millisecond
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	m.tk.Keep(timekeeper.KeepOptions{
		ID:       alertFormationID(entry.ID),
		Interval: interval,
		Repeat:   timekeeper.Forever,
		Callback: func(ctx context.Context) error {
			m.checkOffline(entry)
			return nil
		},
	})
}

func (m *Manager) checkOffline(entry *groupEntry) {
	m.mu.RLock()
	members := make([]string, 0, len(entry.members))
	for id := range entry.members {
		members = append(members, id)
	}
	m.mu.RUnlock()

	for _, id := range members {
		totals := m.sensor.ChannelTotals(id)
		// "Offline" means no call has ever been logged, or the last call is
		// older than the group's alert threshold.
		offline := totals.LastCall.IsZero() || time.Since(totals.LastCall) > entry.AlertThreshold
		if !offline {
			continue
		}
		m.log.Warn().Str("group", entry.ID).Str("channel", id).Msg("channel offline")
		m.sensor.Log(id, sensor.EventCritical, "", "group:"+entry.ID, map[string]any{
			"reason": "channel offline",
			"group":  entry.ID,
		})
		if entry.OnAlert != nil {
			entry.OnAlert(entry.ID, id)
		}
	}
}

// RemoveGroup cancels a group's alert monitor (if any) and forgets it.
func (m *Manager) RemoveGroup(id string) bool {
	m.mu.Lock()
	_, ok := m.groups[id]
	delete(m.groups, id)
	m.mu.Unlock()
	if ok {
		m.tk.Forget(alertFormationID(id))
	}
	return ok
}

// UpdateGroup replaces a group's definition, cancelling and (if requested)
// re-registering its alert monitor.
func (m *Manager) UpdateGroup(opts Options) ([]string, error) {
	return m.CreateGroup(opts)
}

// AddChannelToGroups is called on channel registration: every group whose
// pattern matches channelID adds it as a member and contributes its shared
// config, deep-merged into baseConfig (channel-explicit fields win; the
// `middleware` key, if present as a []string on both sides, is
// concatenated: group-shared entries first, channel-specific appended).
func (m *Manager) AddChannelToGroups(channelID string, baseConfig map[string]any) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := baseConfig
	for _, g := range m.groups {
		if !g.matches(channelID) {
			continue
		}
		g.members[channelID] = true
		merged = deepMergeShared(merged, g.Shared)
	}
	return merged
}

// RemoveChannelFromGroups drops channelID from every group's membership.
func (m *Manager) RemoveChannelFromGroups(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		delete(g.members, channelID)
	}
}

// Members returns the current member ids of a group, for introspection.
func (m *Manager) Members(groupID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	return out
}

// deepMergeShared overlays shared onto base: base's own keys always win
// except `middleware`, which is concatenated (spec §4.H: "concatenating
// middleware arrays").
func deepMergeShared(base, shared map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any)
	}
	out := make(map[string]any, len(base)+len(shared))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range shared {
		if k == "middleware" {
			existing, _ := out[k].([]string)
			incoming, _ := v.([]string)
			combined := make([]string, 0, len(existing)+len(incoming))
			combined = append(combined, incoming...)
			combined = append(combined, existing...)
			out[k] = combined
			continue
		}
		if _, present := out[k]; !present {
			out[k] = v
		}
	}
	return out
}
