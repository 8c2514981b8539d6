package cyre

import "time"

// configToSharedMap exposes the subset of ChannelConfig that group shared
// configs are allowed to override, as an untyped map for
// internal/group.Manager's generic deep-merge (spec §4.H). Cyre's channel
// configuration is a fixed Go struct rather than JS's open object, so only
// these named fields participate in group merging.
func configToSharedMap(cfg ChannelConfig) map[string]any {
	m := make(map[string]any, 4)
	if cfg.Throttle > 0 {
		m["throttle"] = cfg.Throttle
	}
	if cfg.Debounce > 0 {
		m["debounce"] = cfg.Debounce
	}
	if cfg.MaxWait > 0 {
		m["maxWait"] = cfg.MaxWait
	}
	if cfg.Priority.Level != "" {
		m["priority"] = cfg.Priority.Level
	}
	if len(cfg.Middleware) > 0 {
		m["middleware"] = cfg.Middleware
	}
	return m
}

// applySharedMap writes a merged shared-config map back onto cfg.
func applySharedMap(cfg *ChannelConfig, m map[string]any) {
	if v, ok := m["throttle"].(time.Duration); ok {
		cfg.Throttle = v
	}
	if v, ok := m["debounce"].(time.Duration); ok {
		cfg.Debounce = v
	}
	if v, ok := m["maxWait"].(time.Duration); ok {
		cfg.MaxWait = v
	}
	if v, ok := m["priority"].(string); ok {
		cfg.Priority.Level = v
	}
	if v, ok := m["middleware"].([]string); ok {
		cfg.Middleware = v
	}
}
