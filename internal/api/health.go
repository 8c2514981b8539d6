package api

import (
	"encoding/json"
	"net/http"
	"time"

	cyre "github.com/cyre-run/cyre-go"
)

// HealthSource is the subset of *cyre.Runtime the health endpoint needs.
type HealthSource interface {
	GetSystemHealth() cyre.SystemHealth
}

type HealthResponse struct {
	Status          string            `json:"status"`
	Version         string            `json:"version"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	Checks          map[string]string `json:"checks"`
	Stress          float64           `json:"breathing_stress"`
	Pattern         string            `json:"breathing_pattern"`
	FormationCount  int               `json:"formation_count"`
	ChannelCount    int               `json:"channel_count"`
}

type HealthHandler struct {
	engine    HealthSource
	version   string
	startTime time.Time
}

func NewHealthHandler(engine HealthSource, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{engine: engine, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sys := h.engine.GetSystemHealth()

	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if !sys.Flags.IsOperational {
		status = "degraded"
	}
	if !sys.Flags.CanCall {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	checks["breathing"] = string(sys.Breathing.Pattern)
	if sys.Breathing.IsRecuperating {
		checks["recuperation"] = "active"
	} else {
		checks["recuperation"] = "inactive"
	}

	resp := HealthResponse{
		Status:         status,
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		Checks:         checks,
		Stress:         sys.Breathing.Stress.Combined,
		Pattern:        string(sys.Breathing.Pattern),
		FormationCount: sys.FormationCount,
		ChannelCount:   sys.ChannelCount,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
