package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	cyre "github.com/cyre-run/cyre-go"
)

// ChannelsSource is the subset of *cyre.Runtime the channels endpoint needs.
type ChannelsSource interface {
	GetMetrics(channelID string) (cyre.ChannelMetrics, bool)
	GetPerformanceState() cyre.PerformanceState
	GetSystemHealth() cyre.SystemHealth
}

type ChannelsHandler struct {
	engine ChannelsSource
}

func NewChannelsHandler(engine ChannelsSource) *ChannelsHandler {
	return &ChannelsHandler{engine: engine}
}

// GetChannelMetrics returns one channel's execution metrics (spec §6
// "getMetrics(channelId)").
func (h *ChannelsHandler) GetChannelMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := h.engine.GetMetrics(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown channel")
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// GetPerformance returns system-wide call/error/rate counters (spec §6
// "getPerformanceState()").
func (h *ChannelsHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.GetPerformanceState())
}

// Routes registers channel observability routes on the given router.
func (h *ChannelsHandler) Routes(r chi.Router) {
	r.Get("/channels/{id}/metrics", h.GetChannelMetrics)
	r.Get("/performance", h.GetPerformance)
}
