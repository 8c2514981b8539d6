package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/cyre-run/cyre-go/internal/sensor"
)

// EventsSource is the subset of *cyre.Runtime the events endpoint needs.
type EventsSource interface {
	ExportEvents(filter sensor.Filter, limit, offset int) []sensor.Event
	CreateStream(filter sensor.Filter, cb func(sensor.Event)) func()
}

type EventsHandler struct {
	engine EventsSource
}

func NewEventsHandler(engine EventsSource) *EventsHandler {
	return &EventsHandler{engine: engine}
}

func parseEventFilter(r *http.Request) sensor.Filter {
	var f sensor.Filter
	if v, ok := QueryString(r, "types"); ok {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, sensor.EventType(t))
			}
		}
	}
	f.ActionIDs = QueryStringListAliased(r, "action_ids", "channel_ids")
	if v, ok := QueryString(r, "priority"); ok {
		f.Priority = v
	}
	return f
}

// ListEvents returns a page of exported sensor events (spec §6
// "exportEvents(filter)").
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := h.engine.ExportEvents(parseEventFilter(r), page.Limit, page.Offset)
	WriteJSON(w, http.StatusOK, events)
}

// StreamEvents opens an SSE connection and pushes filtered sensor events
// live (spec §6 "createStream(filter, cb)").
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := parseEventFilter(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := make(chan sensor.Event, 64)
	cancel := h.engine.CreateStream(filter, func(e sensor.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Msg("event stream client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("event stream client disconnected")
			return
		case event := <-ch:
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.FormatUint(event.ID, 10), event.EventType, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events", h.ListEvents)
	r.Get("/events/stream", h.StreamEvents)
}
