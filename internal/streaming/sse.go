package streaming

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SSEHandler streams hub events as Server-Sent Events. The optional query
// parameters execution_id and event_type (comma separated) narrow the stream.
type SSEHandler struct {
	hub    EventHub
	logger *slog.Logger
}

// NewSSEHandler creates an SSEHandler over hub.
func NewSSEHandler(hub EventHub, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{hub: hub, logger: logger}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter := EventFilter{ExecutionID: r.URL.Query().Get("execution_id")}
	if types := r.URL.Query().Get("event_type"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	ch, cancel, err := h.hub.Subscribe(r.Context(), filter)
	if err != nil {
		h.logger.Error("sse subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s/%d\nevent: %s\ndata: %s\n\n", event.ExecutionID, event.Sequence, event.EventType, data)
			flusher.Flush()
		}
	}
}
