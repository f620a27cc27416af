package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/telemetry"
)

// handleStream writes live events as server-sent events until the client
// disconnects. Query parameters instance, type (comma separated) and level
// narrow the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "", "")
		return
	}

	filter := streamFilter(r)
	events, unsubscribe := s.events.Subscribe(filter)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		}
	}
}

func streamFilter(r *http.Request) telemetry.EventFilter {
	q := r.URL.Query()
	var filters []telemetry.EventFilter

	if id := q.Get("instance"); id != "" {
		filters = append(filters, telemetry.FilterByInstance(id))
	}
	if raw := q.Get("type"); raw != "" {
		var types []engine.EventType
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, engine.EventType(t))
			}
		}
		filters = append(filters, telemetry.FilterByType(types...))
	}
	if level := q.Get("level"); level != "" {
		filters = append(filters, telemetry.FilterByLevel(level))
	}

	if len(filters) == 0 {
		return nil
	}
	return func(event engine.Event) bool {
		for _, f := range filters {
			if !f(event) {
				return false
			}
		}
		return true
	}
}
