package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hupe1980/agentos/run"
)

// streamSSE writes run events as server-sent events. When the client
// disconnects the remaining events are drained so the run (which owns its own
// context) completes and is persisted normally.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan run.Event, entityType, entityID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientGone := false
	for ev := range events {
		s.metrics.observeEvent(entityType, entityID, ev)

		if clientGone {
			continue
		}
		select {
		case <-r.Context().Done():
			clientGone = true
			s.logger.Debug("server.sse.client_gone", "entity", entityID)
			continue
		default:
		}

		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("server.sse.marshal_failed", "event", string(ev.Type()), "error", err.Error())
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data)
		flusher.Flush()
	}
}
