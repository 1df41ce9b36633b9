package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

// handleStreamEvents streams an instance's lifecycle events over SSE until
// the instance stops or the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, err := s.manager.Snapshot(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A stopped instance emits no further events.
	if in.Status == model.InstanceStopped {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the instance stopped between the status check above and
	// this call: Subscribe on a closed topic returns a closed channel,
	// causing the loop below to exit immediately.
	ch, unsub := s.manager.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				// Instance stopped; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, event); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryLine is a single event in the history response.
type eventHistoryLine struct {
	Seq       int    `json:"seq"`
	Event     string `json:"event"`
	CreatedAt string `json:"created_at"`
}

// eventHistoryResponse is the JSON response for
// GET /v1/instances/{id}/events/history.
type eventHistoryResponse struct {
	InstanceID string             `json:"instance_id"`
	Events     []eventHistoryLine `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.manager.Snapshot(id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	stored, err := s.store.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get lifecycle events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}

	events := make([]eventHistoryLine, len(stored))
	for i, e := range stored {
		events[i] = eventHistoryLine{
			Seq:       e.Seq,
			Event:     e.Event,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		InstanceID: id,
		Events:     events,
	})
}

// writeSSEData writes an event as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, event string) error {
	for _, seg := range strings.Split(event, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
