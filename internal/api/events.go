package api

import (
	"fmt"
	"net/http"

	"github.com/hcloud/hcloud/internal/events"
	"github.com/hcloud/hcloud/internal/metrics"
)

// handleEvents streams the caller's upload progress and the notifications
// about the caller's entries.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	progress := sess.Subscribe()
	defer sess.Unsubscribe(progress)

	var notifications chan events.Event
	if s.broadcaster != nil {
		notifications = s.broadcaster.Subscribe()
		defer s.broadcaster.Unsubscribe(notifications)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.AddSSEConnections(1)
	defer metrics.AddSSEConnections(-1)

	userID := sess.Identity().UserID
	ctx := r.Context()
	for {
		var event events.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-progress:
			if !ok {
				return
			}
			event = e
		case e, ok := <-notifications:
			if !ok {
				return
			}
			if e.UserID != userID {
				continue
			}
			event = e
		}

		data, err := events.MarshalEvent(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
		flusher.Flush()
	}
}
