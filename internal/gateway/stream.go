package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/helpline/internal/bus"
)

// sseEvent is a single server-sent event on the /api/events feed.
type sseEvent struct {
	Topic     string `json:"topic"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// handleEventStream implements GET /api/events?user_id=XXX. It subscribes to
// the in-process bus and forwards turn and session lifecycle events for one
// user as an SSE stream. Operators use it to watch commits land live.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	turnSub := s.cfg.Bus.Subscribe("turn.")
	defer s.cfg.Bus.Unsubscribe(turnSub)
	sessSub := s.cfg.Bus.Subscribe("session.")
	defer s.cfg.Bus.Unsubscribe(sessSub)

	ctx := r.Context()
	for {
		var ev bus.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-turnSub.Ch():
		case ev = <-sessSub.Ch():
		}

		out, ok := filterForUser(ev, userID)
		if !ok {
			continue
		}
		data, err := json.Marshal(out)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// filterForUser maps a bus event to its SSE shape, dropping events that
// belong to other users.
func filterForUser(ev bus.Event, userID string) (sseEvent, bool) {
	out := sseEvent{Topic: ev.Topic}
	switch p := ev.Payload.(type) {
	case bus.TurnCommittedEvent:
		out.UserID, out.SessionID, out.TurnID = p.UserID, p.SessionID, p.TurnID
	case bus.TurnCommitFailedEvent:
		out.UserID, out.SessionID, out.Reason = p.UserID, p.SessionID, p.Reason
	case bus.TurnTranscribedEvent:
		out.UserID, out.SessionID = p.UserID, p.SessionID
	case bus.SessionEvent:
		out.UserID, out.SessionID, out.Reason = p.UserID, p.SessionID, p.Reason
	default:
		return sseEvent{}, false
	}
	return out, out.UserID == userID
}
