package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/telemetry"
)

const keepaliveInterval = 20 * time.Second

// HandleEvents is the SSE stream. On connect the client receives the full
// roster and the recent history as its first two events, then live events as
// they happen. Events carrying a recipient scope are forwarded only to the
// matching (username, session) pair. A targeted reconnect event is forwarded
// and then the stream is closed so the client re-enters registration.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	sess, err := h.presence.Live(r.Context(), q.Get("username"), q.Get("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	if telemetry.StreamsGauge != nil {
		telemetry.StreamsGauge.Inc()
		defer telemetry.StreamsGauge.Dec()
	}
	log := telemetry.LoggerWithCorr(r.Context())
	log.Info("event stream connected",
		slog.String("username", sess.Username),
		slog.String("session_id", sess.SessionID),
		slog.String("component", "sse"))

	// Initial state: the full roster, then the recent history newest first.
	// Both go through the same writer as live events so the client has a
	// single decode path.
	if roster, err := h.presence.Roster(r.Context()); err == nil {
		if err := writeSSE(w, bus.KindRoster, roster); err != nil {
			return
		}
	}
	history, err := h.chat.History(r.Context(), h.cfg.HistoryLimit)
	if err != nil {
		log.Warn("initial history failed", slog.Any("err", err))
	} else if err := writeSSE(w, bus.KindHistory, history); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream disconnected",
				slog.String("session_id", sess.SessionID),
				slog.String("component", "sse"))
			return
		case <-keepalive.C:
			// Comment line keeps intermediaries from timing the stream out.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.VisibleTo(sess.Username, sess.SessionID) {
				continue
			}
			if err := writeSSE(w, ev.Kind, ev.Payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == bus.KindReconnect {
				// The client was told to drop this session; holding the
				// stream open would strand it.
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, kind bus.Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
	return err
}
