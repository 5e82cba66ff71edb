package server

import (
	"encoding/json"
	"net/http"
)

// HandleMessages posts a public message or reads history.
//
// GET params: limit (default: configured history cap), after (sequence id;
// when set, the pull-based catch-up query is served instead of recent
// history, with the same soft-delete filtering as the push path).
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleHistory(w, r)
	case http.MethodPost:
		h.handlePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", h.cfg.HistoryLimit)
	after := parseInt64Query(r, "after", 0)

	if after > 0 {
		msgs, err := h.chat.CatchUp(r.Context(), after, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
		return
	}

	msgs, err := h.chat.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) handlePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
		ReplyTo   *int64 `json:"reply_to,omitempty"`
		DedupeKey string `json:"dedupe_key,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
		return
	}
	id, err := h.identify(r, req.Username, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := h.chat.PostMessage(r.Context(), id, req.Text, req.ReplyTo, req.DedupeKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
