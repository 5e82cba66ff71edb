package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HandleAdminDeleteMessage soft-deletes one message by sequence id.
func (h *Handlers) HandleAdminDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	seq := parseInt64Query(r, "seq", 0)
	if seq <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "missing or invalid 'seq' parameter"})
		return
	}
	if err := h.chat.DeleteMessage(r.Context(), seq); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleAdminClear wipes the public message log.
func (h *Handlers) HandleAdminClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.chat.ClearAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// HandleAdminKick removes every live session for a username and tells the
// affected clients to reconnect from scratch.
func (h *Handlers) HandleAdminKick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "missing 'username' parameter"})
		return
	}
	if err := h.presence.Kick(r.Context(), username); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

// HandleAdminBan records a ban and kicks the target if currently live. A ban
// may name a username, an origin address, or both.
func (h *Handlers) HandleAdminBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username string `json:"username,omitempty"`
		Origin   string `json:"origin,omitempty"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
		return
	}
	if err := h.presence.Ban(r.Context(), req.Username, req.Origin, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	if req.Username != "" {
		// Best effort; the target may not be connected.
		_ = h.presence.Kick(r.Context(), req.Username)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

// HandleAdminSettings reads or updates runtime settings. Currently the only
// writable key is chat_mode; updating it broadcasts the new public settings to
// all connected clients.
func (h *Handlers) HandleAdminSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := h.chat.PublicSettings(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPost:
		var req struct {
			ChatMode string `json:"chat_mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
			return
		}
		if err := h.chat.SetChatMode(r.Context(), req.ChatMode); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "chat_mode": req.ChatMode})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminSynthetic reads or replaces the synthetic roster identities.
func (h *Handlers) HandleAdminSynthetic(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		names, err := h.presence.Synthetics(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"synthetic_users": names})
	case http.MethodPost:
		var req struct {
			SyntheticUsers []string `json:"synthetic_users"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
			return
		}
		for i, n := range req.SyntheticUsers {
			req.SyntheticUsers[i] = strings.TrimSpace(n)
		}
		if err := h.presence.SetSynthetics(r.Context(), req.SyntheticUsers); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
