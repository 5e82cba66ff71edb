// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nightcast/livechat/backend/bus"
	"github.com/nightcast/livechat/backend/chat"
	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/presence"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	chat     *chat.Service
	presence *presence.Manager
	bus      *bus.Bus
	cfg      *config.Config
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{db: deps.DB, chat: deps.Chat, presence: deps.Presence, bus: deps.Bus, cfg: deps.Cfg}
}

// errorCode maps engine errors to the stable caller-facing code and HTTP
// status. Unknown errors are treated as transient store failures.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, chat.ErrPublicDisabled),
		errors.Is(err, chat.ErrPrivateDisabled),
		errors.Is(err, presence.ErrInvalidNickname):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, presence.ErrNicknameTaken),
		errors.Is(err, presence.ErrNicknameReserved):
		return http.StatusConflict, "conflict"
	case errors.Is(err, presence.ErrBadCredential),
		errors.Is(err, presence.ErrUnknownSession),
		errors.Is(err, presence.ErrBanned):
		return http.StatusUnauthorized, "auth"
	case errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, chat.ErrRecipientOffline),
		errors.Is(err, chat.ErrAttachmentNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusServiceUnavailable, "transient"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	writeJSON(w, status, map[string]string{"code": code, "error": err.Error()})
}

// identify resolves and gates the caller's live session from the request.
func (h *Handlers) identify(r *http.Request, username, sessionID string) (presence.Identity, error) {
	sess, err := h.presence.Live(r.Context(), username, sessionID)
	if err != nil {
		return presence.Identity{}, err
	}
	id := sess.Identity()
	id.Origin = clientIP(r)
	return id, nil
}

// HandleRegister creates or refreshes a nickname's live session. Omitting
// session_id starts a fresh session; repeating it makes the call idempotent
// across page reloads.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username  string `json:"username"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	sess, err := h.presence.Register(r.Context(), req.Username, req.SessionID, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleLogin authenticates an account and binds it to the caller's session.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
		return
	}
	acct, err := h.presence.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	sess, err := h.presence.BindSession(r.Context(), req.SessionID, clientIP(r), acct)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleLogout removes the caller's session.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username  string `json:"username"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
		return
	}
	if _, err := h.identify(r, req.Username, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.presence.Logout(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHeartbeat refreshes the caller's liveness.
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username  string `json:"username"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "invalid JSON body"})
		return
	}
	if err := h.presence.Heartbeat(r.Context(), req.Username, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleUsers returns the current roster (live sessions plus synthetic
// identities).
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roster, err := h.presence.Roster(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

// HandleSettings returns the public read-only settings subset.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	settings, err := h.chat.PublicSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}
