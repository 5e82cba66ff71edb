package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HandlePrivate sends a private message or fetches a conversation. Both
// directions require the caller's live (username, session) pair; the fetch is
// scoped to that exact pair so nickname reuse cannot leak another session's
// history.
func (h *Handlers) HandlePrivate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleConversation(w, r)
	case http.MethodPost:
		h.handleSendPrivate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleConversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := h.identify(r, q.Get("username"), q.Get("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	with := q.Get("with")
	if with == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "missing 'with' parameter"})
		return
	}
	msgs, err := h.chat.Conversation(r.Context(), id, with)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) handleSendPrivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username      string `json:"username"`
		SessionID     string `json:"session_id"`
		To            string `json:"to"`
		Text          string `json:"text,omitempty"`
		AttachmentRef string `json:"attachment_ref,omitempty"`
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
	pm, err := h.chat.SendPrivate(r.Context(), id, req.To, req.Text, req.AttachmentRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

// HandleAttachmentUpload accepts a multipart upload for use in a private
// message and returns its reference.
func (h *Handlers) HandleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if _, err := h.identify(r, q.Get("username"), q.Get("session_id")); err != nil {
		writeError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "missing 'file' field"})
		return
	}
	defer func() { _ = file.Close() }()

	mime := header.Header.Get("Content-Type")
	att, err := h.chat.SaveAttachment(r.Context(), file, mime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// HandleAttachmentDownload streams an attachment by ref. Expired attachments
// are indistinguishable from missing ones.
func (h *Handlers) HandleAttachmentDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ref := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "validation", "error": "missing attachment ref"})
		return
	}
	q := r.URL.Query()
	if _, err := h.identify(r, q.Get("username"), q.Get("session_id")); err != nil {
		writeError(w, err)
		return
	}
	att, rc, err := h.chat.OpenAttachment(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	if att.Mime != "" {
		w.Header().Set("Content-Type", att.Mime)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	_, _ = io.Copy(w, rc)
}
