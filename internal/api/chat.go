package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/sessions"
)

// ChatHandlers exposes the chat session manager over REST.
type ChatHandlers struct {
	manager *sessions.Manager
}

// NewChatHandlers creates the chat handlers.
func NewChatHandlers(manager *sessions.Manager) *ChatHandlers {
	return &ChatHandlers{manager: manager}
}

type createSessionRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

type chatMessageRequest struct {
	Message string `json:"message"`
}

type chatMessageResponse struct {
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
	Reply     string `json:"reply"`
}

// CreateSession handles POST /chat/sessions.
func (h *ChatHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "user_id and agent_id are required")
		return
	}

	session, err := h.manager.Create(r.Context(), req.UserID, req.AgentID)
	if err != nil {
		log.Error().Err(err).Str("agent", req.AgentID).Msg("session create failed")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetSession handles GET /chat/sessions/{sessionID}.
func (h *ChatHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.manager.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ListSessions handles GET /chat/sessions?user_id=.
func (h *ChatHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	list := h.manager.ListForUser(userID)
	if list == nil {
		list = []*sessions.ChatSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

// DeleteSession handles DELETE /chat/sessions/{sessionID}.
func (h *ChatHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.manager.Delete(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// PostMessage handles POST /chat/sessions/{sessionID}/messages: one
// conversational turn with the session's bound agent runtime. The runtime
// call happens outside any manager lock.
func (h *ChatHandlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := h.manager.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found or expired")
		return
	}

	var req chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := session.Runtime.Invoke(r.Context(), session.ThreadID, req.Message)
	if err != nil {
		log.Error().Err(err).Str("session", session.ID).Msg("agent invocation failed")
		writeError(w, http.StatusBadGateway, "agent invocation failed")
		return
	}
	writeJSON(w, http.StatusOK, chatMessageResponse{
		SessionID: session.ID,
		ThreadID:  session.ThreadID,
		Reply:     reply,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
