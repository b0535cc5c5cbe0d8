// internal/relay/handlers.go

package relay

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/courseloop/courseloop-backend/internal/auth"
	"github.com/courseloop/courseloop-backend/internal/common/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Configure CORS as needed
		return true
	},
}

type Handler struct {
	service  Service
	hub      *Hub
	calls    *CallRouter
	presence *Presence
	cfg      ChannelConfig
}

func NewHandler(service Service, hub *Hub, calls *CallRouter, presence *Presence, cfg ChannelConfig) *Handler {
	return &Handler{
		service:  service,
		hub:      hub,
		calls:    calls,
		presence: presence,
		cfg:      cfg,
	}
}

// HandleWebSocket upgrades the request and registers the session with the
// hub. Authentication already happened in the middleware; no credential
// means this handler is never reached.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	displayName, _ := auth.GetDisplayNameFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(h.hub, conn, userID, displayName, h.service, h.calls, h.cfg)

	h.hub.register <- client
	client.Start()
}

// GetConversations returns the user's conversations, newest activity first
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())

	limit, offset := pagination(r, 20)

	conversations, err := h.service.GetUserConversations(r.Context(), userID, limit, offset)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.attachOnlineStatus(r, conversations)

	utils.SuccessResponse(w, conversations, http.StatusOK)
}

// GetMessages returns a page of conversation history
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())

	conversationID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.ErrorResponse(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	limit, offset := pagination(r, 50)

	messages, err := h.service.GetConversationMessages(r.Context(), conversationID, userID, limit, offset)
	if err != nil {
		status := http.StatusInternalServerError
		if err == ErrNotParticipant {
			status = http.StatusForbidden
		}
		utils.ErrorResponse(w, err.Error(), status)
		return
	}

	utils.SuccessResponse(w, messages, http.StatusOK)
}

// GetUnreadCount returns the total unread count across all conversations
func (h *Handler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())

	total, err := h.service.GetTotalUnreadCount(r.Context(), userID)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, map[string]int{"unread_count": total}, http.StatusOK)
}

// GetOrCreateDirectConversation finds or creates the thread with another user
func (h *Handler) GetOrCreateDirectConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())

	otherID, err := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
	if err != nil || otherID == userID {
		utils.ErrorResponse(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	if _, err := h.service.GetUserInfo(r.Context(), otherID); err != nil {
		utils.ErrorResponse(w, "User not found", http.StatusNotFound)
		return
	}

	conversation, err := h.service.GetOrCreateDirectConversation(r.Context(), userID, otherID)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, conversation, http.StatusOK)
}

// HealthCheck reports hub liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	utils.SuccessResponse(w, map[string]interface{}{
		"status":             "ok",
		"active_connections": h.hub.GetActiveConnections(),
	}, http.StatusOK)
}

// attachOnlineStatus decorates participant user info with presence flags.
// Presence being down degrades to everyone-offline, never an error.
func (h *Handler) attachOnlineStatus(r *http.Request, conversations []*Conversation) {
	if h.presence == nil {
		return
	}

	var ids []int64
	for _, conv := range conversations {
		for _, p := range conv.Participants {
			ids = append(ids, p.UserID)
		}
	}

	status, err := h.presence.OnlineStatus(r.Context(), ids)
	if err != nil {
		return
	}

	for _, conv := range conversations {
		for _, p := range conv.Participants {
			if p.User != nil {
				p.User.IsOnline = status[p.UserID]
			}
		}
	}
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
