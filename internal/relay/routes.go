// internal/relay/routes.go

package relay

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes registers the websocket endpoint and the REST reads
func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	// WebSocket endpoint - requires authentication
	router.Handle("/ws", authenticate(http.HandlerFunc(handler.HandleWebSocket))).Methods("GET")

	// REST API endpoints
	api := router.PathPrefix("/api/v1/messaging").Subrouter()
	api.Use(authenticate)

	api.HandleFunc("/conversations", handler.GetConversations).Methods("GET")
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", handler.GetMessages).Methods("GET")
	api.HandleFunc("/conversations/direct/{userId:[0-9]+}", handler.GetOrCreateDirectConversation).Methods("GET", "POST")
	api.HandleFunc("/unread-count", handler.GetUnreadCount).Methods("GET")
}

// RegisterHealthCheck exposes hub liveness without auth
func RegisterHealthCheck(router *mux.Router, handler *Handler) {
	router.HandleFunc("/health/realtime", handler.HealthCheck).Methods("GET")
}
