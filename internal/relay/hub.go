// internal/relay/hub.go

package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

// PresenceTracker mirrors session liveness into a shared store so REST
// reads on other relays can see who is online.
type PresenceTracker interface {
	SetOnline(ctx context.Context, userID int64)
	SetOffline(ctx context.Context, userID int64)
	Refresh(ctx context.Context, userID int64)
}

// Hub maintains the set of active websocket connections, one per user
// session, and routes outbound envelopes to them.
type Hub struct {
	// Registered clients
	clients    map[int64]*Client
	clientsMux sync.RWMutex

	// Register/unregister clients
	register   chan *Client
	unregister chan *Client

	// Services
	service  Service
	presence PresenceTracker

	// Set after construction to break the construction cycle with the call
	// router, which needs the hub to deliver
	calls *CallRouter

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// WaitGroup for pending operations
	wg sync.WaitGroup
}

func NewHub(service Service, presence PresenceTracker) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:    make(map[int64]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		service:    service,
		presence:   presence,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetCallRouter wires the call router in after both objects exist.
func (h *Hub) SetCallRouter(calls *CallRouter) {
	h.calls = calls
}

func (h *Hub) Run() {
	defer h.cleanup()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsMux.Lock()

	// Replace any old connection for the same user
	if oldClient, exists := h.clients[client.userID]; exists {
		oldClient.Close()
	}
	h.clients[client.userID] = client
	total := len(h.clients)

	h.clientsMux.Unlock()

	recordConnection(total)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if h.presence != nil {
			h.presence.SetOnline(h.ctx, client.userID)
		}
	}()

	log.Printf("User %d connected. Total clients: %d", client.userID, total)
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsMux.Lock()

	current, exists := h.clients[client.userID]
	if !exists || current != client {
		// Already replaced by a newer connection
		h.clientsMux.Unlock()
		client.Close()
		return
	}
	client.Close()
	delete(h.clients, client.userID)
	total := len(h.clients)

	h.clientsMux.Unlock()

	recordConnection(total)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if h.presence != nil {
			h.presence.SetOffline(h.ctx, client.userID)
		}
		// A dropped channel invalidates any pending or active call
		if h.calls != nil {
			h.calls.HandleDisconnect(h.ctx, client.userID)
		}
	}()

	log.Printf("User %d disconnected. Total clients: %d", client.userID, total)
}

// RefreshPresence extends a user's online marker. Called on pong traffic so
// sessions outliving the marker TTL stay visible in presence reads.
func (h *Hub) RefreshPresence(userID int64) {
	if h.presence == nil {
		return
	}
	h.presence.Refresh(h.ctx, userID)
}

// SendToUser delivers one envelope to a user's session if connected.
// Returns false when the user has no live channel.
func (h *Hub) SendToUser(userID int64, env realtime.Envelope) bool {
	h.clientsMux.RLock()
	client, exists := h.clients[userID]
	h.clientsMux.RUnlock()

	if !exists {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("Error marshalling envelope: %v", err)
		return false
	}

	if !client.enqueue(data) {
		// Writer stalled; drop the connection rather than block the hub
		go func() { h.unregister <- client }()
		return false
	}

	recordEventOut(string(env.Event))
	return true
}

// DeliverMessage fans a persisted message out to the conversation's other
// participants. Recipients with the conversation open get new_message;
// everyone else online gets message_notification. Offline recipients catch
// up over the REST history fetch.
func (h *Hub) DeliverMessage(convID int64, message *realtime.Message) {
	participants, err := h.service.GetConversationParticipants(h.ctx, convID)
	if err != nil {
		log.Printf("Error getting participants for conversation %d: %v", convID, err)
		return
	}

	for _, p := range participants {
		if p.UserID == message.SenderID {
			continue
		}

		if h.HasConversationOpen(p.UserID, convID) {
			h.SendToUser(p.UserID, realtime.NewEnvelope(realtime.EventNewMessage, message))
		} else {
			h.SendToUser(p.UserID, realtime.NewEnvelope(realtime.EventMessageNotification, realtime.MessageNotification{
				ConversationID: convID,
				Message:        *message,
			}))
		}
	}
}

// SendToConversation delivers an envelope to every participant except one.
func (h *Hub) SendToConversation(convID int64, env realtime.Envelope, excludeUserID int64) {
	participants, err := h.service.GetConversationParticipants(h.ctx, convID)
	if err != nil {
		return
	}

	for _, p := range participants {
		if p.UserID != excludeUserID {
			h.SendToUser(p.UserID, env)
		}
	}
}

// HasConversationOpen reports whether the user's session has joined the
// conversation room.
func (h *Hub) HasConversationOpen(userID, convID int64) bool {
	h.clientsMux.RLock()
	client, exists := h.clients[userID]
	h.clientsMux.RUnlock()

	if !exists {
		return false
	}
	return client.hasOpen(convID)
}

func (h *Hub) IsUserOnline(userID int64) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()

	_, exists := h.clients[userID]
	return exists
}

func (h *Hub) GetActiveConnections() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

func (h *Hub) cleanup() {
	h.clientsMux.Lock()
	for _, client := range h.clients {
		client.Close()
	}
	h.clients = make(map[int64]*Client)
	h.clientsMux.Unlock()

	h.wg.Wait()
}

func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
}
