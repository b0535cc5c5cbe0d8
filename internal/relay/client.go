// internal/relay/client.go

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courseloop/courseloop-backend/internal/common/utils"
	"github.com/courseloop/courseloop-backend/internal/realtime"
)

// ErrUnknownEvent is returned to sessions sending an event kind the relay
// does not route.
var ErrUnknownEvent = errors.New("unknown event kind")

// ChannelConfig carries the websocket tuning knobs from the config package.
type ChannelConfig struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendQueueSize  int
}

// Client represents one authenticated user session on the relay.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      int64
	displayName string
	service     Service
	calls       *CallRouter
	cfg         ChannelConfig

	// Conversations this session has open (joined rooms)
	openMux sync.RWMutex
	open    map[int64]struct{}

	closeMux sync.RWMutex
	closed   bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64, displayName string, service Service, calls *CallRouter, cfg ChannelConfig) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, cfg.SendQueueSize),
		userID:      userID,
		displayName: displayName,
		service:     service,
		calls:       calls,
		cfg:         cfg,
	}
}

func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.hub.RefreshPresence(c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// Events are processed in arrival order; handing them to goroutines
		// would let a later envelope overtake an earlier one
		c.processEvent(message)
	}
}

func (c *Client) writePump() {
	pingPeriod := (c.cfg.PongTimeout * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processEvent(data []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("Error unmarshaling envelope from user %d: %v", c.userID, err)
		return
	}

	recordEventIn(string(env.Event))
	ctx := context.Background()

	switch env.Event {
	case realtime.EventJoinConversation:
		c.handleJoin(ctx, &env)

	case realtime.EventLeaveConversation:
		c.handleLeave(&env)

	case realtime.EventSendMessage:
		c.handleSendMessage(ctx, &env)

	case realtime.EventMarkRead:
		c.handleMarkRead(ctx, &env)

	case realtime.EventTypingStart:
		c.handleTyping(ctx, &env, realtime.EventUserTyping)

	case realtime.EventTypingStop:
		c.handleTyping(ctx, &env, realtime.EventUserStoppedTyping)

	case realtime.EventInitiateCall:
		c.handleInitiateCall(ctx, &env)

	case realtime.EventAcceptCall:
		c.handleCallLifecycle(ctx, &env, c.calls.Accept)

	case realtime.EventRejectCall:
		c.handleCallLifecycle(ctx, &env, c.calls.Reject)

	case realtime.EventEndCall:
		c.handleCallLifecycle(ctx, &env, c.calls.End)

	case realtime.EventCallOffer, realtime.EventCallAnswer, realtime.EventICECandidate:
		c.calls.Forward(ctx, c.userID, &env)

	default:
		log.Printf("Unknown event %q from user %d", env.Event, c.userID)
		if env.AckID != "" {
			c.ack(env.AckID, realtime.FailAck(ErrUnknownEvent))
			return
		}
		c.sendEnvelope(realtime.NewEnvelope(realtime.EventError, realtime.ErrorPayload{
			Code:    "unknown_event",
			Message: "unknown event " + string(env.Event),
		}))
	}
}

func (c *Client) handleJoin(ctx context.Context, env *realtime.Envelope) {
	var ref realtime.ConversationRef
	if err := env.Bind(&ref); err != nil {
		return
	}

	if !c.service.IsUserInConversation(ctx, c.userID, ref.ConversationID) {
		c.ack(env.AckID, realtime.FailAck(ErrNotParticipant))
		return
	}

	c.openMux.Lock()
	if c.open == nil {
		c.open = make(map[int64]struct{})
	}
	c.open[ref.ConversationID] = struct{}{}
	c.openMux.Unlock()

	c.ack(env.AckID, realtime.OkAck(nil))
}

func (c *Client) handleLeave(env *realtime.Envelope) {
	var ref realtime.ConversationRef
	if err := env.Bind(&ref); err != nil {
		return
	}

	c.openMux.Lock()
	delete(c.open, ref.ConversationID)
	c.openMux.Unlock()
}

func (c *Client) handleSendMessage(ctx context.Context, env *realtime.Envelope) {
	var req realtime.SendMessageRequest
	if err := env.Bind(&req); err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}

	message, err := c.service.SendMessage(ctx, c.userID, &req)
	if err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}

	recordMessageSent()

	// Ack the sender with the persisted message before fan-out so the sender
	// never sees its own message echoed ahead of the ack
	c.ack(env.AckID, realtime.OkAck(message))
	c.hub.DeliverMessage(req.ConversationID, message)
}

func (c *Client) handleMarkRead(ctx context.Context, env *realtime.Envelope) {
	var ref realtime.ConversationRef
	if err := env.Bind(&ref); err != nil {
		return
	}

	if err := c.service.MarkRead(ctx, c.userID, ref.ConversationID); err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}

	c.ack(env.AckID, realtime.OkAck(nil))
	c.hub.SendToConversation(ref.ConversationID, realtime.NewEnvelope(realtime.EventMessagesRead, realtime.MessagesRead{
		ConversationID: ref.ConversationID,
		ReaderID:       c.userID,
	}), c.userID)
}

func (c *Client) handleTyping(ctx context.Context, env *realtime.Envelope, outbound realtime.EventKind) {
	var ref realtime.ConversationRef
	if err := env.Bind(&ref); err != nil {
		return
	}

	if !c.service.IsUserInConversation(ctx, c.userID, ref.ConversationID) {
		return
	}

	c.hub.SendToConversation(ref.ConversationID, realtime.NewEnvelope(outbound, realtime.TypingNotification{
		ConversationID: ref.ConversationID,
		UserID:         c.userID,
	}), c.userID)
}

func (c *Client) handleInitiateCall(ctx context.Context, env *realtime.Envelope) {
	var req realtime.InitiateCallRequest
	if err := env.Bind(&req); err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}

	callID, err := c.calls.Initiate(ctx, c.userID, c.displayName, &req)
	if err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}

	c.ack(env.AckID, realtime.OkAck(realtime.InitiateCallResponse{CallID: callID}))
}

func (c *Client) handleCallLifecycle(ctx context.Context, env *realtime.Envelope, op func(context.Context, int64, string) error) {
	var ref realtime.CallRef
	if err := env.Bind(&ref); err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}

	if err := op(ctx, c.userID, ref.CallID); err != nil {
		c.ack(env.AckID, realtime.FailAck(err))
		return
	}
	c.ack(env.AckID, realtime.OkAck(nil))
}

// ack replies to a request envelope. Fire-and-forget envelopes carry no
// ack id and get no reply.
func (c *Client) ack(ackID string, payload realtime.Ack) {
	if ackID == "" {
		return
	}

	env := realtime.NewEnvelope(realtime.EventAck, payload)
	env.AckID = ackID
	c.sendEnvelope(env)
}

func (c *Client) sendEnvelope(env realtime.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue places a frame on the send queue without blocking. Returns false
// when the session is closed or the writer has stalled.
func (c *Client) enqueue(data []byte) bool {
	c.closeMux.RLock()
	defer c.closeMux.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) hasOpen(convID int64) bool {
	c.openMux.RLock()
	defer c.openMux.RUnlock()

	_, ok := c.open[convID]
	return ok
}

// Close is idempotent and stops the writer.
func (c *Client) Close() {
	c.closeMux.Lock()
	defer c.closeMux.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
