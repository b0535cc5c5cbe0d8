// internal/realtime/events.go

// Package realtime defines the wire protocol spoken between the relay and
// connected clients. Both sides import this package so every event kind and
// payload shape has exactly one definition.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies an envelope on the wire.
type EventKind string

const (
	// Conversation membership
	EventJoinConversation  EventKind = "join_conversation"
	EventLeaveConversation EventKind = "leave_conversation"

	// Messaging
	EventSendMessage         EventKind = "send_message"
	EventNewMessage          EventKind = "new_message"
	EventMessageNotification EventKind = "message_notification"
	EventMarkRead            EventKind = "mark_read"
	EventMessagesRead        EventKind = "messages_read"

	// Typing indicators
	EventTypingStart       EventKind = "typing_start"
	EventTypingStop        EventKind = "typing_stop"
	EventUserTyping        EventKind = "user_typing"
	EventUserStoppedTyping EventKind = "user_stopped_typing"

	// Call lifecycle
	EventInitiateCall EventKind = "initiate_call"
	EventIncomingCall EventKind = "incoming_call"
	EventAcceptCall   EventKind = "accept_call"
	EventRejectCall   EventKind = "reject_call"
	EventEndCall      EventKind = "end_call"
	EventCallAccepted EventKind = "call_accepted"
	EventCallRejected EventKind = "call_rejected"
	EventCallEnded    EventKind = "call_ended"

	// Call signaling
	EventCallOffer    EventKind = "call_offer"
	EventCallAnswer   EventKind = "call_answer"
	EventICECandidate EventKind = "ice_candidate"

	// Protocol plumbing
	EventAck   EventKind = "ack"
	EventError EventKind = "error"
)

// Envelope is the framing for every event on the channel. AckID correlates a
// request with its ack reply; it is empty for fire-and-forget events.
type Envelope struct {
	Event     EventKind       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	AckID     string          `json:"ack_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps a payload for the wire. Marshal failures surface as an
// error envelope rather than a half-written frame.
func NewEnvelope(event EventKind, payload interface{}) Envelope {
	return Envelope{
		Event:     event,
		Data:      mustMarshal(payload),
		Timestamp: time.Now(),
	}
}

// Bind decodes the envelope payload into v.
func (e *Envelope) Bind(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("event %s: %w", e.Event, err)
	}
	return nil
}

// mustMarshal marshals a payload, falling back to an empty object on error.
func mustMarshal(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
