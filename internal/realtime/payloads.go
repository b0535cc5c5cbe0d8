// internal/realtime/payloads.go

package realtime

import (
	"encoding/json"
	"time"
)

// Message is a chat message as persisted by the relay and delivered on the
// wire. IDs and timestamps are always relay-assigned; clients never invent
// them.
type Message struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID int64     `json:"conversation_id" db:"conversation_id"`
	SenderID       int64     `json:"sender_id" db:"sender_id"`
	Content        string    `json:"content" db:"content"`
	IsRead         bool      `json:"is_read" db:"is_read"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ConversationRef addresses a single conversation. Used by join/leave,
// typing and mark-read events.
type ConversationRef struct {
	ConversationID int64 `json:"conversation_id"`
}

// SendMessageRequest is the payload of a send_message request. The ack
// carries the persisted Message.
type SendMessageRequest struct {
	ConversationID int64  `json:"conversation_id" validate:"required"`
	Content        string `json:"content" validate:"required,max=4000"`
}

// MessageNotification delivers a message for a conversation the recipient
// does not currently have open.
type MessageNotification struct {
	ConversationID int64   `json:"conversation_id"`
	Message        Message `json:"message"`
}

// TypingNotification reports remote typing state for a conversation.
type TypingNotification struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

// MessagesRead tells the counterpart that their messages in a conversation
// were read.
type MessagesRead struct {
	ConversationID int64 `json:"conversation_id"`
	ReaderID       int64 `json:"reader_id"`
}

// Call types. Values are part of the wire protocol.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// InitiateCallRequest starts a call. The ack carries InitiateCallResponse.
type InitiateCallRequest struct {
	ConversationID int64  `json:"conversation_id" validate:"required"`
	CalleeID       int64  `json:"callee_id" validate:"required"`
	Type           string `json:"type" validate:"required,oneof=audio video"`
}

type InitiateCallResponse struct {
	CallID string `json:"call_id"`
}

// IncomingCall notifies the callee that a call is ringing.
type IncomingCall struct {
	CallID         string `json:"call_id"`
	CallerID       int64  `json:"caller_id"`
	CallerName     string `json:"caller_name"`
	ConversationID int64  `json:"conversation_id"`
	Type           string `json:"type"`
}

// CallRef addresses an established or ringing call. Used by accept/reject/
// end requests and their lifecycle echoes.
type CallRef struct {
	CallID string `json:"call_id"`
}

// CallSignal carries an SDP offer or answer. Signal is an opaque
// webrtc.SessionDescription; the relay forwards it without inspection.
type CallSignal struct {
	CallID string          `json:"call_id"`
	Signal json.RawMessage `json:"signal"`
}

// ICECandidateSignal carries one ICE candidate. Candidate is an opaque
// webrtc.ICECandidateInit; the relay forwards it without inspection.
type ICECandidateSignal struct {
	CallID    string          `json:"call_id"`
	Candidate json.RawMessage `json:"candidate"`
}

// Ack is the reply to any request envelope. Data holds the request-specific
// result when OK, for example the persisted Message for send_message.
type Ack struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload reports a protocol-level problem to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OkAck builds a successful ack with an optional result payload.
func OkAck(data interface{}) Ack {
	return Ack{OK: true, Data: mustMarshal(data)}
}

// FailAck builds a failed ack carrying the error text.
func FailAck(err error) Ack {
	return Ack{OK: false, Error: err.Error()}
}
