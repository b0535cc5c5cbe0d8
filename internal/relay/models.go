// internal/relay/models.go

package relay

import (
	"time"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

// Conversation is a direct message thread between a student and an
// instructor. Created on first message exchange between the two.
type Conversation struct {
	ID                 int64      `json:"id" db:"id"`
	CreatedBy          int64      `json:"created_by" db:"created_by"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	LastMessagePreview *string    `json:"last_message_preview,omitempty" db:"last_message_preview"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`

	// Computed fields
	Participants []*Participant    `json:"participants,omitempty"`
	UnreadCount  int               `json:"unread_count"`
	LastMessage  *realtime.Message `json:"last_message,omitempty"`
}

// Participant represents a conversation participant
type Participant struct {
	ID             int64      `json:"id" db:"id"`
	ConversationID int64      `json:"conversation_id" db:"conversation_id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	UnreadCount    int        `json:"unread_count" db:"unread_count"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty" db:"last_read_at"`
	JoinedAt       time.Time  `json:"joined_at" db:"joined_at"`

	// Joined fields
	User *UserInfo `json:"user,omitempty"`
}

// UserInfo is the public slice of a platform account
type UserInfo struct {
	ID          int64   `json:"id" db:"id"`
	Username    string  `json:"username" db:"username"`
	DisplayName string  `json:"display_name" db:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty" db:"avatar_url"`
	Role        string  `json:"role" db:"role"`
	IsOnline    bool    `json:"is_online"`
}

// CallState is the relay-side record of a ringing or active call. It lives
// in the call registry from initiate until end/reject/timeout.
type CallState struct {
	CallID         string `json:"call_id"`
	ConversationID int64  `json:"conversation_id"`
	CallerID       int64  `json:"caller_id"`
	CalleeID       int64  `json:"callee_id"`
	Type           string `json:"type"`
	Accepted       bool   `json:"accepted"`
}

// Counterpart returns the other party of the call, or 0 if userID is not a
// party at all.
func (c *CallState) Counterpart(userID int64) int64 {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	}
	return 0
}
