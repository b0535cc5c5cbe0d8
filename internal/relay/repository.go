// internal/relay/repository.go

package relay

import (
	"context"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, participantIDs []int64) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetUserConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error)
	GetDirectConversation(ctx context.Context, user1ID, user2ID int64) (*Conversation, error)
	UpdateConversationLastMessage(ctx context.Context, convID int64, preview string) error

	// Participants
	GetConversationParticipants(ctx context.Context, convID int64) ([]*Participant, error)
	IsUserInConversation(ctx context.Context, userID, convID int64) (bool, error)
	IncrementUnreadCount(ctx context.Context, convID, userID int64) error
	ResetUnreadCount(ctx context.Context, convID, userID int64) error
	GetTotalUnreadCount(ctx context.Context, userID int64) (int, error)

	// Messages
	CreateMessage(ctx context.Context, message *realtime.Message) error
	GetConversationMessages(ctx context.Context, convID int64, limit, offset int) ([]*realtime.Message, error)
	MarkMessagesRead(ctx context.Context, convID, readerID int64) error

	// User info
	GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error)
}
