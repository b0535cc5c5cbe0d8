// internal/relay/service.go

package relay

import (
	"context"
	"errors"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotParticipant       = errors.New("not a participant in this conversation")
	ErrEmptyMessage         = errors.New("message content is empty")
)

// Service is the messaging business logic behind the hub and the REST reads.
type Service interface {
	// Messages
	SendMessage(ctx context.Context, senderID int64, req *realtime.SendMessageRequest) (*realtime.Message, error)
	GetConversationMessages(ctx context.Context, conversationID, userID int64, limit, offset int) ([]*realtime.Message, error)
	MarkRead(ctx context.Context, userID, conversationID int64) error

	// Conversations
	GetUserConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error)
	GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID int64) (*Conversation, error)
	GetConversationParticipants(ctx context.Context, conversationID int64) ([]*Participant, error)
	IsUserInConversation(ctx context.Context, userID, conversationID int64) bool

	// Unread aggregation
	GetTotalUnreadCount(ctx context.Context, userID int64) (int, error)

	// User info
	GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error)
}

type messageService struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &messageService{repo: repo}
}

// SendMessage persists a message and updates the conversation summary and
// unread counts. The caller receives the persisted message, id and timestamp
// assigned here, and only then may deliver it.
func (s *messageService) SendMessage(ctx context.Context, senderID int64, req *realtime.SendMessageRequest) (*realtime.Message, error) {
	if req.Content == "" {
		return nil, ErrEmptyMessage
	}

	if !s.IsUserInConversation(ctx, senderID, req.ConversationID) {
		return nil, ErrNotParticipant
	}

	message := &realtime.Message{
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        req.Content,
	}

	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateConversationLastMessage(ctx, req.ConversationID, message.Content); err != nil {
		return nil, err
	}

	participants, err := s.repo.GetConversationParticipants(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p.UserID != senderID {
			if err := s.repo.IncrementUnreadCount(ctx, req.ConversationID, p.UserID); err != nil {
				return nil, err
			}
		}
	}

	return message, nil
}

func (s *messageService) GetConversationMessages(ctx context.Context, conversationID, userID int64, limit, offset int) ([]*realtime.Message, error) {
	if !s.IsUserInConversation(ctx, userID, conversationID) {
		return nil, ErrNotParticipant
	}
	return s.repo.GetConversationMessages(ctx, conversationID, limit, offset)
}

// MarkRead acknowledges everything in the conversation for userID: unread
// count drops to zero and the counterpart's messages flip to read.
func (s *messageService) MarkRead(ctx context.Context, userID, conversationID int64) error {
	if !s.IsUserInConversation(ctx, userID, conversationID) {
		return ErrNotParticipant
	}

	if err := s.repo.MarkMessagesRead(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.repo.ResetUnreadCount(ctx, conversationID, userID)
}

func (s *messageService) GetUserConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error) {
	return s.repo.GetUserConversations(ctx, userID, limit, offset)
}

// GetOrCreateDirectConversation returns the thread between two users,
// creating it on first contact.
func (s *messageService) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID int64) (*Conversation, error) {
	conv, err := s.repo.GetDirectConversation(ctx, userID, otherUserID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	conv = &Conversation{CreatedBy: userID}
	if err := s.repo.CreateConversation(ctx, conv, []int64{userID, otherUserID}); err != nil {
		return nil, err
	}
	return s.repo.GetConversation(ctx, conv.ID)
}

func (s *messageService) GetConversationParticipants(ctx context.Context, conversationID int64) ([]*Participant, error) {
	return s.repo.GetConversationParticipants(ctx, conversationID)
}

func (s *messageService) IsUserInConversation(ctx context.Context, userID, conversationID int64) bool {
	isIn, err := s.repo.IsUserInConversation(ctx, userID, conversationID)
	if err != nil {
		return false
	}
	return isIn
}

func (s *messageService) GetTotalUnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.repo.GetTotalUnreadCount(ctx, userID)
}

func (s *messageService) GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error) {
	return s.repo.GetUserInfo(ctx, userID)
}
