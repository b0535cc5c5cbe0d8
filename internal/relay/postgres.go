// internal/relay/postgres.go

package relay

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// CreateConversation creates a conversation and its participant rows in one
// transaction.
func (r *postgresRepository) CreateConversation(ctx context.Context, conv *Conversation, participantIDs []int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
        INSERT INTO conversations (created_by, created_at, updated_at)
        VALUES ($1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
        RETURNING id, created_at, updated_at`

	if err := tx.QueryRowContext(ctx, query, conv.CreatedBy).
		Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return err
	}

	for _, userID := range participantIDs {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO conversation_participants (conversation_id, user_id, unread_count, joined_at)
            VALUES ($1, $2, 0, CURRENT_TIMESTAMP)`,
			conv.ID, userID,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetConversation retrieves a conversation with its participants
func (r *postgresRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var conv Conversation
	query := `
        SELECT id, created_by, last_message_at, last_message_preview, created_at, updated_at
        FROM conversations
        WHERE id = $1`

	if err := r.db.GetContext(ctx, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	participants, err := r.GetConversationParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Participants = participants

	return &conv, nil
}

// GetUserConversations retrieves a user's conversations ordered by recency
func (r *postgresRepository) GetUserConversations(ctx context.Context, userID int64, limit, offset int) ([]*Conversation, error) {
	query := `
        SELECT
            c.id, c.created_by, c.last_message_at, c.last_message_preview,
            c.created_at, c.updated_at,
            cp.unread_count
        FROM conversations c
        JOIN conversation_participants cp ON cp.conversation_id = c.id
        WHERE cp.user_id = $1
        ORDER BY c.last_message_at DESC NULLS LAST
        LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		err := rows.Scan(
			&conv.ID, &conv.CreatedBy, &conv.LastMessageAt, &conv.LastMessagePreview,
			&conv.CreatedAt, &conv.UpdatedAt,
			&conv.UnreadCount,
		)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, &conv)
	}

	for _, conv := range conversations {
		participants, err := r.GetConversationParticipants(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		conv.Participants = participants
	}

	return conversations, rows.Err()
}

// GetDirectConversation finds the conversation shared by exactly these two
// users, if any.
func (r *postgresRepository) GetDirectConversation(ctx context.Context, user1ID, user2ID int64) (*Conversation, error) {
	query := `
        SELECT c.id
        FROM conversations c
        JOIN conversation_participants p1 ON p1.conversation_id = c.id AND p1.user_id = $1
        JOIN conversation_participants p2 ON p2.conversation_id = c.id AND p2.user_id = $2
        LIMIT 1`

	var id int64
	if err := r.db.QueryRowContext(ctx, query, user1ID, user2ID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	return r.GetConversation(ctx, id)
}

// UpdateConversationLastMessage updates the last message summary
func (r *postgresRepository) UpdateConversationLastMessage(ctx context.Context, convID int64, preview string) error {
	query := `
        UPDATE conversations
        SET last_message_at = CURRENT_TIMESTAMP,
            last_message_preview = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $2`

	_, err := r.db.ExecContext(ctx, query, preview, convID)
	return err
}

// GetConversationParticipants retrieves participants with their user info
func (r *postgresRepository) GetConversationParticipants(ctx context.Context, convID int64) ([]*Participant, error) {
	query := `
        SELECT
            cp.id, cp.conversation_id, cp.user_id, cp.unread_count,
            cp.last_read_at, cp.joined_at,
            u.id, u.username, u.display_name, u.avatar_url, u.role
        FROM conversation_participants cp
        JOIN users u ON u.id = cp.user_id
        WHERE cp.conversation_id = $1
        ORDER BY cp.joined_at`

	rows, err := r.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		var u UserInfo

		err := rows.Scan(
			&p.ID, &p.ConversationID, &p.UserID, &p.UnreadCount,
			&p.LastReadAt, &p.JoinedAt,
			&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Role,
		)
		if err != nil {
			return nil, err
		}

		p.User = &u
		participants = append(participants, &p)
	}

	return participants, rows.Err()
}

// IsUserInConversation checks if a user is a participant in a conversation
func (r *postgresRepository) IsUserInConversation(ctx context.Context, userID, convID int64) (bool, error) {
	query := `
        SELECT EXISTS(
            SELECT 1 FROM conversation_participants
            WHERE conversation_id = $1 AND user_id = $2
        )`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, convID, userID).Scan(&exists)
	return exists, err
}

// IncrementUnreadCount increments unread count for a user in a conversation
func (r *postgresRepository) IncrementUnreadCount(ctx context.Context, convID, userID int64) error {
	query := `
        UPDATE conversation_participants
        SET unread_count = unread_count + 1
        WHERE conversation_id = $1 AND user_id = $2`

	_, err := r.db.ExecContext(ctx, query, convID, userID)
	return err
}

// ResetUnreadCount resets unread count for a user in a conversation
func (r *postgresRepository) ResetUnreadCount(ctx context.Context, convID, userID int64) error {
	query := `
        UPDATE conversation_participants
        SET unread_count = 0,
            last_read_at = CURRENT_TIMESTAMP
        WHERE conversation_id = $1 AND user_id = $2`

	_, err := r.db.ExecContext(ctx, query, convID, userID)
	return err
}

// GetTotalUnreadCount sums unread counts across all of a user's
// conversations. Always derived, never tracked independently.
func (r *postgresRepository) GetTotalUnreadCount(ctx context.Context, userID int64) (int, error) {
	query := `
        SELECT COALESCE(SUM(unread_count), 0)
        FROM conversation_participants
        WHERE user_id = $1`

	var total int
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&total)
	return total, err
}

// CreateMessage creates a new message with a server-assigned id and timestamp
func (r *postgresRepository) CreateMessage(ctx context.Context, message *realtime.Message) error {
	message.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO messages (conversation_id, sender_id, content, is_read, created_at)
        VALUES ($1, $2, $3, false, $4)
        RETURNING id`

	return r.db.QueryRowContext(
		ctx, query,
		message.ConversationID, message.SenderID, message.Content, message.CreatedAt,
	).Scan(&message.ID)
}

// GetConversationMessages retrieves messages for a conversation
func (r *postgresRepository) GetConversationMessages(ctx context.Context, convID int64, limit, offset int) ([]*realtime.Message, error) {
	query := `
        SELECT id, conversation_id, sender_id, content, is_read, created_at
        FROM messages
        WHERE conversation_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, convID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*realtime.Message
	for rows.Next() {
		var msg realtime.Message
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID,
			&msg.Content, &msg.IsRead, &msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// MarkMessagesRead flips is_read on everything the reader has not authored
func (r *postgresRepository) MarkMessagesRead(ctx context.Context, convID, readerID int64) error {
	query := `
        UPDATE messages
        SET is_read = true
        WHERE conversation_id = $1 AND sender_id != $2 AND is_read = false`

	_, err := r.db.ExecContext(ctx, query, convID, readerID)
	return err
}

// GetUserInfo retrieves the public info of a user
func (r *postgresRepository) GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error) {
	var info UserInfo
	query := `
        SELECT id, username, display_name, avatar_url, role
        FROM users
        WHERE id = $1`

	if err := r.db.GetContext(ctx, &info, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return &info, nil
}
