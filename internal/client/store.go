// internal/client/store.go

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

var ErrNoAckData = errors.New("ack carried no payload")

// Store holds the local view of conversations and their messages. It is the
// single owner of unread counts: nothing else mutates them.
type Store struct {
	ch     Channel
	selfID int64

	mu            sync.Mutex
	conversations map[int64]*conversationState

	unsubs []func()
}

type conversationState struct {
	messages []realtime.Message
	seen     map[int64]struct{}
	unread   int
	open     bool
}

// NewStore builds the store and subscribes it to message traffic on the
// channel. selfID is the local user; their own messages never count as
// unread.
func NewStore(ch Channel, selfID int64) *Store {
	s := &Store{
		ch:            ch,
		selfID:        selfID,
		conversations: make(map[int64]*conversationState),
	}

	s.unsubs = append(s.unsubs,
		ch.On(realtime.EventNewMessage, s.onNewMessage),
		ch.On(realtime.EventMessageNotification, s.onMessageNotification),
		ch.On(realtime.EventMessagesRead, s.onMessagesRead),
	)

	return s
}

// Close detaches the store from the channel. Local state is kept.
func (s *Store) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// OpenConversation marks a conversation as open locally and tells the relay,
// so subsequent messages arrive as new_message instead of notifications.
func (s *Store) OpenConversation(conversationID int64) error {
	s.mu.Lock()
	s.stateFor(conversationID).open = true
	s.mu.Unlock()

	return s.ch.Emit(realtime.EventJoinConversation, realtime.ConversationRef{ConversationID: conversationID})
}

// CloseConversation is the inverse of OpenConversation.
func (s *Store) CloseConversation(conversationID int64) error {
	s.mu.Lock()
	if cs, ok := s.conversations[conversationID]; ok {
		cs.open = false
	}
	s.mu.Unlock()

	return s.ch.Emit(realtime.EventLeaveConversation, realtime.ConversationRef{ConversationID: conversationID})
}

// SendMessage emits the send intent and waits for the relay's ack carrying
// the persisted message. Only the acked message, with its relay-assigned id
// and timestamp, is appended locally.
func (s *Store) SendMessage(ctx context.Context, conversationID int64, content string) (*realtime.Message, error) {
	req := realtime.SendMessageRequest{ConversationID: conversationID, Content: content}

	ack, err := s.ch.Request(ctx, realtime.EventSendMessage, req)
	if err != nil {
		return nil, err
	}
	if len(ack.Data) == 0 {
		return nil, ErrNoAckData
	}

	var msg realtime.Message
	if err := json.Unmarshal(ack.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode send ack: %w", err)
	}

	s.AppendSent(msg)
	return &msg, nil
}

// AppendSent records a message the local user sent and the relay persisted.
// Sent messages never affect the unread count.
func (s *Store) AppendSent(msg realtime.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg, false)
}

// ApplyIncoming merges a message delivered by the relay. Duplicate ids are
// dropped silently: the same message can arrive both as new_message and
// inside a notification, and must appear once.
func (s *Store) ApplyIncoming(msg realtime.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg, msg.SenderID != s.selfID)
}

// MarkRead tells the relay the local user read a conversation, then zeroes
// the local unread count. The count only moves on the relay's ack so local
// and server state cannot diverge.
func (s *Store) MarkRead(ctx context.Context, conversationID int64) error {
	ref := realtime.ConversationRef{ConversationID: conversationID}
	if _, err := s.ch.Request(ctx, realtime.EventMarkRead, ref); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.conversations[conversationID]; ok {
		cs.unread = 0
		for i := range cs.messages {
			if cs.messages[i].SenderID != s.selfID {
				cs.messages[i].IsRead = true
			}
		}
	}
	return nil
}

// ListMessages returns the conversation's messages in arrival order.
func (s *Store) ListMessages(conversationID int64) []realtime.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]realtime.Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// UnreadCount reports a single conversation's unread count.
func (s *Store) UnreadCount(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs, ok := s.conversations[conversationID]; ok {
		return cs.unread
	}
	return 0
}

// TotalUnread is always derived by summing per-conversation counts, never
// kept as its own counter.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, cs := range s.conversations {
		total += cs.unread
	}
	return total
}

// ConversationIDs lists the conversations the store has seen, sorted for
// stable iteration.
func (s *Store) ConversationIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) onNewMessage(env realtime.Envelope) {
	var msg realtime.Message
	if err := env.Bind(&msg); err != nil {
		return
	}
	s.ApplyIncoming(msg)
}

func (s *Store) onMessageNotification(env realtime.Envelope) {
	var notif realtime.MessageNotification
	if err := env.Bind(&notif); err != nil {
		return
	}
	s.ApplyIncoming(notif.Message)
}

func (s *Store) onMessagesRead(env realtime.Envelope) {
	var read realtime.MessagesRead
	if err := env.Bind(&read); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.conversations[read.ConversationID]; ok {
		for i := range cs.messages {
			if cs.messages[i].SenderID == s.selfID {
				cs.messages[i].IsRead = true
			}
		}
	}
}

// appendLocked merges one message, dropping duplicates by id. Caller holds
// s.mu.
func (s *Store) appendLocked(msg realtime.Message, countUnread bool) {
	cs := s.stateFor(msg.ConversationID)
	if _, dup := cs.seen[msg.ID]; dup {
		return
	}
	cs.seen[msg.ID] = struct{}{}
	cs.messages = append(cs.messages, msg)
	if countUnread {
		cs.unread++
	}
}

func (s *Store) stateFor(conversationID int64) *conversationState {
	cs, ok := s.conversations[conversationID]
	if !ok {
		cs = &conversationState{seen: make(map[int64]struct{})}
		s.conversations[conversationID] = cs
	}
	return cs
}
