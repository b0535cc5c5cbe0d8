// internal/client/typing.go

package client

import (
	"sort"
	"sync"
	"time"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

// DefaultTypingTTL is the inactivity interval after which a local typing
// window auto-stops.
const DefaultTypingTTL = 3 * time.Second

type typingKey struct {
	conversationID int64
	userID         int64
}

// TypingCoordinator debounces local typing signals and mirrors remote ones.
// Remote entries are purely event-driven: the remote party owns sending
// stop, so no local timeout is applied to them.
type TypingCoordinator struct {
	ch    Channel
	clock Clock
	ttl   time.Duration

	mu     sync.Mutex
	local  map[int64]Timer
	remote map[typingKey]struct{}

	unsubs []func()
}

// NewTypingCoordinator wires the coordinator to the channel. A zero ttl
// uses DefaultTypingTTL.
func NewTypingCoordinator(ch Channel, clock Clock, ttl time.Duration) *TypingCoordinator {
	if clock == nil {
		clock = NewClock()
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}

	t := &TypingCoordinator{
		ch:     ch,
		clock:  clock,
		ttl:    ttl,
		local:  make(map[int64]Timer),
		remote: make(map[typingKey]struct{}),
	}

	t.unsubs = append(t.unsubs,
		ch.On(realtime.EventUserTyping, t.onRemoteStart),
		ch.On(realtime.EventUserStoppedTyping, t.onRemoteStop),
		ch.OnStateChange(t.onStateChange),
	)

	return t
}

// Close detaches the coordinator and drops all typing state.
func (t *TypingCoordinator) Close() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil

	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

// NotifyTyping signals local typing in a conversation. Within an active
// window repeated calls only extend the auto-stop deadline; typing_start
// goes over the wire once per window.
func (t *TypingCoordinator) NotifyTyping(conversationID int64) {
	t.mu.Lock()
	timer, active := t.local[conversationID]
	if active {
		timer.Stop()
	}
	t.local[conversationID] = t.clock.AfterFunc(t.ttl, func() {
		t.autoStop(conversationID)
	})
	t.mu.Unlock()

	if !active {
		t.ch.Emit(realtime.EventTypingStart, realtime.ConversationRef{ConversationID: conversationID})
	}
}

// StopTyping ends the local typing window explicitly.
func (t *TypingCoordinator) StopTyping(conversationID int64) {
	t.mu.Lock()
	timer, active := t.local[conversationID]
	if active {
		timer.Stop()
		delete(t.local, conversationID)
	}
	t.mu.Unlock()

	if active {
		t.ch.Emit(realtime.EventTypingStop, realtime.ConversationRef{ConversationID: conversationID})
	}
}

// ConversationClosed drops remote typing entries for a conversation the
// local user closed.
func (t *TypingCoordinator) ConversationClosed(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.remote {
		if key.conversationID == conversationID {
			delete(t.remote, key)
		}
	}
}

// TypingUsers lists the remote users currently typing in a conversation.
func (t *TypingCoordinator) TypingUsers(conversationID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []int64
	for key := range t.remote {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (t *TypingCoordinator) autoStop(conversationID int64) {
	t.mu.Lock()
	_, active := t.local[conversationID]
	if active {
		delete(t.local, conversationID)
	}
	t.mu.Unlock()

	if active {
		t.ch.Emit(realtime.EventTypingStop, realtime.ConversationRef{ConversationID: conversationID})
	}
}

func (t *TypingCoordinator) onRemoteStart(env realtime.Envelope) {
	var notif realtime.TypingNotification
	if err := env.Bind(&notif); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote[typingKey{notif.ConversationID, notif.UserID}] = struct{}{}
}

func (t *TypingCoordinator) onRemoteStop(env realtime.Envelope) {
	var notif realtime.TypingNotification
	if err := env.Bind(&notif); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.remote, typingKey{notif.ConversationID, notif.UserID})
}

// onStateChange drops all typing state when the channel goes down; both
// local windows and remote entries are stale once delivery stops.
func (t *TypingCoordinator) onStateChange(connected bool) {
	if connected {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

func (t *TypingCoordinator) clearLocked() {
	for id, timer := range t.local {
		timer.Stop()
		delete(t.local, id)
	}
	for key := range t.remote {
		delete(t.remote, key)
	}
}
