// internal/relay/hub_test.go
// End-to-end exercise of the hub and client pumps over real websockets.

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

func testChannelConfig() ChannelConfig {
	return ChannelConfig{
		WriteTimeout:   time.Second,
		PongTimeout:    10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueueSize:  32,
	}
}

type hubFixture struct {
	hub *Hub
	srv *httptest.Server
}

// newHubFixture starts a hub over an in-memory repository and registry. The
// test server reads the user id from the query string in place of real
// auth.
func newHubFixture(t *testing.T) *hubFixture {
	return newHubFixturePresence(t, nil, testChannelConfig())
}

func newHubFixturePresence(t *testing.T, presence PresenceTracker, cfg ChannelConfig) *hubFixture {
	t.Helper()

	repo := newMemRepository()
	service := NewService(repo)
	hub := NewHub(service, presence)
	calls := NewCallRouter(hub, newMemRegistry(), time.Minute)
	hub.SetCallRouter(calls)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, userID, "user-"+strconv.FormatInt(userID, 10), service, calls, cfg)
		hub.register <- client
		client.Start()
	}))
	t.Cleanup(srv.Close)

	// Seed the direct conversation between users 1 and 2.
	if _, err := service.GetOrCreateDirectConversation(hub.ctx, 1, 2); err != nil {
		t.Fatal(err)
	}

	return &hubFixture{hub: hub, srv: srv}
}

func (f *hubFixture) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?user=" + strconv.FormatInt(userID, 10)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event realtime.EventKind, payload interface{}, withAck bool) string {
	t.Helper()
	env := realtime.NewEnvelope(event, payload)
	if withAck {
		env.AckID = uuid.New().String()
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
	return env.AckID
}

// readEvent reads envelopes until one of the wanted kind arrives.
func readEvent(t *testing.T, conn *websocket.Conn, want realtime.EventKind) realtime.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Event == want {
			return env
		}
	}
}

func readAck(t *testing.T, conn *websocket.Conn, ackID string) realtime.Ack {
	t.Helper()
	env := readEvent(t, conn, realtime.EventAck)
	if env.AckID != ackID {
		t.Fatalf("ack correlation mismatch: sent %s, got %s", ackID, env.AckID)
	}
	var ack realtime.Ack
	if err := env.Bind(&ack); err != nil {
		t.Fatal(err)
	}
	return ack
}

func waitOnline(t *testing.T, hub *Hub, userID int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !hub.IsUserOnline(userID) {
		select {
		case <-deadline:
			t.Fatalf("user %d never registered", userID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHubMessageRouting(t *testing.T) {
	f := newHubFixture(t)

	sender := f.dial(t, 1)
	recipient := f.dial(t, 2)
	waitOnline(t, f.hub, 1)
	waitOnline(t, f.hub, 2)

	// Recipient has not joined the room: delivery is a notification.
	ackID := send(t, sender, realtime.EventSendMessage, realtime.SendMessageRequest{
		ConversationID: 1,
		Content:        "first",
	}, true)

	ack := readAck(t, sender, ackID)
	if !ack.OK {
		t.Fatalf("send rejected: %s", ack.Error)
	}
	var persisted realtime.Message
	if err := json.Unmarshal(ack.Data, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.ID == 0 {
		t.Fatal("ack missing relay-assigned id")
	}

	env := readEvent(t, recipient, realtime.EventMessageNotification)
	var notif realtime.MessageNotification
	if err := env.Bind(&notif); err != nil {
		t.Fatal(err)
	}
	if notif.Message.Content != "first" {
		t.Fatalf("unexpected notification %+v", notif)
	}

	// After joining the room the next message arrives directly.
	joinAck := send(t, recipient, realtime.EventJoinConversation, realtime.ConversationRef{ConversationID: 1}, true)
	readAck(t, recipient, joinAck)

	send(t, sender, realtime.EventSendMessage, realtime.SendMessageRequest{
		ConversationID: 1,
		Content:        "second",
	}, false)

	env = readEvent(t, recipient, realtime.EventNewMessage)
	var direct realtime.Message
	if err := env.Bind(&direct); err != nil {
		t.Fatal(err)
	}
	if direct.Content != "second" {
		t.Fatalf("unexpected direct message %+v", direct)
	}
}

func TestHubTypingFanOut(t *testing.T) {
	f := newHubFixture(t)

	typist := f.dial(t, 1)
	watcher := f.dial(t, 2)
	waitOnline(t, f.hub, 1)
	waitOnline(t, f.hub, 2)

	send(t, typist, realtime.EventTypingStart, realtime.ConversationRef{ConversationID: 1}, false)

	env := readEvent(t, watcher, realtime.EventUserTyping)
	var notif realtime.TypingNotification
	if err := env.Bind(&notif); err != nil {
		t.Fatal(err)
	}
	if notif.UserID != 1 || notif.ConversationID != 1 {
		t.Fatalf("unexpected typing notification %+v", notif)
	}

	send(t, typist, realtime.EventTypingStop, realtime.ConversationRef{ConversationID: 1}, false)
	readEvent(t, watcher, realtime.EventUserStoppedTyping)
}

func TestHubMarkReadEcho(t *testing.T) {
	f := newHubFixture(t)

	sender := f.dial(t, 1)
	reader := f.dial(t, 2)
	waitOnline(t, f.hub, 1)
	waitOnline(t, f.hub, 2)

	ackID := send(t, sender, realtime.EventSendMessage, realtime.SendMessageRequest{
		ConversationID: 1,
		Content:        "read me",
	}, true)
	readAck(t, sender, ackID)

	ackID = send(t, reader, realtime.EventMarkRead, realtime.ConversationRef{ConversationID: 1}, true)
	readAck(t, reader, ackID)

	env := readEvent(t, sender, realtime.EventMessagesRead)
	var read realtime.MessagesRead
	if err := env.Bind(&read); err != nil {
		t.Fatal(err)
	}
	if read.ReaderID != 2 || read.ConversationID != 1 {
		t.Fatalf("unexpected read receipt %+v", read)
	}
}

func TestHubReplacesStaleSession(t *testing.T) {
	f := newHubFixture(t)

	first := f.dial(t, 1)
	waitOnline(t, f.hub, 1)

	second := f.dial(t, 1)
	waitOnline(t, f.hub, 1)

	// The old socket is closed by the hub; reads on it fail shortly.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("stale session still readable after replacement")
	}

	// The fresh session works.
	ackID := send(t, second, realtime.EventJoinConversation, realtime.ConversationRef{ConversationID: 1}, true)
	ack := readAck(t, second, ackID)
	if !ack.OK {
		t.Fatalf("join on fresh session rejected: %s", ack.Error)
	}
}

func TestHubNonParticipantRejected(t *testing.T) {
	f := newHubFixture(t)

	outsider := f.dial(t, 3)
	waitOnline(t, f.hub, 3)

	ackID := send(t, outsider, realtime.EventSendMessage, realtime.SendMessageRequest{
		ConversationID: 1,
		Content:        "let me in",
	}, true)

	ack := readAck(t, outsider, ackID)
	if ack.OK {
		t.Fatal("non-participant send accepted")
	}
}

// fakePresence records presence transitions in memory.
type fakePresence struct {
	mu        sync.Mutex
	online    []int64
	offline   []int64
	refreshed []int64
}

func (p *fakePresence) SetOnline(_ context.Context, userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, userID)
}

func (p *fakePresence) SetOffline(_ context.Context, userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, userID)
}

func (p *fakePresence) Refresh(_ context.Context, userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, userID)
}

func (p *fakePresence) refreshCount(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.refreshed {
		if id == userID {
			n++
		}
	}
	return n
}

func TestHubRefreshesPresenceOnPong(t *testing.T) {
	presence := &fakePresence{}
	cfg := testChannelConfig()
	// Short pong timeout so the writer pings quickly.
	cfg.PongTimeout = 500 * time.Millisecond

	f := newHubFixturePresence(t, presence, cfg)

	conn := f.dial(t, 1)
	waitOnline(t, f.hub, 1)

	// Keep reading so the websocket library answers pings with pongs. A
	// session that only pongs must still keep its online marker alive.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	deadline := time.After(3 * time.Second)
	for presence.refreshCount(1) == 0 {
		select {
		case <-deadline:
			t.Fatal("presence never refreshed on pong traffic")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHubUnknownEventReported(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t, 1)
	waitOnline(t, f.hub, 1)

	// Fire-and-forget: the relay answers with an error envelope.
	send(t, conn, realtime.EventKind("bogus_event"), nil, false)
	env := readEvent(t, conn, realtime.EventError)
	var report realtime.ErrorPayload
	if err := env.Bind(&report); err != nil {
		t.Fatal(err)
	}
	if report.Code != "unknown_event" {
		t.Fatalf("unexpected error code %q", report.Code)
	}

	// Request form: the relay fails the ack instead.
	ackID := send(t, conn, realtime.EventKind("bogus_event"), nil, true)
	ack := readAck(t, conn, ackID)
	if ack.OK {
		t.Fatal("unknown event acked as OK")
	}
}
