// internal/relay/calls_test.go

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

// fakeNotifier records envelopes per user in delivery order.
type fakeNotifier struct {
	mu     sync.Mutex
	online map[int64]bool
	sent   map[int64][]realtime.Envelope
}

func newFakeNotifier(online ...int64) *fakeNotifier {
	n := &fakeNotifier{
		online: make(map[int64]bool),
		sent:   make(map[int64][]realtime.Envelope),
	}
	for _, id := range online {
		n.online[id] = true
	}
	return n
}

func (n *fakeNotifier) SendToUser(userID int64, env realtime.Envelope) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.online[userID] {
		return false
	}
	n.sent[userID] = append(n.sent[userID], env)
	return true
}

func (n *fakeNotifier) IsUserOnline(userID int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online[userID]
}

func (n *fakeNotifier) received(userID int64, event realtime.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, env := range n.sent[userID] {
		if env.Event == event {
			count++
		}
	}
	return count
}

// memRegistry is the in-memory CallRegistry used by tests.
type memRegistry struct {
	mu    sync.Mutex
	calls map[string]*CallState
}

func newMemRegistry() *memRegistry {
	return &memRegistry{calls: make(map[string]*CallState)}
}

func (r *memRegistry) Create(_ context.Context, call *CallState, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *call
	r.calls[call.CallID] = &cp
	return nil
}

func (r *memRegistry) Get(_ context.Context, callID string) (*CallState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	cp := *call
	return &cp, nil
}

func (r *memRegistry) MarkAccepted(_ context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	call.Accepted = true
	return nil
}

func (r *memRegistry) Delete(_ context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
	return nil
}

func (r *memRegistry) ActiveCallFor(_ context.Context, userID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, call := range r.calls {
		if call.CallerID == userID || call.CalleeID == userID {
			return id, nil
		}
	}
	return "", nil
}

const (
	caller = int64(1)
	callee = int64(2)
)

func initiateReq() *realtime.InitiateCallRequest {
	return &realtime.InitiateCallRequest{ConversationID: 10, CalleeID: callee, Type: realtime.CallTypeAudio}
}

func TestCallInitiateRingsCallee(t *testing.T) {
	hub := newFakeNotifier(caller, callee)
	router := NewCallRouter(hub, newMemRegistry(), time.Minute)

	callID, err := router.Initiate(context.Background(), caller, "Ada", initiateReq())
	if err != nil {
		t.Fatal(err)
	}
	if callID == "" {
		t.Fatal("no call id assigned")
	}
	if hub.received(callee, realtime.EventIncomingCall) != 1 {
		t.Fatal("callee never rang")
	}
}

func TestCallInitiateOfflineCallee(t *testing.T) {
	hub := newFakeNotifier(caller)
	registry := newMemRegistry()
	router := NewCallRouter(hub, registry, time.Minute)

	if _, err := router.Initiate(context.Background(), caller, "Ada", initiateReq()); err != ErrCalleeUnreachable {
		t.Fatalf("expected ErrCalleeUnreachable, got %v", err)
	}
	if id, _ := registry.ActiveCallFor(context.Background(), caller); id != "" {
		t.Fatal("failed initiate left a registered call behind")
	}
}

func TestCallBusyChecks(t *testing.T) {
	hub := newFakeNotifier(caller, callee, 3)
	registry := newMemRegistry()
	router := NewCallRouter(hub, registry, time.Minute)
	ctx := context.Background()

	if _, err := router.Initiate(ctx, caller, "Ada", initiateReq()); err != nil {
		t.Fatal(err)
	}

	// Caller already in a call.
	if _, err := router.Initiate(ctx, caller, "Ada", &realtime.InitiateCallRequest{
		ConversationID: 11, CalleeID: 3, Type: realtime.CallTypeAudio,
	}); err != ErrCallerBusy {
		t.Fatalf("expected ErrCallerBusy, got %v", err)
	}

	// Callee already in a call.
	if _, err := router.Initiate(ctx, 3, "Eve", initiateReq()); err != ErrCalleeBusy {
		t.Fatalf("expected ErrCalleeBusy, got %v", err)
	}
}

func TestCallAcceptEchoesToCaller(t *testing.T) {
	hub := newFakeNotifier(caller, callee)
	router := NewCallRouter(hub, newMemRegistry(), time.Minute)
	ctx := context.Background()

	callID, err := router.Initiate(ctx, caller, "Ada", initiateReq())
	if err != nil {
		t.Fatal(err)
	}

	// Only the callee can accept.
	if err := router.Accept(ctx, caller, callID); err != ErrNotCallParty {
		t.Fatalf("expected ErrNotCallParty, got %v", err)
	}

	if err := router.Accept(ctx, callee, callID); err != nil {
		t.Fatal(err)
	}
	if hub.received(caller, realtime.EventCallAccepted) != 1 {
		t.Fatal("caller never heard the accept")
	}

	// Accepting twice is no longer ringing.
	if err := router.Accept(ctx, callee, callID); err != ErrNotRinging {
		t.Fatalf("expected ErrNotRinging, got %v", err)
	}
}

func TestCallRejectOnlyWhileRinging(t *testing.T) {
	hub := newFakeNotifier(caller, callee)
	registry := newMemRegistry()
	router := NewCallRouter(hub, registry, time.Minute)
	ctx := context.Background()

	callID, err := router.Initiate(ctx, caller, "Ada", initiateReq())
	if err != nil {
		t.Fatal(err)
	}
	if err := router.Accept(ctx, callee, callID); err != nil {
		t.Fatal(err)
	}

	if err := router.Reject(ctx, callee, callID); err != ErrNotRinging {
		t.Fatalf("expected ErrNotRinging after accept, got %v", err)
	}
}

func TestCallRejectClearsCall(t *testing.T) {
	hub := newFakeNotifier(caller, callee)
	registry := newMemRegistry()
	router := NewCallRouter(hub, registry, time.Minute)
	ctx := context.Background()

	callID, err := router.Initiate(ctx, caller, "Ada", initiateReq())
	if err != nil {
		t.Fatal(err)
	}
	if err := router.Reject(ctx, callee, callID); err != nil {
		t.Fatal(err)
	}

	if hub.received(caller, realtime.EventCallRejected) != 1 {
		t.Fatal("caller never heard the rejection")
	}
	if id, _ := registry.ActiveCallFor(ctx, caller); id != "" {
		t.Fatal("rejected call still registered")
	}
}

func TestCallEndByEitherParty(t *testing.T) {
	ctx := context.Background()

	for _, ender := range []int64{caller, callee} {
		hub := newFakeNotifier(caller, callee)
		registry := newMemRegistry()
		router := NewCallRouter(hub, registry, time.Minute)

		callID, err := router.Initiate(ctx, caller, "Ada", initiateReq())
		if err != nil {
			t.Fatal(err)
		}
		if err := router.Accept(ctx, callee, callID); err != nil {
			t.Fatal(err)
		}

		if err := router.End(ctx, ender, callID); err != nil {
			t.Fatalf("party %d could not end: %v", ender, err)
		}

		other := caller
		if ender == caller {
			other = callee
		}
		if hub.received(other, realtime.EventCallEnded) != 1 {
			t.Fatalf("party %d never heard the end", other)
		}
		if id, _ := registry.ActiveCallFor(ctx, caller); id != "" {
			t.Fatal("ended call still registered")
		}
	}
}

func TestCallForwardRoutesToCounterpart(t *testing.T) {
	hub := newFakeNotifier(caller, callee)
	router := NewCallRouter(hub, newMemRegistry(), time.Minute)
	ctx := context.Background()

	callID, err := router.Initiate(ctx, caller, "Ada", initiateReq())
	if err != nil {
		t.Fatal(err)
	}

	env := realtime.NewEnvelope(realtime.EventCallOffer, realtime.CallSignal{
		CallID: callID,
		Signal: []byte(`{"type":"offer","sdp":"x"}`),
	})
	router.Forward(ctx, caller, &env)

	if hub.received(callee, realtime.EventCallOffer) != 1 {
		t.Fatal("offer not forwarded to callee")
	}
	if hub.received(caller, realtime.EventCallOffer) != 0 {
		t.Fatal("offer echoed back to sender")
	}

	// Unknown call ids are dropped, not crashed on.
	stale := realtime.NewEnvelope(realtime.EventICECandidate, realtime.CallSignal{CallID: "gone"})
	router.Forward(ctx, caller, &stale)
}

func TestCallDisconnectEndsForSurvivor(t *testing.T) {
	hub := newFakeNotifier(caller, callee)
	registry := newMemRegistry()
	router := NewCallRouter(hub, registry, time.Minute)
	ctx := context.Background()

	callID, err := router.Initiate(ctx, caller, "Ada", initiateReq())
	if err != nil {
		t.Fatal(err)
	}
	if err := router.Accept(ctx, callee, callID); err != nil {
		t.Fatal(err)
	}

	router.HandleDisconnect(ctx, callee)

	if hub.received(caller, realtime.EventCallEnded) != 1 {
		t.Fatal("survivor never heard the call end")
	}
	if id, _ := registry.ActiveCallFor(ctx, caller); id != "" {
		t.Fatal("dropped call still registered")
	}
}

func TestCallRingTimeout(t *testing.T) {
	hub := newFakeNotifier(caller, callee)
	registry := newMemRegistry()
	router := NewCallRouter(hub, registry, 30*time.Millisecond)
	ctx := context.Background()

	callID, err := router.Initiate(ctx, caller, "Ada", initiateReq())
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if hub.received(caller, realtime.EventCallEnded) == 1 && hub.received(callee, realtime.EventCallEnded) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("ring timeout never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := registry.Get(ctx, callID); err != ErrCallNotFound {
		t.Fatal("timed-out call still registered")
	}
}
