// internal/relay/calls.go
// Relay-side call routing: the relay never joins a call, it only pairs two
// sessions, echoes lifecycle events, and forwards signaling blobs.

package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

var (
	ErrCalleeUnreachable = errors.New("callee is not connected")
	ErrCalleeBusy        = errors.New("callee is in another call")
	ErrCallerBusy        = errors.New("caller already has an active call")
	ErrCallNotFound      = errors.New("call not found")
	ErrNotCallParty      = errors.New("user is not a party to this call")
	ErrNotRinging        = errors.New("call is no longer ringing")
)

// CallRegistry tracks ringing and active calls. The redis implementation in
// registry.go is used in production; tests substitute an in-memory one.
type CallRegistry interface {
	Create(ctx context.Context, call *CallState, ringTTL time.Duration) error
	Get(ctx context.Context, callID string) (*CallState, error)
	MarkAccepted(ctx context.Context, callID string) error
	Delete(ctx context.Context, callID string) error
	// ActiveCallFor returns the call id the user is currently a party to, or
	// empty when the user is free.
	ActiveCallFor(ctx context.Context, userID int64) (string, error)
}

// clientNotifier is how the router reaches connected users. *Hub satisfies
// it.
type clientNotifier interface {
	SendToUser(userID int64, env realtime.Envelope) bool
	IsUserOnline(userID int64) bool
}

// CallRouter drives the relay side of the call lifecycle.
type CallRouter struct {
	hub         clientNotifier
	registry    CallRegistry
	ringTimeout time.Duration

	timersMux sync.Mutex
	timers    map[string]*time.Timer
}

func NewCallRouter(hub clientNotifier, registry CallRegistry, ringTimeout time.Duration) *CallRouter {
	return &CallRouter{
		hub:         hub,
		registry:    registry,
		ringTimeout: ringTimeout,
		timers:      make(map[string]*time.Timer),
	}
}

// Initiate validates that both parties are free and the callee reachable,
// records the ringing call, and notifies the callee. Returns the assigned
// call id for the caller's ack.
func (cr *CallRouter) Initiate(ctx context.Context, callerID int64, callerName string, req *realtime.InitiateCallRequest) (string, error) {
	if !cr.hub.IsUserOnline(req.CalleeID) {
		return "", ErrCalleeUnreachable
	}

	if active, err := cr.registry.ActiveCallFor(ctx, callerID); err != nil {
		return "", err
	} else if active != "" {
		return "", ErrCallerBusy
	}

	if active, err := cr.registry.ActiveCallFor(ctx, req.CalleeID); err != nil {
		return "", err
	} else if active != "" {
		return "", ErrCalleeBusy
	}

	call := &CallState{
		CallID:         uuid.New().String(),
		ConversationID: req.ConversationID,
		CallerID:       callerID,
		CalleeID:       req.CalleeID,
		Type:           req.Type,
	}

	if err := cr.registry.Create(ctx, call, cr.ringTimeout); err != nil {
		return "", err
	}

	delivered := cr.hub.SendToUser(req.CalleeID, realtime.NewEnvelope(realtime.EventIncomingCall, realtime.IncomingCall{
		CallID:         call.CallID,
		CallerID:       callerID,
		CallerName:     callerName,
		ConversationID: req.ConversationID,
		Type:           req.Type,
	}))
	if !delivered {
		cr.registry.Delete(ctx, call.CallID)
		return "", ErrCalleeUnreachable
	}

	cr.startRingTimer(call.CallID)
	recordCall("initiated")
	log.Printf("Call %s: %d ringing %d (%s)", call.CallID, callerID, req.CalleeID, req.Type)

	return call.CallID, nil
}

// Accept marks the call active and echoes call_accepted to the caller.
func (cr *CallRouter) Accept(ctx context.Context, userID int64, callID string) error {
	call, err := cr.registry.Get(ctx, callID)
	if err != nil {
		return err
	}
	if call.CalleeID != userID {
		return ErrNotCallParty
	}
	if call.Accepted {
		return ErrNotRinging
	}

	if err := cr.registry.MarkAccepted(ctx, callID); err != nil {
		return err
	}
	cr.stopRingTimer(callID)

	cr.hub.SendToUser(call.CallerID, realtime.NewEnvelope(realtime.EventCallAccepted, realtime.CallRef{CallID: callID}))
	recordCall("accepted")
	log.Printf("Call %s: accepted by %d", callID, userID)

	return nil
}

// Reject is only valid while the call is still ringing.
func (cr *CallRouter) Reject(ctx context.Context, userID int64, callID string) error {
	call, err := cr.registry.Get(ctx, callID)
	if err != nil {
		return err
	}
	if call.CalleeID != userID {
		return ErrNotCallParty
	}
	if call.Accepted {
		return ErrNotRinging
	}

	cr.teardown(ctx, callID)
	cr.hub.SendToUser(call.CallerID, realtime.NewEnvelope(realtime.EventCallRejected, realtime.CallRef{CallID: callID}))
	recordCall("rejected")
	log.Printf("Call %s: rejected by %d", callID, userID)

	return nil
}

// End is valid for either party at any point of the call's life.
func (cr *CallRouter) End(ctx context.Context, userID int64, callID string) error {
	call, err := cr.registry.Get(ctx, callID)
	if err != nil {
		return err
	}

	other := call.Counterpart(userID)
	if other == 0 {
		return ErrNotCallParty
	}

	cr.teardown(ctx, callID)
	cr.hub.SendToUser(other, realtime.NewEnvelope(realtime.EventCallEnded, realtime.CallRef{CallID: callID}))
	recordCall("ended")
	log.Printf("Call %s: ended by %d", callID, userID)

	return nil
}

// Forward passes an offer/answer/candidate envelope to the sender's
// counterpart without inspecting the signal payload.
func (cr *CallRouter) Forward(ctx context.Context, senderID int64, env *realtime.Envelope) {
	var ref realtime.CallRef
	if err := env.Bind(&ref); err != nil {
		return
	}

	call, err := cr.registry.Get(ctx, ref.CallID)
	if err != nil {
		log.Printf("Dropping %s for unknown call %s", env.Event, ref.CallID)
		return
	}

	other := call.Counterpart(senderID)
	if other == 0 {
		return
	}

	forwarded := realtime.Envelope{
		Event:     env.Event,
		Data:      env.Data,
		Timestamp: time.Now(),
	}
	cr.hub.SendToUser(other, forwarded)
}

// HandleDisconnect invalidates any call the departing user was a party to
// and tells the survivor the call is over.
func (cr *CallRouter) HandleDisconnect(ctx context.Context, userID int64) {
	callID, err := cr.registry.ActiveCallFor(ctx, userID)
	if err != nil || callID == "" {
		return
	}

	call, err := cr.registry.Get(ctx, callID)
	if err != nil {
		return
	}

	cr.teardown(ctx, callID)

	if other := call.Counterpart(userID); other != 0 {
		cr.hub.SendToUser(other, realtime.NewEnvelope(realtime.EventCallEnded, realtime.CallRef{CallID: callID}))
	}
	recordCall("dropped")
	log.Printf("Call %s: party %d disconnected", callID, userID)
}

func (cr *CallRouter) teardown(ctx context.Context, callID string) {
	cr.stopRingTimer(callID)
	if err := cr.registry.Delete(ctx, callID); err != nil {
		log.Printf("Error clearing call %s: %v", callID, err)
	}
}

func (cr *CallRouter) startRingTimer(callID string) {
	cr.timersMux.Lock()
	defer cr.timersMux.Unlock()

	cr.timers[callID] = time.AfterFunc(cr.ringTimeout, func() {
		cr.onRingTimeout(callID)
	})
}

func (cr *CallRouter) stopRingTimer(callID string) {
	cr.timersMux.Lock()
	defer cr.timersMux.Unlock()

	if t, ok := cr.timers[callID]; ok {
		t.Stop()
		delete(cr.timers, callID)
	}
}

// onRingTimeout cancels a call nobody answered within the configured bound.
func (cr *CallRouter) onRingTimeout(callID string) {
	ctx := context.Background()

	call, err := cr.registry.Get(ctx, callID)
	if err != nil || call.Accepted {
		return
	}

	cr.teardown(ctx, callID)

	env := realtime.NewEnvelope(realtime.EventCallEnded, realtime.CallRef{CallID: callID})
	cr.hub.SendToUser(call.CallerID, env)
	cr.hub.SendToUser(call.CalleeID, env)
	recordCall("ring_timeout")
	log.Printf("Call %s: ring timeout", callID)
}
