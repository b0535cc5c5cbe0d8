// internal/client/call.go

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

var (
	ErrCallActive     = errors.New("another call is already active")
	ErrNoActiveCall   = errors.New("no active call")
	ErrCallNotRinging = errors.New("call is not ringing")
	ErrMediaFailed    = errors.New("could not acquire local media")
)

// CallState is the client-side call lifecycle.
type CallState int

const (
	CallIdle CallState = iota
	CallInitiating
	CallRinging
	CallConnecting
	CallOngoing
)

func (s CallState) String() string {
	switch s {
	case CallInitiating:
		return "initiating"
	case CallRinging:
		return "ringing"
	case CallConnecting:
		return "connecting"
	case CallOngoing:
		return "ongoing"
	default:
		return "idle"
	}
}

type CallDirection int

const (
	CallOutgoing CallDirection = iota
	CallIncoming
)

// CallSession describes the single call a session may have at a time.
type CallSession struct {
	CallID         string
	ConversationID int64
	PeerID         int64
	Type           string
	Direction      CallDirection
	State          CallState
}

// CallObserver is notified on every state change, including the final
// transition back to idle.
type CallObserver func(session CallSession)

// CallManager drives call signaling and owns the call's peer connection and
// local media. At most one call is non-idle at a time; an incoming call
// arriving while another is active is ignored outright, never queued or
// auto-rejected.
type CallManager struct {
	ch      Channel
	devices MediaDevices
	peers   PeerFactory

	mu      sync.Mutex
	session *CallSession
	peer    PeerSession
	media   MediaStream

	obsMu     sync.RWMutex
	observers []*callObs

	unsubs []func()
}

type callObs struct {
	fn CallObserver
}

// NewCallManager wires the manager to the channel and the media stack.
func NewCallManager(ch Channel, devices MediaDevices, peers PeerFactory) *CallManager {
	m := &CallManager{
		ch:      ch,
		devices: devices,
		peers:   peers,
	}

	m.unsubs = append(m.unsubs,
		ch.On(realtime.EventIncomingCall, m.onIncomingCall),
		ch.On(realtime.EventCallAccepted, m.onCallAccepted),
		ch.On(realtime.EventCallRejected, m.onCallRejected),
		ch.On(realtime.EventCallEnded, m.onCallEnded),
		ch.On(realtime.EventCallOffer, m.onCallOffer),
		ch.On(realtime.EventCallAnswer, m.onCallAnswer),
		ch.On(realtime.EventICECandidate, m.onRemoteCandidate),
		ch.OnStateChange(m.onChannelState),
	)

	return m
}

// Close detaches the manager and tears down any active call locally.
func (m *CallManager) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.teardown(false)
}

// Current returns a snapshot of the active call, if any.
func (m *CallManager) Current() (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return CallSession{}, false
	}
	return *m.session, true
}

// OnCallState registers an observer and returns its unsubscribe function.
func (m *CallManager) OnCallState(fn CallObserver) (unsubscribe func()) {
	obs := &callObs{fn: fn}

	m.obsMu.Lock()
	m.observers = append(m.observers, obs)
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, o := range m.observers {
			if o == obs {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// StartCall initiates an outgoing call. Media is acquired before any wire
// traffic: a dead microphone aborts back to idle without the relay or the
// callee ever hearing about the attempt.
func (m *CallManager) StartCall(ctx context.Context, conversationID, calleeID int64, callType string) error {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrCallActive
	}
	if !m.ch.Connected() {
		m.mu.Unlock()
		return ErrNotConnected
	}

	media, err := m.devices.Acquire(callType == realtime.CallTypeVideo)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMediaFailed, err)
	}

	peer, err := m.peers.NewSession(m.peerCallbacks())
	if err != nil {
		media.Stop()
		m.mu.Unlock()
		return err
	}
	if err := peer.AddLocalStream(media); err != nil {
		peer.Cleanup()
		media.Stop()
		m.mu.Unlock()
		return err
	}

	m.session = &CallSession{
		ConversationID: conversationID,
		PeerID:         calleeID,
		Type:           callType,
		Direction:      CallOutgoing,
		State:          CallInitiating,
	}
	m.peer = peer
	m.media = media
	snapshot := *m.session
	m.mu.Unlock()

	m.notify(snapshot)

	req := realtime.InitiateCallRequest{
		ConversationID: conversationID,
		CalleeID:       calleeID,
		Type:           callType,
	}
	ack, err := m.ch.Request(ctx, realtime.EventInitiateCall, req)
	if err != nil {
		// Callee unreachable, busy, or the relay never answered: back to
		// idle, media released, nothing rings anywhere.
		m.teardown(false)
		return err
	}

	var resp realtime.InitiateCallResponse
	if err := json.Unmarshal(ack.Data, &resp); err != nil {
		m.teardown(true)
		return fmt.Errorf("decode initiate ack: %w", err)
	}

	m.mu.Lock()
	if m.session == nil || m.session.State != CallInitiating {
		// Torn down while the request was in flight
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	m.session.CallID = resp.CallID
	m.session.State = CallRinging
	snapshot = *m.session
	m.mu.Unlock()

	m.notify(snapshot)
	return nil
}

// AcceptCall answers the ringing incoming call. Media is acquired first; if
// the devices cannot be opened the call is rejected over the wire so the
// caller is not left ringing forever.
func (m *CallManager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if m.session.Direction != CallIncoming || m.session.State != CallRinging {
		m.mu.Unlock()
		return ErrCallNotRinging
	}
	callID := m.session.CallID
	wantsVideo := m.session.Type == realtime.CallTypeVideo

	media, err := m.devices.Acquire(wantsVideo)
	if err != nil {
		m.mu.Unlock()
		m.ch.Emit(realtime.EventRejectCall, realtime.CallRef{CallID: callID})
		m.teardown(false)
		return fmt.Errorf("%w: %v", ErrMediaFailed, err)
	}

	peer, err := m.peers.NewSession(m.peerCallbacks())
	if err == nil {
		err = peer.AddLocalStream(media)
	}
	if err != nil {
		if peer != nil {
			peer.Cleanup()
		}
		media.Stop()
		m.mu.Unlock()
		m.ch.Emit(realtime.EventRejectCall, realtime.CallRef{CallID: callID})
		m.teardown(false)
		return err
	}

	m.peer = peer
	m.media = media
	m.session.State = CallConnecting
	snapshot := *m.session
	m.mu.Unlock()

	m.notify(snapshot)

	if _, err := m.ch.Request(ctx, realtime.EventAcceptCall, realtime.CallRef{CallID: callID}); err != nil {
		m.teardown(false)
		return err
	}
	return nil
}

// RejectCall declines the ringing incoming call.
func (m *CallManager) RejectCall() error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if m.session.Direction != CallIncoming || m.session.State != CallRinging {
		m.mu.Unlock()
		return ErrCallNotRinging
	}
	callID := m.session.CallID
	m.mu.Unlock()

	m.ch.Emit(realtime.EventRejectCall, realtime.CallRef{CallID: callID})
	m.teardown(false)
	return nil
}

// EndCall hangs up from any non-idle state. Local cleanup never waits on
// the relay: the end notification is fire-and-forget.
func (m *CallManager) EndCall() error {
	m.mu.Lock()
	active := m.session != nil
	m.mu.Unlock()

	if !active {
		return ErrNoActiveCall
	}
	m.teardown(true)
	return nil
}

// ToggleAudio mutes/unmutes the outgoing audio track.
func (m *CallManager) ToggleAudio() bool {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()

	if peer == nil {
		return false
	}
	return peer.ToggleAudio()
}

// ToggleVideo enables/disables the outgoing video track.
func (m *CallManager) ToggleVideo() bool {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()

	if peer == nil {
		return false
	}
	return peer.ToggleVideo()
}

func (m *CallManager) onIncomingCall(env realtime.Envelope) {
	var incoming realtime.IncomingCall
	if err := env.Bind(&incoming); err != nil {
		return
	}

	m.mu.Lock()
	if m.session != nil {
		// Busy: drop silently so the active call is never disturbed. The
		// relay's own busy check makes this a belt-and-braces path.
		m.mu.Unlock()
		return
	}
	m.session = &CallSession{
		CallID:         incoming.CallID,
		ConversationID: incoming.ConversationID,
		PeerID:         incoming.CallerID,
		Type:           incoming.Type,
		Direction:      CallIncoming,
		State:          CallRinging,
	}
	snapshot := *m.session
	m.mu.Unlock()

	m.notify(snapshot)
}

// onCallAccepted moves the caller to connecting and opens signaling with an
// SDP offer.
func (m *CallManager) onCallAccepted(env realtime.Envelope) {
	var ref realtime.CallRef
	if err := env.Bind(&ref); err != nil {
		return
	}

	m.mu.Lock()
	if m.session == nil || m.session.CallID != ref.CallID ||
		m.session.Direction != CallOutgoing || m.session.State != CallRinging {
		m.mu.Unlock()
		return
	}
	m.session.State = CallConnecting
	peer := m.peer
	snapshot := *m.session
	m.mu.Unlock()

	m.notify(snapshot)

	offer, err := peer.CreateOffer()
	if err != nil {
		m.teardown(true)
		return
	}
	m.ch.Emit(realtime.EventCallOffer, realtime.CallSignal{
		CallID: ref.CallID,
		Signal: marshalSignal(offer),
	})
}

// onCallOffer is the callee's half of signaling: apply the offer, answer.
func (m *CallManager) onCallOffer(env realtime.Envelope) {
	var signal realtime.CallSignal
	if err := env.Bind(&signal); err != nil {
		return
	}

	peer := m.peerFor(signal.CallID)
	if peer == nil {
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(signal.Signal, &offer); err != nil {
		return
	}

	answer, err := peer.CreateAnswer(offer)
	if err != nil {
		m.teardown(true)
		return
	}
	m.ch.Emit(realtime.EventCallAnswer, realtime.CallSignal{
		CallID: signal.CallID,
		Signal: marshalSignal(answer),
	})
}

func (m *CallManager) onCallAnswer(env realtime.Envelope) {
	var signal realtime.CallSignal
	if err := env.Bind(&signal); err != nil {
		return
	}

	peer := m.peerFor(signal.CallID)
	if peer == nil {
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(signal.Signal, &answer); err != nil {
		return
	}
	if err := peer.SetRemoteDescription(answer); err != nil {
		m.teardown(true)
	}
}

func (m *CallManager) onRemoteCandidate(env realtime.Envelope) {
	var signal realtime.ICECandidateSignal
	if err := env.Bind(&signal); err != nil {
		return
	}

	peer := m.peerFor(signal.CallID)
	if peer == nil {
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(signal.Candidate, &candidate); err != nil {
		return
	}
	peer.AddICECandidate(candidate)
}

func (m *CallManager) onCallRejected(env realtime.Envelope) {
	m.endOnRemote(env)
}

func (m *CallManager) onCallEnded(env realtime.Envelope) {
	m.endOnRemote(env)
}

// endOnRemote tears the call down without notifying the relay; the remote
// end already made the decision.
func (m *CallManager) endOnRemote(env realtime.Envelope) {
	var ref realtime.CallRef
	if err := env.Bind(&ref); err != nil {
		return
	}

	m.mu.Lock()
	match := m.session != nil && m.session.CallID == ref.CallID
	m.mu.Unlock()

	if match {
		m.teardown(false)
	}
}

// onChannelState folds the call on disconnect. No relay notification: the
// channel is already gone.
func (m *CallManager) onChannelState(connected bool) {
	if !connected {
		m.teardown(false)
	}
}

func (m *CallManager) peerCallbacks() PeerCallbacks {
	return PeerCallbacks{
		OnLocalCandidate: func(candidate webrtc.ICECandidateInit) {
			m.mu.Lock()
			var callID string
			if m.session != nil {
				callID = m.session.CallID
			}
			m.mu.Unlock()

			if callID == "" {
				return
			}
			m.ch.Emit(realtime.EventICECandidate, realtime.ICECandidateSignal{
				CallID:    callID,
				Candidate: marshalSignal(candidate),
			})
		},
		OnTransportState: m.onTransportState,
	}
}

// onTransportState promotes connecting to ongoing when the media path comes
// up, and treats failed/disconnected as unrecoverable.
func (m *CallManager) onTransportState(state TransportState) {
	switch state {
	case TransportConnected:
		m.mu.Lock()
		if m.session == nil || m.session.State != CallConnecting {
			m.mu.Unlock()
			return
		}
		m.session.State = CallOngoing
		snapshot := *m.session
		m.mu.Unlock()
		m.notify(snapshot)

	case TransportFailed, TransportDisconnected:
		m.teardown(true)
	}
}

// teardown is the single exit path from every non-idle state: close the
// peer connection, stop local media, clear the session, and (optionally,
// best-effort) tell the relay. Safe to call when already idle.
func (m *CallManager) teardown(notifyRelay bool) {
	m.mu.Lock()
	session, peer, media := m.session, m.peer, m.media
	m.session, m.peer, m.media = nil, nil, nil
	m.mu.Unlock()

	if session == nil {
		return
	}

	if peer != nil {
		peer.Cleanup()
	}
	if media != nil {
		media.Stop()
	}
	if notifyRelay && session.CallID != "" && m.ch.Connected() {
		m.ch.Emit(realtime.EventEndCall, realtime.CallRef{CallID: session.CallID})
	}

	session.State = CallIdle
	m.notify(*session)
}

// peerFor returns the active peer session when callID matches the current
// call.
func (m *CallManager) peerFor(callID string) PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.CallID != callID {
		return nil
	}
	return m.peer
}

func (m *CallManager) notify(snapshot CallSession) {
	m.obsMu.RLock()
	observers := make([]*callObs, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	for _, obs := range observers {
		obs.fn(snapshot)
	}
}

func marshalSignal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
