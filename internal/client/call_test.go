// internal/client/call_test.go

package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/courseloop/courseloop-backend/internal/realtime"
)

type fakeDevices struct {
	fail     bool
	acquired []*stubStream
}

func (d *fakeDevices) Acquire(_ bool) (MediaStream, error) {
	if d.fail {
		return nil, errors.New("microphone busy")
	}
	s := &stubStream{audio: stubTrack{}}
	d.acquired = append(d.acquired, s)
	return s, nil
}

// scriptedPeer records the signaling calls made against it.
type scriptedPeer struct {
	cleanups   int
	remoteSet  int
	answered   int
	candidates []webrtc.ICECandidateInit
}

func (p *scriptedPeer) AddLocalStream(_ MediaStream) error { return nil }

func (p *scriptedPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *scriptedPeer) CreateAnswer(_ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.answered++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *scriptedPeer) SetRemoteDescription(_ webrtc.SessionDescription) error {
	p.remoteSet++
	return nil
}

func (p *scriptedPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *scriptedPeer) ToggleAudio() bool { return false }
func (p *scriptedPeer) ToggleVideo() bool { return false }
func (p *scriptedPeer) Cleanup()          { p.cleanups++ }

type fakePeers struct {
	sessions  []*scriptedPeer
	callbacks []PeerCallbacks
}

func (f *fakePeers) NewSession(cb PeerCallbacks) (PeerSession, error) {
	p := &scriptedPeer{}
	f.sessions = append(f.sessions, p)
	f.callbacks = append(f.callbacks, cb)
	return p, nil
}

// initiateAck scripts the relay's reply to initiate_call.
func initiateAck(callID string) func(realtime.EventKind, json.RawMessage) (*realtime.Ack, error) {
	return func(event realtime.EventKind, _ json.RawMessage) (*realtime.Ack, error) {
		if event == realtime.EventInitiateCall {
			ack := realtime.OkAck(realtime.InitiateCallResponse{CallID: callID})
			return &ack, nil
		}
		ack := realtime.OkAck(nil)
		return &ack, nil
	}
}

func signalEnvelope(callID string, v interface{}) realtime.CallSignal {
	data, _ := json.Marshal(v)
	return realtime.CallSignal{CallID: callID, Signal: data}
}

func TestCallMediaFailureNeverTouchesWire(t *testing.T) {
	ch := newFakeChannel()
	devices := &fakeDevices{fail: true}
	peers := &fakePeers{}
	m := NewCallManager(ch, devices, peers)
	defer m.Close()

	err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio)
	if !errors.Is(err, ErrMediaFailed) {
		t.Fatalf("expected ErrMediaFailed, got %v", err)
	}

	if len(ch.emitted) != 0 || len(ch.requested) != 0 {
		t.Fatal("media failure produced wire traffic")
	}
	if _, active := m.Current(); active {
		t.Fatal("session survived aborted start")
	}
}

func TestCallOutgoingFlow(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = initiateAck("c1")
	devices := &fakeDevices{}
	peers := &fakePeers{}
	m := NewCallManager(ch, devices, peers)
	defer m.Close()

	var states []CallState
	m.OnCallState(func(s CallSession) { states = append(states, s.State) })

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeVideo); err != nil {
		t.Fatal(err)
	}

	session, active := m.Current()
	if !active || session.State != CallRinging || session.CallID != "c1" {
		t.Fatalf("expected ringing c1, got %+v", session)
	}

	// Callee accepted: offer goes out and we are connecting.
	ch.deliver(realtime.EventCallAccepted, realtime.CallRef{CallID: "c1"})

	session, _ = m.Current()
	if session.State != CallConnecting {
		t.Fatalf("expected connecting after accept, got %v", session.State)
	}
	if n := ch.countEmitted(realtime.EventCallOffer); n != 1 {
		t.Fatalf("expected 1 call_offer, got %d", n)
	}

	// Answer lands on the peer connection.
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
	ch.deliver(realtime.EventCallAnswer, signalEnvelope("c1", answer))
	if peers.sessions[0].remoteSet != 1 {
		t.Fatal("answer not applied to peer connection")
	}

	// Signaling done is not ongoing; only the media path is.
	session, _ = m.Current()
	if session.State != CallConnecting {
		t.Fatalf("ongoing before transport connected: %v", session.State)
	}

	peers.callbacks[0].OnTransportState(TransportConnected)
	session, _ = m.Current()
	if session.State != CallOngoing {
		t.Fatalf("expected ongoing after transport connected, got %v", session.State)
	}

	want := []CallState{CallInitiating, CallRinging, CallConnecting, CallOngoing}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("state %d: expected %v, got %v", i, s, states[i])
		}
	}
}

func TestCallInitiateRejectionReleasesMedia(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = func(event realtime.EventKind, _ json.RawMessage) (*realtime.Ack, error) {
		ack := realtime.FailAck(errors.New("callee is busy"))
		return &ack, ErrAckFailed
	}
	devices := &fakeDevices{}
	peers := &fakePeers{}
	m := NewCallManager(ch, devices, peers)
	defer m.Close()

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio); err == nil {
		t.Fatal("expected initiate to fail")
	}

	if _, active := m.Current(); active {
		t.Fatal("session survived rejected initiate")
	}
	if devices.acquired[0].stops != 1 {
		t.Fatal("local media not released after rejected initiate")
	}
	if peers.sessions[0].cleanups != 1 {
		t.Fatal("peer connection not closed after rejected initiate")
	}
}

func TestCallIncomingIgnoredWhileActive(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = initiateAck("c1")
	m := NewCallManager(ch, &fakeDevices{}, &fakePeers{})
	defer m.Close()

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio); err != nil {
		t.Fatal(err)
	}

	ch.deliver(realtime.EventIncomingCall, realtime.IncomingCall{
		CallID: "c2", CallerID: 8, ConversationID: 2, Type: realtime.CallTypeAudio,
	})

	session, _ := m.Current()
	if session.CallID != "c1" {
		t.Fatalf("competing call replaced the active one: %+v", session)
	}
	// Ignored outright: not rejected over the wire either.
	if n := ch.countEmitted(realtime.EventRejectCall); n != 0 {
		t.Fatal("busy incoming call was auto-rejected over the wire")
	}
}

func TestCallIncomingAcceptFlow(t *testing.T) {
	ch := newFakeChannel()
	devices := &fakeDevices{}
	peers := &fakePeers{}
	m := NewCallManager(ch, devices, peers)
	defer m.Close()

	ch.deliver(realtime.EventIncomingCall, realtime.IncomingCall{
		CallID: "c1", CallerID: 9, ConversationID: 1, Type: realtime.CallTypeAudio,
	})

	session, active := m.Current()
	if !active || session.State != CallRinging || session.Direction != CallIncoming {
		t.Fatalf("expected incoming ringing call, got %+v", session)
	}
	if len(devices.acquired) != 0 {
		t.Fatal("media acquired before explicit accept")
	}

	if err := m.AcceptCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	session, _ = m.Current()
	if session.State != CallConnecting {
		t.Fatalf("expected connecting after accept, got %v", session.State)
	}

	// The caller's offer arrives; we answer.
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	ch.deliver(realtime.EventCallOffer, signalEnvelope("c1", offer))

	if peers.sessions[0].answered != 1 {
		t.Fatal("offer not answered")
	}
	if n := ch.countEmitted(realtime.EventCallAnswer); n != 1 {
		t.Fatalf("expected 1 call_answer, got %d", n)
	}
}

func TestCallAcceptMediaFailureRejects(t *testing.T) {
	ch := newFakeChannel()
	devices := &fakeDevices{fail: true}
	m := NewCallManager(ch, devices, &fakePeers{})
	defer m.Close()

	ch.deliver(realtime.EventIncomingCall, realtime.IncomingCall{
		CallID: "c1", CallerID: 9, ConversationID: 1, Type: realtime.CallTypeAudio,
	})

	if err := m.AcceptCall(context.Background()); !errors.Is(err, ErrMediaFailed) {
		t.Fatalf("expected ErrMediaFailed, got %v", err)
	}

	// The caller must not be left ringing.
	if n := ch.countEmitted(realtime.EventRejectCall); n != 1 {
		t.Fatalf("expected 1 reject_call, got %d", n)
	}
	if _, active := m.Current(); active {
		t.Fatal("session survived failed accept")
	}
}

func TestCallRejectOnlyFromRinging(t *testing.T) {
	ch := newFakeChannel()
	m := NewCallManager(ch, &fakeDevices{}, &fakePeers{})
	defer m.Close()

	if err := m.RejectCall(); err != ErrNoActiveCall {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}

	ch.deliver(realtime.EventIncomingCall, realtime.IncomingCall{
		CallID: "c1", CallerID: 9, ConversationID: 1, Type: realtime.CallTypeAudio,
	})
	if err := m.AcceptCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.RejectCall(); err != ErrCallNotRinging {
		t.Fatalf("expected ErrCallNotRinging after accept, got %v", err)
	}
}

func TestCallEndCleansUpEverything(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = initiateAck("c1")
	devices := &fakeDevices{}
	peers := &fakePeers{}
	m := NewCallManager(ch, devices, peers)
	defer m.Close()

	var last CallSession
	m.OnCallState(func(s CallSession) { last = s })

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio); err != nil {
		t.Fatal(err)
	}
	if err := m.EndCall(); err != nil {
		t.Fatal(err)
	}

	if peers.sessions[0].cleanups != 1 {
		t.Fatal("peer connection not closed")
	}
	if devices.acquired[0].stops != 1 {
		t.Fatal("local media not stopped")
	}
	if n := ch.countEmitted(realtime.EventEndCall); n != 1 {
		t.Fatalf("expected 1 end_call, got %d", n)
	}
	if last.State != CallIdle {
		t.Fatalf("observer did not see idle, got %v", last.State)
	}

	if err := m.EndCall(); err != ErrNoActiveCall {
		t.Fatalf("expected ErrNoActiveCall on second end, got %v", err)
	}
}

func TestCallRemoteEndNoEcho(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = initiateAck("c1")
	devices := &fakeDevices{}
	m := NewCallManager(ch, devices, &fakePeers{})
	defer m.Close()

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio); err != nil {
		t.Fatal(err)
	}

	ch.deliver(realtime.EventCallEnded, realtime.CallRef{CallID: "c1"})

	if _, active := m.Current(); active {
		t.Fatal("session survived remote end")
	}
	if devices.acquired[0].stops != 1 {
		t.Fatal("local media not stopped on remote end")
	}
	// The remote party ended it; echoing end_call back would be noise.
	if n := ch.countEmitted(realtime.EventEndCall); n != 0 {
		t.Fatalf("end_call echoed back, got %d", n)
	}
}

func TestCallDisconnectCleansLocally(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = initiateAck("c1")
	devices := &fakeDevices{}
	peers := &fakePeers{}
	m := NewCallManager(ch, devices, peers)
	defer m.Close()

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio); err != nil {
		t.Fatal(err)
	}

	ch.setConnected(false)

	if _, active := m.Current(); active {
		t.Fatal("session survived channel loss")
	}
	if peers.sessions[0].cleanups != 1 || devices.acquired[0].stops != 1 {
		t.Fatal("resources leaked on channel loss")
	}
	if n := ch.countEmitted(realtime.EventEndCall); n != 0 {
		t.Fatal("end_call attempted on a dead channel")
	}
}

func TestCallTransportFailureEndsCall(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = initiateAck("c1")
	devices := &fakeDevices{}
	peers := &fakePeers{}
	m := NewCallManager(ch, devices, peers)
	defer m.Close()

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio); err != nil {
		t.Fatal(err)
	}
	ch.deliver(realtime.EventCallAccepted, realtime.CallRef{CallID: "c1"})

	peers.callbacks[0].OnTransportState(TransportFailed)

	if _, active := m.Current(); active {
		t.Fatal("session survived transport failure")
	}
	if n := ch.countEmitted(realtime.EventEndCall); n != 1 {
		t.Fatalf("expected end_call after transport failure, got %d", n)
	}
	if devices.acquired[0].stops != 1 {
		t.Fatal("media leaked after transport failure")
	}
}

func TestCallRemoteCandidateRouting(t *testing.T) {
	ch := newFakeChannel()
	ch.ackFn = initiateAck("c1")
	peers := &fakePeers{}
	m := NewCallManager(ch, &fakeDevices{}, peers)
	defer m.Close()

	if err := m.StartCall(context.Background(), 1, 9, realtime.CallTypeAudio); err != nil {
		t.Fatal(err)
	}

	init := webrtc.ICECandidateInit{Candidate: "remote-1"}
	data, _ := json.Marshal(init)
	ch.deliver(realtime.EventICECandidate, realtime.ICECandidateSignal{CallID: "c1", Candidate: data})

	// Mismatched call id is dropped.
	ch.deliver(realtime.EventICECandidate, realtime.ICECandidateSignal{CallID: "stale", Candidate: data})

	if got := peers.sessions[0].candidates; len(got) != 1 || got[0].Candidate != "remote-1" {
		t.Fatalf("unexpected candidates %v", got)
	}
}
