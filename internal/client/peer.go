// internal/client/peer.go

package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrMediaUnavailable = errors.New("media capture not available on this platform")
	ErrSessionClosed    = errors.New("peer session closed")
)

// TransportState is the media-path state reported upward to the call state
// machine. Signaling success and media-path establishment are distinct; a
// call is ongoing only once the transport is connected.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	default:
		return "new"
	}
}

// PeerCallbacks delivers transport events upward. Both callbacks may fire
// from webrtc goroutines.
type PeerCallbacks struct {
	// OnLocalCandidate fires for every locally gathered ICE candidate.
	OnLocalCandidate func(candidate webrtc.ICECandidateInit)
	// OnTransportState fires on media-path state changes. Failed and
	// disconnected are terminal for the call; no retry happens here.
	OnTransportState func(state TransportState)
}

// MediaStream is a captured local camera/microphone pair. Either track may
// be nil when the device is absent or the call is audio-only.
type MediaStream interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	// Stop releases the underlying devices. Must be called on every exit
	// path from a call.
	Stop()
}

// MediaDevices acquires local capture devices. Acquisition happens before
// any signaling: failure here aborts a call without wire traffic.
type MediaDevices interface {
	Acquire(wantsVideo bool) (MediaStream, error)
}

// PeerSession is one peer connection's lifetime, bounded by a single call.
type PeerSession interface {
	// AddLocalStream attaches captured tracks to the connection. Must be
	// called before CreateOffer/CreateAnswer.
	AddLocalStream(stream MediaStream) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// ToggleAudio/ToggleVideo flip the outgoing track and report the new
	// enabled state.
	ToggleAudio() bool
	ToggleVideo() bool
	// Cleanup closes the connection. Idempotent, safe from any state.
	Cleanup()
}

// PeerFactory builds peer sessions. One session per call.
type PeerFactory interface {
	NewSession(cb PeerCallbacks) (PeerSession, error)
}

// peerTransport is the slice of *webrtc.PeerConnection the session uses.
// Tests substitute a fake; production wraps pion via pionTransport.
type peerTransport interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (rtpSender, error)
	Close() error
}

type rtpSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// peerSession implements PeerSession over a peerTransport. Candidates that
// arrive before the remote description are buffered and flushed in arrival
// order once it lands; the buffer is then discarded for the session's life.
type peerSession struct {
	mu sync.Mutex

	pc     peerTransport
	closed bool

	haveRemote bool
	buffered   []webrtc.ICECandidateInit

	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	audioSender rtpSender
	videoSender rtpSender
	audioOn     bool
	videoOn     bool
}

func newPeerSession(pc peerTransport) *peerSession {
	return &peerSession{pc: pc}
}

func (p *peerSession) AddLocalStream(stream MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrSessionClosed
	}

	if track := stream.AudioTrack(); track != nil {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		p.audioTrack, p.audioSender, p.audioOn = track, sender, true
	}
	if track := stream.VideoTrack(); track != nil {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		p.videoTrack, p.videoSender, p.videoOn = track, sender, true
	}
	return nil
}

func (p *peerSession) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (p *peerSession) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}

	if err := p.setRemoteLocked(remote); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *peerSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrSessionClosed
	}
	return p.setRemoteLocked(desc)
}

// setRemoteLocked applies the remote description, then flushes every
// buffered candidate in arrival order. Caller holds p.mu, which keeps a
// newly-arriving candidate from cutting into the flush.
func (p *peerSession) setRemoteLocked(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.haveRemote = true

	for _, candidate := range p.buffered {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("flush buffered candidate: %w", err)
		}
	}
	p.buffered = nil
	return nil
}

func (p *peerSession) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrSessionClosed
	}
	if !p.haveRemote {
		p.buffered = append(p.buffered, candidate)
		return nil
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *peerSession) ToggleAudio() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioOn = p.toggleLocked(p.audioSender, p.audioTrack, p.audioOn)
	return p.audioOn
}

func (p *peerSession) ToggleVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoOn = p.toggleLocked(p.videoSender, p.videoTrack, p.videoOn)
	return p.videoOn
}

// toggleLocked mutes by detaching the track from its sender and unmutes by
// reattaching it. Caller holds p.mu.
func (p *peerSession) toggleLocked(sender rtpSender, track webrtc.TrackLocal, on bool) bool {
	if sender == nil || p.closed {
		return false
	}
	if on {
		if err := sender.ReplaceTrack(nil); err != nil {
			return on
		}
		return false
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return on
	}
	return true
}

func (p *peerSession) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.buffered = nil
	p.pc.Close()
}
