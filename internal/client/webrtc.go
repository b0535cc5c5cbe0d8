// internal/client/webrtc.go

package client

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// WebRTCEngine is the production PeerFactory and MediaDevices. Codec setup
// and device capture are platform-dependent; see media_linux.go and
// media_other.go.
type WebRTCEngine struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewWebRTCEngine builds the engine with the given STUN/TURN server URLs.
func NewWebRTCEngine(iceServers []string) (*WebRTCEngine, error) {
	api, err := newMediaAPI()
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &WebRTCEngine{api: api, config: config}, nil
}

// NewSession creates one peer connection and wires its transport events to
// the callbacks.
func (e *WebRTCEngine) NewSession(cb PeerCallbacks) (PeerSession, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		cb.OnLocalCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if cb.OnTransportState == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			cb.OnTransportState(TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			cb.OnTransportState(TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			cb.OnTransportState(TransportFailed)
		}
	})

	return newPeerSession(&pionTransport{pc: pc}), nil
}

// Acquire captures local devices. Platform-specific; audio is always
// requested, video only when wanted.
func (e *WebRTCEngine) Acquire(wantsVideo bool) (MediaStream, error) {
	return captureMedia(wantsVideo)
}

// pionTransport adapts *webrtc.PeerConnection to peerTransport. Only
// AddTrack needs adapting, for its concrete sender return type.
type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(options)
}

func (t *pionTransport) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(options)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) (rtpSender, error) {
	return t.pc.AddTrack(track)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

var (
	_ PeerFactory  = (*WebRTCEngine)(nil)
	_ MediaDevices = (*WebRTCEngine)(nil)
)
