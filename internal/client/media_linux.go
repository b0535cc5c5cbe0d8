//go:build linux && cgo

// internal/client/media_linux.go
// Camera/microphone capture via pion/mediadevices (V4L2 + malgo).

package client

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func newMediaAPI() (*webrtc.API, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// Stretch the ICE disconnected timeout; the default 5s drops a call on
	// any short relay or NAT hiccup.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// deviceStream holds captured device tracks for one call.
type deviceStream struct {
	tracks []mediadevices.Track
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
}

func (s *deviceStream) AudioTrack() webrtc.TrackLocal { return s.audio }
func (s *deviceStream) VideoTrack() webrtc.TrackLocal { return s.video }

func (s *deviceStream) Stop() {
	for _, t := range s.tracks {
		t.Close()
	}
	s.tracks = nil
}

// captureMedia opens local devices. GetUserMedia fails as a unit when any
// requested track cannot be opened, so a video request falls back to
// audio-only rather than failing the whole call on a busy camera.
func captureMedia(wantsVideo bool) (MediaStream, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	attempts := []bool{wantsVideo}
	if wantsVideo {
		attempts = append(attempts, false)
	}

	var lastErr error
	for _, withVideo := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if withVideo {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Some cameras expose an MJPEG node whose frames poison the
				// VP8 encoder; raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			continue
		}

		ds := &deviceStream{tracks: stream.GetTracks()}
		for _, track := range ds.tracks {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				ds.video = track
			} else {
				ds.audio = track
			}
		}
		return ds, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}
