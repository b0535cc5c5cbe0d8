//go:build !linux || !cgo

// internal/client/media_other.go
// Device capture needs platform drivers that are only wired up for Linux.
// Other platforms get a working peer transport but no local capture.

package client

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

func newMediaAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func captureMedia(_ bool) (MediaStream, error) {
	return nil, ErrMediaUnavailable
}
