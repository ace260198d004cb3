//go:build !linux || !cgo

package pion

import (
	"github.com/pion/webrtc/v4"
	"github.com/speakmate/callkit/internal/core/domain"
)

// Local capture is only wired on Linux (V4L2 + malgo). Other platforms get
// receive-only sessions; device acquisition reports NoDeviceFound.
type capturer struct{}

func newCapturer() (*capturer, error) {
	return &capturer{}, nil
}

func (c *capturer) populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *capturer) audioTrack() (webrtc.TrackLocal, func(), error) {
	return nil, nil, domain.NewMediaError(domain.MediaNoDeviceFound, nil)
}

func (c *capturer) videoTrack() (webrtc.TrackLocal, func(), error) {
	return nil, nil, domain.NewMediaError(domain.MediaNoDeviceFound, nil)
}
