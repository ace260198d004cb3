//go:build linux && cgo

package pion

import (
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
)

// capturer acquires local tracks via pion/mediadevices (V4L2 + malgo).
type capturer struct {
	selector *mediadevices.CodecSelector
}

func newCapturer() (*capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *capturer) populate(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *capturer) audioTrack() (webrtc.TrackLocal, func(), error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, nil, classifyCaptureErr(err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, nil, domain.NewMediaError(domain.MediaNoDeviceFound, nil)
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Debug().Err(err).Msg("Local audio track ended")
		}
	})
	return track, func() { track.Close() }, nil
}

func (c *capturer) videoTrack() (webrtc.TrackLocal, func(), error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(mt *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node whose
			// malformed frames poison the VP8 encoder. Raw formats only.
			mt.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Higher resolutions add VP8 encode latency on mobile-class CPUs.
			mt.Width = prop.IntRanged{Max: 640}
			mt.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return nil, nil, classifyCaptureErr(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, domain.NewMediaError(domain.MediaNoDeviceFound, nil)
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Debug().Err(err).Msg("Local video track ended")
		}
	})
	return track, func() { track.Close() }, nil
}

func classifyCaptureErr(err error) *domain.MediaError {
	switch {
	case os.IsPermission(err):
		return domain.NewMediaError(domain.MediaPermissionDenied, err)
	case strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "failed to find"):
		return domain.NewMediaError(domain.MediaNoDeviceFound, err)
	default:
		return domain.NewMediaError(domain.MediaCaptureFailed, err)
	}
}
