// Package pion implements the media-negotiation ports on top of
// pion/webrtc. It is the only package that touches Pion types; the core
// sees the domain enums and descriptions exclusively.
package pion

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
	"github.com/speakmate/callkit/internal/core/port"
)

// ICEServer is one STUN/TURN endpoint from static configuration.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config tunes the engine.
type Config struct {
	ICEServers []ICEServer

	// CaptureTimeout bounds mid-call camera acquisition. Defaults to 10 s.
	CaptureTimeout time.Duration
}

// Engine implements port.MediaEngine. One engine is built at process start;
// it owns no per-call state.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 10 * time.Second
	}
	return &Engine{cfg: cfg}
}

// NewSession builds one peer connection with local capture per opts.
// Audio-capture failure is fatal to session creation; a missing camera only
// degrades the session to audio (or receive-only) per the capture ladder.
func (e *Engine) NewSession(ctx context.Context, opts domain.MediaOptions, cb port.SessionCallbacks) (port.MediaSession, error) {
	cap, err := newCapturer()
	if err != nil {
		return nil, domain.NewMediaError(domain.MediaCaptureFailed, err)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := cap.populate(mediaEngine); err != nil {
		return nil, domain.NewMediaError(domain.MediaCaptureFailed, err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, domain.NewMediaError(domain.MediaCaptureFailed, err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup surfaces as
	// disconnected (recoverable) rather than failed. The monitor owns the
	// escalation policy above this layer.
	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers()})
	if err != nil {
		return nil, domain.NewMediaError(domain.MediaCaptureFailed, err)
	}

	s := newSession(pc, cap, cb, e.cfg.CaptureTimeout)

	if err := s.captureInitial(opts); err != nil {
		pc.Close()
		return nil, err
	}

	log.Debug().Bool("audio", opts.Audio).Bool("video", opts.Video).Msg("Peer session created")
	return s, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(e.cfg.ICEServers))
	for _, s := range e.cfg.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func mapSignalingState(s webrtc.SignalingState) domain.SignalingState {
	switch s {
	case webrtc.SignalingStateStable:
		return domain.SignalingStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return domain.SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return domain.SignalingHaveRemoteOffer
	default:
		return domain.SignalingClosed
	}
}

func mapICEState(s webrtc.ICEConnectionState) domain.ConnectivityState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return domain.ConnectivityNew
	case webrtc.ICEConnectionStateChecking:
		return domain.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return domain.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return domain.ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.ConnectivityFailed
	default:
		return domain.ConnectivityClosed
	}
}
