package pion

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
	"github.com/speakmate/callkit/internal/core/port"
)

const pliInterval = 3 * time.Second

// trackSource acquires local capture tracks. Satisfied by the platform
// capturer; tests substitute their own.
type trackSource interface {
	audioTrack() (webrtc.TrackLocal, func(), error)
	videoTrack() (webrtc.TrackLocal, func(), error)
}

// Session implements port.MediaSession for one call. It wraps the peer
// connection, the local capture tracks and the queue of remote ICE
// candidates received before a remote description existed. Destroyed at
// call end, never reused.
type Session struct {
	pc  *webrtc.PeerConnection
	cap trackSource
	cb  port.SessionCallbacks

	captureTimeout time.Duration

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	// captureSeq invalidates an in-flight camera acquisition once its
	// caller has given up on it.
	captureSeq uint64

	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
	audioOn     bool
	videoOn     bool

	stopLocal func()
	closed    bool
	done      chan struct{}
}

func newSession(pc *webrtc.PeerConnection, cap trackSource, cb port.SessionCallbacks, captureTimeout time.Duration) *Session {
	s := &Session{
		pc:             pc,
		cap:            cap,
		cb:             cb,
		captureTimeout: captureTimeout,
		done:           make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.cb.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		s.cb.OnLocalCandidate(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if s.cb.OnConnectivity != nil {
			s.cb.OnConnectivity(mapICEState(state))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := domain.TrackAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.TrackVideo
			go s.pliLoop(remote)
		}
		log.Debug().Str("kind", string(kind)).Msg("Remote track arrived")
		if s.cb.OnRemoteTrack != nil {
			s.cb.OnRemoteTrack(kind)
		}
	})

	return s
}

// captureInitial acquires local media for a new call. Audio failure fails
// the session; camera problems degrade it (the transceiver stays recvonly
// so the SDP still carries a video m-line).
func (s *Session) captureInitial(opts domain.MediaOptions) error {
	if opts.Audio {
		track, stop, err := s.cap.audioTrack()
		if err != nil {
			return err
		}
		sender, addErr := s.pc.AddTrack(track)
		if addErr != nil {
			stop()
			return domain.NewMediaError(domain.MediaCaptureFailed, addErr)
		}
		s.audioSender = sender
		s.audioTrack = track
		s.audioOn = true
		prev := s.stopLocal
		s.stopLocal = func() {
			stop()
			if prev != nil {
				prev()
			}
		}
	} else {
		s.addRecvOnly(webrtc.RTPCodecTypeAudio)
	}

	if opts.Video {
		if err := s.attachVideo(); err != nil {
			log.Warn().Err(err).Msg("Camera unavailable, starting audio-only")
			s.addRecvOnly(webrtc.RTPCodecTypeVideo)
		}
	} else {
		s.addRecvOnly(webrtc.RTPCodecTypeVideo)
	}
	return nil
}

// addRecvOnly keeps an m-line in the SDP for media we are not sending yet.
func (s *Session) addRecvOnly(kind webrtc.RTPCodecType) {
	if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Error().Err(err).Str("kind", kind.String()).Msg("Failed to add recvonly transceiver")
	}
}

func (s *Session) attachVideo() error {
	track, stop, err := s.cap.videoTrack()
	if err != nil {
		return err
	}
	return s.addVideoTrack(track, stop)
}

func (s *Session) addVideoTrack(track webrtc.TrackLocal, stop func()) error {
	sender, addErr := s.pc.AddTrack(track)
	if addErr != nil {
		stop()
		return domain.NewMediaError(domain.MediaCaptureFailed, addErr)
	}
	s.videoSender = sender
	s.videoTrack = track
	s.videoOn = true
	prev := s.stopLocal
	s.stopLocal = func() {
		stop()
		if prev != nil {
			prev()
		}
	}
	return nil
}

func (s *Session) CreateOffer(ctx context.Context, opts port.OfferOptions) (domain.SessionDescription, error) {
	var webrtcOpts *webrtc.OfferOptions
	if opts.ICERestart {
		webrtcOpts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(webrtcOpts)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: offer.SDP}, nil
}

func (s *Session) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: answer.SDP}, nil
}

func (s *Session) SetRemoteDescription(desc domain.SessionDescription) error {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return err
	}

	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.remoteSet = true
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Msg("Failed to apply queued ICE candidate")
		}
	}
	return nil
}

func (s *Session) AddRemoteCandidate(c domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}

	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.pc.AddICECandidate(init)
}

// Rollback discards the pending local offer so a crossed remote offer can be
// applied instead.
func (s *Session) Rollback() error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (s *Session) SignalingState() domain.SignalingState {
	return mapSignalingState(s.pc.SignalingState())
}

func (s *Session) ConnectivityState() domain.ConnectivityState {
	return mapICEState(s.pc.ICEConnectionState())
}

// SetAudioEnabled pauses or resumes the audio sender without renegotiation,
// by swapping the sender's track against nil.
func (s *Session) SetAudioEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSenderEnabled(s.audioSender, s.audioTrack, &s.audioOn, on)
}

func (s *Session) SetVideoEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSenderEnabled(s.videoSender, s.videoTrack, &s.videoOn, on)
}

func (s *Session) setSenderEnabled(sender *webrtc.RTPSender, track webrtc.TrackLocal, flag *bool, on bool) bool {
	if sender == nil || track == nil {
		return false
	}
	if *flag == on {
		return true
	}
	var next webrtc.TrackLocal
	if on {
		next = track
	}
	if err := sender.ReplaceTrack(next); err != nil {
		log.Error().Err(err).Bool("on", on).Msg("Failed to toggle sender track")
		return false
	}
	*flag = on
	return true
}

func (s *Session) HasVideoTrack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoTrack != nil
}

// StartVideoCapture acquires a camera mid-call, bounded by the engine's
// capture timeout. A timeout or device failure leaves the session usable
// audio-only. Once the caller has given up, a late device grant is released
// again instead of silently going live on the session.
func (s *Session) StartVideoCapture(ctx context.Context) error {
	s.mu.Lock()
	if s.videoTrack != nil {
		s.mu.Unlock()
		return nil
	}
	s.captureSeq++
	seq := s.captureSeq
	s.mu.Unlock()

	res := make(chan error, 1)
	go func() {
		track, stop, err := s.cap.videoTrack()
		if err != nil {
			res <- err
			return
		}
		s.mu.Lock()
		if s.closed || s.captureSeq != seq || s.videoTrack != nil {
			s.mu.Unlock()
			stop()
			return
		}
		err = s.addVideoTrack(track, stop)
		s.mu.Unlock()
		res <- err
	}()

	timer := time.NewTimer(s.captureTimeout)
	defer timer.Stop()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		s.abandonCapture(seq)
		return domain.NewMediaError(domain.MediaCaptureFailed, ctx.Err())
	case <-timer.C:
		s.abandonCapture(seq)
		return domain.NewMediaError(domain.MediaCaptureFailed, context.DeadlineExceeded)
	}
}

func (s *Session) abandonCapture(seq uint64) {
	s.mu.Lock()
	if s.captureSeq == seq {
		s.captureSeq++
	}
	s.mu.Unlock()
}

func (s *Session) StopVideoCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videoSender == nil {
		return
	}
	if err := s.videoSender.ReplaceTrack(nil); err != nil {
		log.Warn().Err(err).Msg("Failed to detach video track")
	}
	s.videoOn = false
}

// pliLoop periodically requests keyframes for an inbound video track so a
// joining or recovering receiver does not wait on the encoder's own
// keyframe cadence.
func (s *Session) pliLoop(remote *webrtc.TrackRemote) {
	sendPLI := func() {
		err := s.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
		if err != nil && err != io.ErrClosedPipe {
			log.Debug().Err(err).Msg("PLI write failed")
		}
	}

	sendPLI()
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			sendPLI()
		}
	}
}

// Close tears down capture and the peer connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	stop := s.stopLocal
	s.stopLocal = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return s.pc.Close()
}
