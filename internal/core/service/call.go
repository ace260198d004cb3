// Package service holds the call orchestrator: the single owner of CallState
// and the only component allowed to mutate it. User intents, signaling
// messages and connectivity callbacks are all serialized through one mutex,
// so every transition is an atomic replace of the state snapshot.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
	"github.com/speakmate/callkit/internal/core/port"
	"github.com/speakmate/callkit/internal/eventbus"
)

// Config carries the orchestrator's identity and timeout policy.
// Zero-valued timeouts fall back to the defaults below.
type Config struct {
	SelfID   domain.UserID
	SelfName string

	// AnswerTimeout bounds how long an outbound offer waits for an answer.
	AnswerTimeout time.Duration
	// DisconnectProbe is the optimistic wait after a transport disconnect
	// before requesting an ICE restart.
	DisconnectProbe time.Duration
	// FailEscalation bounds recovery after a transport failure; expiry is fatal.
	FailEscalation time.Duration
	// EndGrace is how long the terminal Ended state stays observable before
	// the engine returns to Idle.
	EndGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	if c.DisconnectProbe <= 0 {
		c.DisconnectProbe = 2 * time.Second
	}
	if c.FailEscalation <= 0 {
		c.FailEscalation = 10 * time.Second
	}
	if c.EndGrace <= 0 {
		c.EndGrace = time.Second
	}
	return c
}

// CallService orchestrates a single concurrent call: it owns the CallState
// snapshot and the active media session, delegates negotiation to the media
// engine and publishes every observable change on the event bus.
type CallService struct {
	cfg   Config
	sig   port.Signaler
	media port.MediaEngine
	bus   *eventbus.Bus
	clock port.Clock

	mu    sync.Mutex
	state domain.CallState
	sess  port.MediaSession

	// seq increments on every call-lifecycle boundary. Timers and session
	// callbacks capture it so a stale one can never act on a later call.
	seq uint64

	answerTimer port.Timer
	probeTimer  port.Timer
	failTimer   port.Timer
	graceTimer  port.Timer

	endSent bool

	// Video upgrade bookkeeping, see upgrade.go.
	upgradeOutbound bool
	upgradeInbound  bool
	upgradeOffering bool
	upgradeDeferred bool
}

// NewCallService builds the orchestrator with its collaborators injected.
// Construct once per process; the engine supports one concurrent call.
func NewCallService(cfg Config, sig port.Signaler, media port.MediaEngine, bus *eventbus.Bus, clock port.Clock) *CallService {
	return &CallService{
		cfg:   cfg.withDefaults(),
		sig:   sig,
		media: media,
		bus:   bus,
		clock: clock,
		state: domain.IdleState(),
	}
}

// Run drains inbound signaling envelopes until ctx is cancelled or the
// gateway closes its subscription.
func (c *CallService) Run(ctx context.Context) {
	ch, cancel := c.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			c.HandleEnvelope(env)
		}
	}
}

// State returns the current call state snapshot.
func (c *CallService) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCall places an outbound call to remote. It captures local media per
// opts, sends the initial offer and arms the answer timeout. Fails with
// domain.ErrAlreadyInCall when any call is in progress.
func (c *CallService) StartCall(ctx context.Context, remote domain.UserID, remoteName string, opts domain.MediaOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != domain.StatusIdle {
		return domain.ErrAlreadyInCall
	}

	c.seq++
	seq := c.seq

	sess, err := c.media.NewSession(ctx, opts, c.sessionCallbacks(seq))
	if err != nil {
		return err
	}

	offer, err := sess.CreateOffer(ctx, port.OfferOptions{})
	if err != nil {
		sess.Close()
		log.Error().Err(err).Msg("Failed to create offer")
		return err
	}

	historyID := domain.NewCallHistoryID()
	c.sess = sess
	c.setState(domain.CallState{
		Status:         domain.StatusCalling,
		RemoteUserID:   remote,
		RemoteUserName: remoteName,
		AudioEnabled:   opts.Audio,
		VideoEnabled:   opts.Video,
		HistoryID:      historyID,
	})
	c.publish(domain.LocalStreamUpdated{Audio: opts.Audio, Video: opts.Video})

	c.send(ctx, remote, domain.EventCallOffer, domain.CallOffer{
		SDP:       offer.SDP,
		Type:      offer.Type,
		IsVideo:   opts.Video,
		FromName:  c.cfg.SelfName,
		HistoryID: historyID,
	})

	c.answerTimer = c.clock.AfterFunc(c.cfg.AnswerTimeout, func() {
		c.onAnswerTimeout(seq)
	})

	log.Info().Str("remote_id", remote.String()).Bool("video", opts.Video).Msg("Call started")
	return nil
}

// AcceptCall answers the ringing call: it builds the peer session, applies
// the stored remote offer, sends the answer and transitions to Connected.
func (c *CallService) AcceptCall(ctx context.Context, opts domain.MediaOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != domain.StatusRinging {
		return domain.ErrNoIncomingCall
	}
	if c.state.PendingOffer == nil {
		return domain.ErrNoOfferAvailable
	}

	sess, err := c.media.NewSession(ctx, opts, c.sessionCallbacks(c.seq))
	if err != nil {
		return err
	}

	if err := sess.SetRemoteDescription(*c.state.PendingOffer); err != nil {
		sess.Close()
		log.Error().Err(err).Msg("Failed to apply stored remote offer")
		c.teardownLocked(ctx, true)
		return err
	}

	answer, err := sess.CreateAnswer(ctx)
	if err != nil {
		sess.Close()
		log.Error().Err(err).Msg("Failed to create answer")
		c.teardownLocked(ctx, true)
		return err
	}

	c.sess = sess
	next := c.state
	next.AudioEnabled = opts.Audio
	next.VideoEnabled = opts.Video
	c.setState(next)

	c.send(ctx, c.state.RemoteUserID, domain.EventCallAnswer, domain.CallAnswer{
		SDP:       answer.SDP,
		Type:      answer.Type,
		Accepted:  true,
		HistoryID: c.state.HistoryID,
	})
	c.publish(domain.LocalStreamUpdated{Audio: opts.Audio, Video: opts.Video})
	c.promoteConnectedLocked()

	log.Info().Str("remote_id", c.state.RemoteUserID.String()).Msg("Call accepted")
	return nil
}

// RejectCall declines the ringing call with a negative answer and resets to
// Idle. Silently ignored when nothing is ringing.
func (c *CallService) RejectCall(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != domain.StatusRinging {
		return
	}

	c.send(ctx, c.state.RemoteUserID, domain.EventCallAnswer, domain.CallAnswer{
		Accepted:  false,
		HistoryID: c.state.HistoryID,
	})
	log.Info().Str("remote_id", c.state.RemoteUserID.String()).Msg("Call rejected")
	c.resetIdleLocked()
}

// EndCall tears the call down. Idempotent and safe from any state; the
// remote peer is notified at most once.
func (c *CallService) EndCall(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCallLocked(ctx)
}

func (c *CallService) endCallLocked(ctx context.Context) {
	switch c.state.Status {
	case domain.StatusIdle, domain.StatusEnded:
		return
	}
	c.teardownLocked(ctx, true)
}

// teardownLocked is the single convergence point for every fatal path:
// user hangup, remote hangup, declined answer, timeouts and transport
// failures all land here.
func (c *CallService) teardownLocked(ctx context.Context, notifyRemote bool) {
	c.seq++
	c.stopCallTimers()

	if notifyRemote && !c.endSent && c.state.RemoteUserID != "" {
		c.send(ctx, c.state.RemoteUserID, domain.EventCallEnd, domain.CallEnd{HistoryID: c.state.HistoryID})
		c.endSent = true
	}

	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}

	var duration time.Duration
	if c.state.StartedAt != nil {
		duration = c.clock.Now().Sub(*c.state.StartedAt)
	}

	next := c.state
	next.Status = domain.StatusEnded
	next.Duration = duration
	next.PendingOffer = nil
	c.setState(next)

	c.publish(domain.CallEnded{
		Remote:    next.RemoteUserID,
		Duration:  duration,
		HistoryID: next.HistoryID,
	})
	log.Info().
		Str("remote_id", next.RemoteUserID.String()).
		Dur("duration", duration).
		Msg("Call ended")

	c.upgradeOutbound = false
	c.upgradeInbound = false
	c.upgradeOffering = false
	c.upgradeDeferred = false

	// Hold the terminal state briefly so subscribers can observe it.
	graceSeq := c.seq
	c.graceTimer = c.clock.AfterFunc(c.cfg.EndGrace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.seq == graceSeq && c.state.Status == domain.StatusEnded {
			c.resetIdleLocked()
		}
	})
}

func (c *CallService) resetIdleLocked() {
	c.seq++
	c.stopCallTimers()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.endSent = false
	c.upgradeOutbound = false
	c.upgradeInbound = false
	c.upgradeOffering = false
	c.upgradeDeferred = false
	c.setState(domain.IdleState())
}

// promoteConnectedLocked moves the call to Connected and stamps the start
// time exactly once. Both the answer-processing path and the connectivity
// monitor's secondary path funnel through here; whichever fires first wins.
func (c *CallService) promoteConnectedLocked() {
	if c.state.Status == domain.StatusConnected {
		return
	}
	if !c.state.Active() {
		return
	}

	c.stopCallTimers()

	first := c.state.StartedAt == nil
	next := c.state
	next.Status = domain.StatusConnected
	next.PendingOffer = nil
	if first {
		now := c.clock.Now()
		next.StartedAt = &now
	}
	c.setState(next)

	if first {
		c.publish(domain.CallConnected{Remote: next.RemoteUserID, StartedAt: *next.StartedAt})
		log.Info().Str("remote_id", next.RemoteUserID.String()).Msg("Call connected")
	}
}

func (c *CallService) onAnswerTimeout(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq || c.state.Status != domain.StatusCalling {
		return
	}
	log.Warn().Str("remote_id", c.state.RemoteUserID.String()).Msg("No answer before timeout, ending call")
	c.endCallLocked(context.Background())
}

// ToggleAudio flips the local audio track's enabled flag. Returns the new
// enabled state; false when no call or no audio track exists.
func (c *CallService) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return false
	}
	next := !c.state.AudioEnabled
	if !c.sess.SetAudioEnabled(next) {
		return c.state.AudioEnabled
	}
	st := c.state
	st.AudioEnabled = next
	c.setState(st)
	c.publish(domain.LocalStreamUpdated{Audio: st.AudioEnabled, Video: st.VideoEnabled})
	return next
}

// ToggleVideo flips the local video track when one exists. When the call is
// connected audio-only it starts the upgrade protocol instead and returns
// false pending negotiation.
func (c *CallService) ToggleVideo(ctx context.Context) bool {
	c.mu.Lock()

	if c.sess != nil && c.sess.HasVideoTrack() {
		next := !c.state.VideoEnabled
		if !c.sess.SetVideoEnabled(next) {
			cur := c.state.VideoEnabled
			c.mu.Unlock()
			return cur
		}
		st := c.state
		st.VideoEnabled = next
		c.setState(st)
		c.publish(domain.LocalStreamUpdated{Audio: st.AudioEnabled, Video: st.VideoEnabled})
		c.mu.Unlock()
		return next
	}

	connected := c.state.Status == domain.StatusConnected
	c.mu.Unlock()

	if connected {
		if err := c.RequestVideoUpgrade(ctx); err != nil {
			log.Warn().Err(err).Msg("Video upgrade request failed")
		}
	}
	return false
}

// sessionCallbacks bridges media-session events back into the orchestrator.
// Each callback re-checks seq so a session being torn down cannot touch the
// state of a newer call.
func (c *CallService) sessionCallbacks(seq uint64) port.SessionCallbacks {
	return port.SessionCallbacks{
		OnLocalCandidate: func(cand domain.ICECandidate) {
			c.mu.Lock()
			if c.seq != seq || !c.state.Active() {
				c.mu.Unlock()
				return
			}
			to := c.state.RemoteUserID
			c.send(context.Background(), to, domain.EventCallICECandidate, cand)
			c.mu.Unlock()
		},
		OnConnectivity: func(s domain.ConnectivityState) {
			c.handleConnectivity(seq, s)
		},
		OnRemoteTrack: func(kind domain.TrackKind) {
			c.mu.Lock()
			if c.seq != seq || !c.state.Active() {
				c.mu.Unlock()
				return
			}
			c.publish(domain.RemoteStreamUpdated{Kind: kind})
			c.mu.Unlock()
		},
	}
}

func (c *CallService) setState(next domain.CallState) {
	c.state = next
	c.publish(domain.CallStateChanged{State: next})
}

func (c *CallService) publish(ev domain.Event) {
	c.bus.Publish(ev)
}

func (c *CallService) send(ctx context.Context, to domain.UserID, event domain.SignalEvent, payload any) {
	if err := c.sig.Send(ctx, to, event, payload); err != nil {
		log.Error().Err(err).Str("event", string(event)).Str("to", to.String()).Msg("Failed to send signal")
	}
}

func (c *CallService) stopCallTimers() {
	for _, t := range []*port.Timer{&c.answerTimer, &c.probeTimer, &c.failTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}
