package service

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
	"github.com/speakmate/callkit/internal/core/port"
)

// Mid-call video upgrade protocol.
//
// The requester starts its camera eagerly (for perceived latency), announces
// intent with video-upgrade-request, and only after the remote side accepts
// does it push a renegotiation offer. The accepting side never creates an
// offer in this flow, which keeps both peers from producing competing offers.
// When both sides request concurrently, the peer with the smaller user ID
// stays the offerer and the other converts its own request into an
// acceptance; exactly one renegotiation offer results.

// RequestVideoUpgrade asks the remote peer to add video to a connected
// audio-only call. Camera capture starts immediately, before consent.
func (c *CallService) RequestVideoUpgrade(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != domain.StatusConnected || c.sess == nil {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	if c.upgradeOutbound || c.state.VideoEnabled {
		c.mu.Unlock()
		return nil
	}
	c.upgradeOutbound = true
	seq := c.seq
	sess := c.sess
	remote := c.state.RemoteUserID
	c.mu.Unlock()

	c.captureVideoEagerly(ctx, sess, seq)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq || !c.upgradeOutbound {
		return nil
	}
	c.send(ctx, remote, domain.EventVideoUpgradeRequest, domain.VideoUpgrade{From: c.cfg.SelfID})
	log.Info().Str("remote_id", remote.String()).Msg("Video upgrade requested")
	return nil
}

// AcceptVideoUpgrade consents to a remote upgrade request. Local capture is
// enabled and the engine then waits for the remote renegotiation offer.
func (c *CallService) AcceptVideoUpgrade(ctx context.Context) error {
	c.mu.Lock()
	if !c.upgradeInbound || c.sess == nil {
		c.mu.Unlock()
		return domain.ErrNoUpgradePending
	}
	c.upgradeInbound = false
	seq := c.seq
	sess := c.sess
	remote := c.state.RemoteUserID
	c.mu.Unlock()

	c.captureVideoEagerly(ctx, sess, seq)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != seq {
		return nil
	}
	c.send(ctx, remote, domain.EventVideoUpgradeAccepted, domain.VideoUpgrade{From: c.cfg.SelfID})
	log.Info().Str("remote_id", remote.String()).Msg("Video upgrade accepted")
	return nil
}

// RejectVideoUpgrade declines a remote upgrade request. No-op when none is
// pending.
func (c *CallService) RejectVideoUpgrade(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.upgradeInbound {
		return
	}
	c.upgradeInbound = false
	c.send(ctx, c.state.RemoteUserID, domain.EventVideoUpgradeRejected, domain.VideoUpgrade{From: c.cfg.SelfID})
	log.Info().Str("remote_id", c.state.RemoteUserID.String()).Msg("Video upgrade rejected")
}

// captureVideoEagerly acquires the camera outside the state lock; failure is
// never fatal to the call, it only degrades the upgrade to receive-only.
func (c *CallService) captureVideoEagerly(ctx context.Context, sess port.MediaSession, seq uint64) {
	if sess.HasVideoTrack() {
		return
	}
	if err := sess.StartVideoCapture(ctx); err != nil {
		log.Warn().Err(err).Msg("Video capture failed, continuing audio-only")
		return
	}
	c.mu.Lock()
	if c.seq == seq {
		c.publish(domain.LocalStreamUpdated{Audio: c.state.AudioEnabled, Video: true})
	}
	c.mu.Unlock()
}

func (c *CallService) handleUpgradeRequest(ctx context.Context, env domain.Envelope) {
	if c.state.Status != domain.StatusConnected || env.From != c.state.RemoteUserID {
		log.Debug().Str("remote_id", env.From.String()).Msg("Ignoring upgrade request without connected call")
		return
	}

	if c.upgradeOutbound {
		// Glare: both sides asked for video at once. Deterministic
		// tie-break on user ID so only one offer is ever created.
		if c.cfg.SelfID < c.state.RemoteUserID {
			log.Debug().Msg("Concurrent upgrade requests, staying offerer")
			c.renegotiateVideoLocked(ctx)
		} else {
			log.Debug().Msg("Concurrent upgrade requests, yielding offer to remote")
			c.upgradeOutbound = false
			c.send(ctx, c.state.RemoteUserID, domain.EventVideoUpgradeAccepted, domain.VideoUpgrade{From: c.cfg.SelfID})
		}
		return
	}

	c.upgradeInbound = true
	c.publish(domain.VideoUpgradeRequested{From: env.From})
	log.Info().Str("remote_id", env.From.String()).Msg("Remote requested video upgrade")
}

func (c *CallService) handleUpgradeAccepted(ctx context.Context, env domain.Envelope) {
	if !c.upgradeOutbound || env.From != c.state.RemoteUserID {
		log.Debug().Str("remote_id", env.From.String()).Msg("Ignoring unsolicited upgrade acceptance")
		return
	}
	c.renegotiateVideoLocked(ctx)
}

func (c *CallService) handleUpgradeRejected(env domain.Envelope) {
	if !c.upgradeOutbound || env.From != c.state.RemoteUserID {
		return
	}
	c.upgradeOutbound = false
	c.upgradeDeferred = false
	if c.sess != nil {
		c.sess.StopVideoCapture()
	}
	c.publish(domain.VideoUpgradeRejected{From: env.From})
	log.Info().Str("remote_id", env.From.String()).Msg("Remote rejected video upgrade")
}

// renegotiateVideoLocked pushes the renegotiation offer that adds video.
// When the engine is mid-offer it defers and retries once the outstanding
// exchange resolves rather than abandoning it.
func (c *CallService) renegotiateVideoLocked(ctx context.Context) {
	if c.sess == nil || !c.state.Active() {
		return
	}
	if c.upgradeOffering || c.state.VideoEnabled {
		return
	}
	if c.sess.SignalingState() == domain.SignalingHaveLocalOffer {
		log.Debug().Msg("Mid-offer, deferring video renegotiation")
		c.upgradeDeferred = true
		return
	}

	offer, err := c.sess.CreateOffer(ctx, port.OfferOptions{})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create video renegotiation offer")
		c.upgradeOutbound = false
		return
	}
	c.upgradeOffering = true
	c.send(ctx, c.state.RemoteUserID, domain.EventCallOffer, domain.CallOffer{
		SDP:           offer.SDP,
		Type:          offer.Type,
		IsVideo:       true,
		Renegotiation: true,
		HistoryID:     c.state.HistoryID,
	})
}
