package service

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
)

// HandleEnvelope processes one inbound signaling message. It is the single
// entry point for the dispatch loop and for tests that pump messages
// deterministically.
func (c *CallService) HandleEnvelope(env domain.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := context.Background()

	switch env.Event {
	case domain.EventCallOffer:
		var offer domain.CallOffer
		if !c.decode(env, &offer) {
			return
		}
		c.handleOffer(ctx, env, offer)

	case domain.EventCallAnswer:
		var answer domain.CallAnswer
		if !c.decode(env, &answer) {
			return
		}
		c.handleAnswer(ctx, env, answer)

	case domain.EventCallICECandidate:
		var cand domain.ICECandidate
		if !c.decode(env, &cand) {
			return
		}
		c.handleCandidate(env, cand)

	case domain.EventCallEnd:
		c.handleRemoteEnd(ctx, env)

	case domain.EventVideoUpgradeRequest:
		c.handleUpgradeRequest(ctx, env)

	case domain.EventVideoUpgradeAccepted:
		c.handleUpgradeAccepted(ctx, env)

	case domain.EventVideoUpgradeRejected:
		c.handleUpgradeRejected(env)

	default:
		log.Debug().Str("event", string(env.Event)).Msg("Ignoring unknown signal event")
	}
}

func (c *CallService) decode(env domain.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		log.Error().Err(err).Str("event", string(env.Event)).Msg("Malformed signal payload")
		return false
	}
	return true
}

func (c *CallService) handleOffer(ctx context.Context, env domain.Envelope, offer domain.CallOffer) {
	if offer.Renegotiation {
		c.handleRenegotiationOffer(ctx, env, offer)
		return
	}

	switch c.state.Status {
	case domain.StatusIdle:
		// fall through to ring

	case domain.StatusRinging:
		if env.From == c.state.RemoteUserID {
			// Retransmitted offer for the call already ringing; keep the
			// freshest description for AcceptCall.
			desc := offer.Description()
			c.state.PendingOffer = &desc
			return
		}
		c.rejectBusy(ctx, env.From, offer)
		return

	default:
		c.rejectBusy(ctx, env.From, offer)
		return
	}

	c.seq++
	desc := offer.Description()
	c.setState(domain.CallState{
		Status:         domain.StatusRinging,
		RemoteUserID:   env.From,
		RemoteUserName: offer.FromName,
		PendingOffer:   &desc,
		HistoryID:      offer.HistoryID,
	})
	c.publish(domain.IncomingCall{
		From:      env.From,
		FromName:  offer.FromName,
		IsVideo:   offer.IsVideo,
		HistoryID: offer.HistoryID,
	})
	log.Info().Str("remote_id", env.From.String()).Bool("video", offer.IsVideo).Msg("Incoming call")
}

// rejectBusy declines an offer that would violate the single-call invariant.
func (c *CallService) rejectBusy(ctx context.Context, from domain.UserID, offer domain.CallOffer) {
	log.Info().Str("remote_id", from.String()).Str("status", c.state.Status.String()).Msg("Rejecting offer while busy")
	c.send(ctx, from, domain.EventCallAnswer, domain.CallAnswer{
		Accepted:  false,
		HistoryID: offer.HistoryID,
	})
}

// handleRenegotiationOffer serves mid-call offers: video upgrades and ICE
// restarts. The remote side initiated; we apply and answer.
func (c *CallService) handleRenegotiationOffer(ctx context.Context, env domain.Envelope, offer domain.CallOffer) {
	if c.sess == nil || !c.state.Active() || env.From != c.state.RemoteUserID {
		log.Debug().Str("remote_id", env.From.String()).Msg("Ignoring renegotiation offer without active session")
		return
	}

	if c.sess.SignalingState() == domain.SignalingHaveLocalOffer {
		// Crossed renegotiation offers: both sides offered at once, as when
		// both transports fail together. Same tie-break as the upgrade
		// protocol: the smaller user ID keeps its offer, the larger side
		// rolls its own back and answers the remote one.
		if c.cfg.SelfID < c.state.RemoteUserID {
			log.Debug().Msg("Crossed renegotiation offers, keeping local offer")
			return
		}
		if err := c.sess.Rollback(); err != nil {
			log.Error().Err(err).Msg("Failed to roll back local offer")
			c.endCallLocked(ctx)
			return
		}
		log.Debug().Msg("Crossed renegotiation offers, yielding to remote offer")
		if c.upgradeOffering {
			// The rolled-back offer carried the video upgrade; retry it
			// once this exchange resolves.
			c.upgradeOffering = false
			c.upgradeDeferred = true
		}
	}

	if err := c.sess.SetRemoteDescription(offer.Description()); err != nil {
		log.Error().Err(err).Msg("Failed to apply renegotiation offer")
		c.endCallLocked(ctx)
		return
	}

	answer, err := c.sess.CreateAnswer(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to answer renegotiation offer")
		c.endCallLocked(ctx)
		return
	}

	c.send(ctx, env.From, domain.EventCallAnswer, domain.CallAnswer{
		SDP:           answer.SDP,
		Type:          answer.Type,
		Accepted:      true,
		Renegotiation: true,
		HistoryID:     c.state.HistoryID,
	})

	if offer.IsVideo && !c.state.VideoEnabled {
		st := c.state
		st.VideoEnabled = true
		c.setState(st)
	}
	c.upgradeInbound = false

	// An exchange that was blocking a deferred upgrade has now resolved.
	if c.upgradeDeferred {
		c.upgradeDeferred = false
		c.renegotiateVideoLocked(ctx)
	}
}

func (c *CallService) handleAnswer(ctx context.Context, env domain.Envelope, answer domain.CallAnswer) {
	if !c.state.Active() || env.From != c.state.RemoteUserID {
		log.Debug().Str("remote_id", env.From.String()).Msg("Ignoring answer without matching call")
		return
	}

	if answer.Renegotiation {
		c.handleRenegotiationAnswer(ctx, answer)
		return
	}

	if !answer.Accepted {
		log.Info().Str("remote_id", env.From.String()).Msg("Call declined by remote")
		c.teardownLocked(ctx, false)
		return
	}

	switch c.state.Status {
	case domain.StatusConnected:
		// Duplicate of an answer already applied. Intentionally a no-op,
		// logged for protocol observability.
		log.Debug().Str("remote_id", env.From.String()).Msg("Duplicate answer while connected")
		return
	case domain.StatusCalling, domain.StatusReconnecting:
		// proceed
	default:
		log.Debug().Str("status", c.state.Status.String()).Msg("Ignoring answer in unexpected call state")
		return
	}

	if c.sess == nil {
		log.Warn().Msg("Answer arrived with no peer session")
		return
	}

	switch c.sess.SignalingState() {
	case domain.SignalingHaveLocalOffer:
		if err := c.sess.SetRemoteDescription(answer.Description()); err != nil {
			// The signaling callback may have lost the race against the
			// connection converging; re-inspect before declaring failure.
			if c.sess.SignalingState() == domain.SignalingStable {
				log.Debug().Msg("Answer already applied, treating as converged")
				c.promoteConnectedLocked()
				return
			}
			log.Error().Err(err).Msg("Failed to apply remote answer")
			c.endCallLocked(ctx)
			return
		}
		c.promoteConnectedLocked()

	case domain.SignalingStable:
		// The connection already converged: the transport-level callbacks
		// raced ahead of answer processing. Re-applying a description in
		// stable is invalid, so force Connected instead.
		log.Debug().Msg("Answer in stable signaling state, forcing connected")
		c.promoteConnectedLocked()

	default:
		log.Error().
			Str("signaling_state", string(c.sess.SignalingState())).
			Msg("Answer in invalid signaling state")
		c.endCallLocked(ctx)
	}
}

func (c *CallService) handleRenegotiationAnswer(ctx context.Context, answer domain.CallAnswer) {
	if c.sess == nil {
		return
	}
	if !answer.Accepted {
		log.Debug().Msg("Ignoring declined renegotiation answer")
		return
	}

	if err := c.sess.SetRemoteDescription(answer.Description()); err != nil {
		if c.sess.SignalingState() == domain.SignalingStable {
			log.Debug().Msg("Renegotiation answer already applied")
		} else {
			log.Error().Err(err).Msg("Failed to apply renegotiation answer")
			c.endCallLocked(ctx)
			return
		}
	}

	if c.upgradeOffering {
		c.upgradeOffering = false
		c.upgradeOutbound = false
		if !c.state.VideoEnabled {
			st := c.state
			st.VideoEnabled = true
			c.setState(st)
			c.publish(domain.LocalStreamUpdated{Audio: st.AudioEnabled, Video: true})
		}
	}

	// An exchange that was blocking a deferred upgrade has now resolved.
	if c.upgradeDeferred {
		c.upgradeDeferred = false
		c.renegotiateVideoLocked(ctx)
	}
}

func (c *CallService) handleCandidate(env domain.Envelope, cand domain.ICECandidate) {
	if c.sess == nil || env.From != c.state.RemoteUserID {
		// Candidates cannot be replayed after teardown and are useless
		// before a session exists; drop.
		log.Debug().Str("remote_id", env.From.String()).Msg("Dropping ICE candidate without session")
		return
	}
	if err := c.sess.AddRemoteCandidate(cand); err != nil {
		log.Warn().Err(err).Msg("Failed to add remote ICE candidate")
	}
}

func (c *CallService) handleRemoteEnd(ctx context.Context, env domain.Envelope) {
	if !c.state.Active() || env.From != c.state.RemoteUserID {
		return
	}
	log.Info().Str("remote_id", env.From.String()).Msg("Remote ended call")
	c.teardownLocked(ctx, false)
}
