package service

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
	"github.com/speakmate/callkit/internal/core/port"
)

// handleConnectivity implements the reconnection policy over transport-level
// state transitions:
//
//	disconnected: optimistic, mark Reconnecting, probe after 2 s, then
//	              request an ICE restart if still down.
//	failed:       mark Reconnecting, restart immediately, escalate to
//	              endCall if not connected within 10 s.
//	closed:       always fatal.
//	connected:    cancel recovery timers; promote to Connected if the
//	              answer-processing path has not got there yet.
func (c *CallService) handleConnectivity(seq uint64, s domain.ConnectivityState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seq != seq || !c.state.Active() {
		return
	}

	ctx := context.Background()
	log.Debug().Str("connectivity", string(s)).Str("status", c.state.Status.String()).Msg("Transport state changed")

	switch s {
	case domain.ConnectivityConnected, domain.ConnectivityCompleted:
		// Secondary path to Connected: transport convergence may beat the
		// signaling-level answer. Idempotent either way.
		c.promoteConnectedLocked()

	case domain.ConnectivityDisconnected:
		if c.state.Status != domain.StatusConnected {
			return
		}
		st := c.state
		st.Status = domain.StatusReconnecting
		c.setState(st)

		if c.probeTimer != nil {
			c.probeTimer.Stop()
		}
		c.probeTimer = c.clock.AfterFunc(c.cfg.DisconnectProbe, func() {
			c.onDisconnectProbe(seq)
		})

	case domain.ConnectivityFailed:
		if c.state.Status == domain.StatusConnected || c.state.Status == domain.StatusReconnecting {
			st := c.state
			st.Status = domain.StatusReconnecting
			c.setState(st)
		}
		c.restartICELocked(ctx)

		if c.failTimer != nil {
			c.failTimer.Stop()
		}
		c.failTimer = c.clock.AfterFunc(c.cfg.FailEscalation, func() {
			c.onFailEscalation(seq)
		})

	case domain.ConnectivityClosed:
		log.Warn().Msg("Transport closed, ending call")
		c.endCallLocked(ctx)
	}
}

func (c *CallService) onDisconnectProbe(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seq != seq || c.state.Status != domain.StatusReconnecting || c.sess == nil {
		return
	}
	if c.sess.ConnectivityState().Up() {
		return
	}
	log.Info().Msg("Still disconnected after probe window, restarting ICE")
	c.restartICELocked(context.Background())
}

func (c *CallService) onFailEscalation(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seq != seq || !c.state.Active() {
		return
	}
	if c.state.Status == domain.StatusConnected {
		return
	}
	log.Warn().Msg("Recovery window expired, ending call")
	c.endCallLocked(context.Background())
}

// restartICELocked pushes fresh ICE credentials through the same
// renegotiation offer/answer round-trip used for video upgrades, so both
// peers converge on the restarted transport.
func (c *CallService) restartICELocked(ctx context.Context) {
	if c.sess == nil {
		return
	}
	if c.sess.SignalingState() == domain.SignalingHaveLocalOffer {
		// An exchange is already outstanding; its answer will either fix
		// the transport or the escalation timer fires.
		return
	}

	offer, err := c.sess.CreateOffer(ctx, port.OfferOptions{ICERestart: true})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create ICE restart offer")
		return
	}
	c.send(ctx, c.state.RemoteUserID, domain.EventCallOffer, domain.CallOffer{
		SDP:           offer.SDP,
		Type:          offer.Type,
		IsVideo:       c.state.VideoEnabled,
		Renegotiation: true,
		HistoryID:     c.state.HistoryID,
	})
}
