package port

import (
	"context"

	"github.com/speakmate/callkit/internal/core/domain"
)

// OfferOptions tunes offer creation.
type OfferOptions struct {
	// ICERestart forces fresh ICE credentials; used by the connectivity
	// monitor's recovery path.
	ICERestart bool
}

// SessionCallbacks are invoked by the media session from its own goroutines.
// The orchestrator serializes them internally.
type SessionCallbacks struct {
	// OnLocalCandidate fires for each locally gathered ICE candidate.
	OnLocalCandidate func(domain.ICECandidate)

	// OnConnectivity fires on every transport-level state transition.
	OnConnectivity func(domain.ConnectivityState)

	// OnRemoteTrack fires when a remote media track starts flowing.
	OnRemoteTrack func(domain.TrackKind)
}

// MediaSession wraps one peer-connection for the lifetime of a single call.
// Never reused across calls; Close is idempotent.
type MediaSession interface {
	CreateOffer(ctx context.Context, opts OfferOptions) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)

	// SetRemoteDescription applies the remote offer or answer and flushes
	// any ICE candidates queued before a remote description existed.
	SetRemoteDescription(desc domain.SessionDescription) error

	// AddRemoteCandidate queues the candidate if no remote description has
	// been applied yet, otherwise applies it immediately.
	AddRemoteCandidate(c domain.ICECandidate) error

	// Rollback discards a pending local offer, returning signaling to
	// stable. Resolves crossed renegotiation offers.
	Rollback() error

	SignalingState() domain.SignalingState
	ConnectivityState() domain.ConnectivityState

	// SetAudioEnabled / SetVideoEnabled flip track-enabled flags without
	// renegotiation. They report false when no such track exists.
	SetAudioEnabled(on bool) bool
	SetVideoEnabled(on bool) bool
	HasVideoTrack() bool

	// StartVideoCapture acquires a camera and attaches a video track to the
	// session. Bounded by the engine's capture timeout; a failure leaves the
	// session usable audio-only.
	StartVideoCapture(ctx context.Context) error
	StopVideoCapture()

	Close() error
}

// MediaEngine creates media sessions. One engine is built at process start
// with the ICE server configuration; it owns no per-call state.
type MediaEngine interface {
	NewSession(ctx context.Context, opts domain.MediaOptions, cb SessionCallbacks) (MediaSession, error)
}
