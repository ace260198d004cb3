package domain

import "time"

// CallStatus is the call-level lifecycle state, distinct from the
// offer/answer SignalingState of the underlying peer session.
type CallStatus string

const (
	StatusIdle         CallStatus = "idle"
	StatusCalling      CallStatus = "calling"
	StatusRinging      CallStatus = "ringing"
	StatusConnected    CallStatus = "connected"
	StatusReconnecting CallStatus = "reconnecting"
	StatusEnded        CallStatus = "ended"
)

func (s CallStatus) String() string {
	return string(s)
}

// MediaOptions describes the requested local media composition.
type MediaOptions struct {
	Audio bool
	Video bool
}

// CallState is an immutable snapshot of the current call. It is owned
// exclusively by the orchestrator and replaced wholesale on every
// transition; subscribers receive copies and must never mutate them.
type CallState struct {
	Status         CallStatus
	RemoteUserID   UserID
	RemoteUserName string
	AudioEnabled   bool
	VideoEnabled   bool

	// StartedAt is stamped exactly once, when Connected is first reached.
	StartedAt *time.Time

	// Duration is the final call length, computed only on entry to Ended.
	// Zero when the call never reached Connected.
	Duration time.Duration

	// PendingOffer holds the remote offer while Ringing; AcceptCall needs it.
	PendingOffer *SessionDescription

	HistoryID CallHistoryID
}

// IdleState returns the zero call state.
func IdleState() CallState {
	return CallState{Status: StatusIdle}
}

// Active reports whether the state describes a live or in-progress call.
func (s CallState) Active() bool {
	return s.Status != StatusIdle && s.Status != StatusEnded
}

// SDPType is the half of the offer/answer exchange a description belongs to.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription carries one side of an offer/answer exchange.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// SignalingState mirrors the peer session's offer/answer bookkeeping state.
// The core inspects it to classify races instead of matching error strings.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// ConnectivityState is the transport-level connection state, with the
// vendor-level ICE and peer-connection states collapsed into one ordering.
type ConnectivityState string

const (
	ConnectivityNew          ConnectivityState = "new"
	ConnectivityChecking     ConnectivityState = "checking"
	ConnectivityConnected    ConnectivityState = "connected"
	ConnectivityCompleted    ConnectivityState = "completed"
	ConnectivityDisconnected ConnectivityState = "disconnected"
	ConnectivityFailed       ConnectivityState = "failed"
	ConnectivityClosed       ConnectivityState = "closed"
)

// Up reports whether the transport considers the path established.
func (s ConnectivityState) Up() bool {
	return s == ConnectivityConnected || s == ConnectivityCompleted
}

// TrackKind distinguishes media track types on stream-updated events.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)
