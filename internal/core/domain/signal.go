package domain

import "encoding/json"

// SignalEvent names a message type on the signaling relay. The names are the
// wire contract with the remote peer's engine.
type SignalEvent string

const (
	EventCallOffer            SignalEvent = "call-offer"
	EventCallAnswer           SignalEvent = "call-answer"
	EventCallICECandidate     SignalEvent = "call-ice-candidate"
	EventCallEnd              SignalEvent = "call-end"
	EventVideoUpgradeRequest  SignalEvent = "video-upgrade-request"
	EventVideoUpgradeAccepted SignalEvent = "video-upgrade-accepted"
	EventVideoUpgradeRejected SignalEvent = "video-upgrade-rejected"
)

// Envelope is one routed signaling message. To is set on outbound messages,
// From on inbound ones; the relay fills in the counterpart.
type Envelope struct {
	Event   SignalEvent     `json:"event"`
	From    UserID          `json:"from,omitempty"`
	To      UserID          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallOffer is the payload of a call-offer message. Renegotiation marks a
// mid-call offer (video upgrade or ICE restart) on an existing session.
type CallOffer struct {
	SDP           string        `json:"sdp"`
	Type          SDPType       `json:"type"`
	IsVideo       bool          `json:"isVideo"`
	Renegotiation bool          `json:"renegotiation,omitempty"`
	FromName      string        `json:"fromName,omitempty"`
	HistoryID     CallHistoryID `json:"callHistoryId,omitempty"`
}

// Description returns the offer's session description.
func (o CallOffer) Description() SessionDescription {
	return SessionDescription{Type: o.Type, SDP: o.SDP}
}

// CallAnswer is the payload of a call-answer message. Accepted=false is the
// callee declining; it carries no SDP in that case.
type CallAnswer struct {
	SDP           string        `json:"sdp,omitempty"`
	Type          SDPType       `json:"type,omitempty"`
	Accepted      bool          `json:"accepted"`
	Renegotiation bool          `json:"renegotiation,omitempty"`
	HistoryID     CallHistoryID `json:"callHistoryId,omitempty"`
}

func (a CallAnswer) Description() SessionDescription {
	return SessionDescription{Type: a.Type, SDP: a.SDP}
}

// ICECandidate is a network path descriptor exchanged out-of-band.
// Field shapes follow the RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallEnd is the payload of a call-end message.
type CallEnd struct {
	HistoryID CallHistoryID `json:"callHistoryId,omitempty"`
}

// VideoUpgrade is the payload of the video-upgrade-* messages.
type VideoUpgrade struct {
	From UserID `json:"from,omitempty"`
}
