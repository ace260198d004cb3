package domain

import "time"

// EventTopic enumerates the bus topics exposed to presentation. Typed
// variants replace stringly-typed listener registration: a subscriber
// switches on the concrete event type, not on a name.
type EventTopic string

const (
	TopicCallStateChanged      EventTopic = "call-state-changed"
	TopicIncomingCall          EventTopic = "incoming-call"
	TopicCallConnected         EventTopic = "call-connected"
	TopicCallEnded             EventTopic = "call-ended"
	TopicLocalStreamUpdated    EventTopic = "local-stream-updated"
	TopicRemoteStreamUpdated   EventTopic = "remote-stream-updated"
	TopicVideoUpgradeRequested EventTopic = "video-upgrade-requested"
	TopicVideoUpgradeRejected  EventTopic = "video-upgrade-rejected"
)

// Event is a bus notification. Each topic has exactly one concrete type.
type Event interface {
	Topic() EventTopic
}

// CallStateChanged carries the full state snapshot after every transition.
type CallStateChanged struct {
	State CallState
}

func (CallStateChanged) Topic() EventTopic { return TopicCallStateChanged }

// IncomingCall announces a remote offer while the engine was idle.
type IncomingCall struct {
	From      UserID
	FromName  string
	IsVideo   bool
	HistoryID CallHistoryID
}

func (IncomingCall) Topic() EventTopic { return TopicIncomingCall }

// CallConnected fires once per call, when Connected is first reached.
type CallConnected struct {
	Remote    UserID
	StartedAt time.Time
}

func (CallConnected) Topic() EventTopic { return TopicCallConnected }

// CallEnded fires once per call on teardown.
type CallEnded struct {
	Remote    UserID
	Duration  time.Duration
	HistoryID CallHistoryID
}

func (CallEnded) Topic() EventTopic { return TopicCallEnded }

// LocalStreamUpdated signals that local capture composition changed.
type LocalStreamUpdated struct {
	Audio bool
	Video bool
}

func (LocalStreamUpdated) Topic() EventTopic { return TopicLocalStreamUpdated }

// RemoteStreamUpdated signals a remote track arriving or changing.
type RemoteStreamUpdated struct {
	Kind TrackKind
}

func (RemoteStreamUpdated) Topic() EventTopic { return TopicRemoteStreamUpdated }

// VideoUpgradeRequested tells presentation the remote side wants video.
type VideoUpgradeRequested struct {
	From UserID
}

func (VideoUpgradeRequested) Topic() EventTopic { return TopicVideoUpgradeRequested }

// VideoUpgradeRejected tells presentation the upgrade was declined.
type VideoUpgradeRejected struct {
	From UserID
}

func (VideoUpgradeRejected) Topic() EventTopic { return TopicVideoUpgradeRejected }
