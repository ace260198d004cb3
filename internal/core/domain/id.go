package domain

import (
	"github.com/google/uuid"
)

// UserID identifies a user on the signaling relay. IDs are issued by the
// profile backend and are opaque to the engine.
type UserID string

func (id UserID) String() string {
	return string(id)
}

// CallHistoryID correlates a session with the server-side call record.
// Generated by the calling side and propagated unchanged through signaling.
type CallHistoryID string

func NewCallHistoryID() CallHistoryID {
	return CallHistoryID(uuid.New().String())
}

func (id CallHistoryID) String() string {
	return string(id)
}
