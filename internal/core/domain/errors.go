package domain

import (
	"errors"
	"fmt"
)

// User-intent violations: an operation invoked from an invalid state.
// Rejected synchronously with no side effects.
var (
	ErrAlreadyInCall    = errors.New("already in a call")
	ErrNoIncomingCall   = errors.New("no incoming call to act on")
	ErrNoOfferAvailable = errors.New("no stored remote offer for incoming call")
	ErrNotConnected     = errors.New("call is not connected")
	ErrNoUpgradePending = errors.New("no video upgrade request pending")
)

// MediaErrorKind classifies device-access failures.
type MediaErrorKind string

const (
	MediaPermissionDenied MediaErrorKind = "permission-denied"
	MediaNoDeviceFound    MediaErrorKind = "no-device-found"
	MediaCaptureFailed    MediaErrorKind = "capture-failed"
)

// MediaError is a typed device-access failure with a remediation hint that
// the presentation layer can show verbatim.
type MediaError struct {
	Kind MediaErrorKind
	Hint string
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("media %s", e.Kind)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// NewMediaError builds a MediaError with the standard hint for its kind.
func NewMediaError(kind MediaErrorKind, err error) *MediaError {
	hint := ""
	switch kind {
	case MediaPermissionDenied:
		hint = "grant camera/microphone permission in system settings and retry"
	case MediaNoDeviceFound:
		hint = "connect a camera or microphone, or start the call audio-only"
	case MediaCaptureFailed:
		hint = "the device may be in use by another application"
	}
	return &MediaError{Kind: kind, Hint: hint, Err: err}
}
