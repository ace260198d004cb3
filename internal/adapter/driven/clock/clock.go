// Package clock provides the wall-clock implementation of port.Clock.
package clock

import (
	"time"

	"github.com/speakmate/callkit/internal/core/port"
)

type systemClock struct{}

// System returns the wall clock.
func System() port.Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) port.Timer {
	return time.AfterFunc(d, fn)
}
