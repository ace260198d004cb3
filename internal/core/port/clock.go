package port

import "time"

// Timer is a stoppable pending callback.
type Timer interface {
	// Stop prevents the callback from firing. Reports whether it did.
	Stop() bool
}

// Clock abstracts wall time and timer scheduling so call timeouts are
// deterministic under test.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}
