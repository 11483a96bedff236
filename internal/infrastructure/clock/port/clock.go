package port

import "time"

// Timer is a handle to a pending callback scheduled through a Clock.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was prevented
	// from running; stopping an already-fired timer returns false.
	Stop() bool
}

// Clock abstracts wall time and timer scheduling so components that depend on
// intervals (polling loops, grace periods, badge expiry, backoff) can be
// driven manually in tests instead of sleeping against the global timer.
type Clock interface {
	Now() time.Time

	// AfterFunc schedules fn to run once after d on an unspecified goroutine.
	AfterFunc(d time.Duration, fn func()) Timer
}
