// Package clock provides the time source and delayed-task primitive used by the
// gateway and worker. Production code uses Real; tests drive a Fake forward
// deterministically.
package clock

import "time"

// Timer is a scheduled task that can be cancelled before it fires.
type Timer interface {
	// Stop cancels the task. It reports false if the task already ran or was stopped.
	Stop() bool
}

// Clock is a source of time and delayed tasks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

// Now returns the current time
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc runs f in its own goroutine after d
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
