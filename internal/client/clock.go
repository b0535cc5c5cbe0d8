// internal/client/clock.go

package client

import "time"

// Clock abstracts timer creation so timer-driven behavior (typing expiry,
// reconnect backoff, ack timeouts) can be tested with virtual time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a stoppable pending timer.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired.
	Stop() bool
}

type realClock struct{}

// NewClock returns the wall-clock implementation.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
