// Package client implements the consumer side of the presence system: a
// per-session Service that batches enter/leave intents into low-frequency
// server round trips, and a Channel proxy that follows a channel's diff
// stream and heals itself on gaps.
package client

import "time"

// Timer is a cancelable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts the time source so the Service's debounce, throttle
// and heartbeat scheduling can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}
