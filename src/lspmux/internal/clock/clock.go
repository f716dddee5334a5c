// Package clock abstracts time for components that need to be tested without
// waiting on real timers.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Module provides a Clock to inject using fx.
var Module = fx.Options(
	fx.Provide(New),
)

// Clock is an interface that abstracts the functionality for measuring time.
type Clock interface {
	// Sleep pauses the current goroutine for at least the duration d.
	Sleep(duration time.Duration)
	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	AfterFunc(duration time.Duration, f func()) Timer
}

// Timer is the controllable handle returned by AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing, reporting whether it did.
	Stop() bool
}

type clock struct{}

// New creates a new instance of Clock backed by the time package.
func New() Clock {
	return clock{}
}

func (clock) Sleep(duration time.Duration) {
	time.Sleep(duration)
}

func (clock) AfterFunc(duration time.Duration, f func()) Timer {
	return time.AfterFunc(duration, f)
}
