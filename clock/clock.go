// Package clock abstracts time access so that components scheduling work
// against wall-clock deadlines can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	Ch() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// SystemClock provides the real system time.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{time.NewTicker(d)}
}

type systemTicker struct {
	*time.Ticker
}

func (t *systemTicker) Ch() <-chan time.Time {
	return t.C
}
