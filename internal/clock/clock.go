// Package clock abstracts time for the coordinator so that sweeps,
// lease expiry and coordination timeouts can be driven deterministically
// in tests. Production code injects Real(); tests inject Fake().
package clock

import "time"

// Clock is the time source used by everything in the coordinator that
// reads the current time, waits, or ticks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Ticks arrive on C; the channel has
// capacity 1 and drops ticks when the consumer falls behind, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset restarts the ticker with a new interval.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:         ticker.C,
		stopFunc:  ticker.Stop,
		resetFunc: ticker.Reset,
	}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
