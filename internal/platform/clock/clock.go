// Package clock provides an injectable time source so the scheduler and
// ingestion loops can be driven deterministically in tests.
//
// Production code holds a Clock field set to Real(). Tests construct a
// FakeClock, start the loop under test, wait for it to register its
// ticker with WaitForTimers, and then call Advance.
package clock

import "time"

// Clock abstracts the parts of the time package used by the engine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped when the consumer falls behind, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
