// Package clock abstracts time so that timeouts, tickers and bucket
// boundaries can be driven deterministically in tests. Production code
// uses Real(); tests use Fake().
package clock

import "time"

// Clock is the subset of the time package the daemon depends on.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. If d <= 0 the channel fires
	// immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until stopped. C has capacity 1; ticks are
// dropped when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
