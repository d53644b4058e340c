// Package clock is the time source injected into the store, the
// supervisor's retry scheduler and the mock network client.
//
// Production code uses Real(). Tests use Fake() and move time forward
// with Advance, so retry delays and credential rotation can be checked
// without sleeping.
package clock

import "time"

// Clock is the subset of the time package the bot depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
