package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

// Clock defines an interface for obtaining the current time and arming
// timers, so that time-driven logic can be tested with a mock.
type Clock = bclock.Clock

// Mock is a mock Clock for tests. Advance its time with Add.
type Mock = bclock.Mock

// Timer is a cancellable timer handle. Stop returns false if the timer
// has already fired or been stopped.
type Timer = bclock.Timer

// Ticker delivers ticks on channel C.
type Ticker = bclock.Ticker

// New returns a Clock backed by the real system clock.
func New() Clock {
	return bclock.New()
}

// NewMock returns a mock Clock whose time only moves when the test
// advances it.
func NewMock() *Mock {
	return bclock.NewMock()
}

// MonotonicTime is a reading of the monotonic clock. It is suitable
// for measuring elapsed durations across wall-clock adjustments.
type MonotonicTime time.Duration

// Mono returns the current monotonic reading.
func Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Sub returns the duration elapsed between other and m.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}

// Elapsed returns the duration elapsed since m.
func (m MonotonicTime) Elapsed() time.Duration {
	return Mono().Sub(m)
}
