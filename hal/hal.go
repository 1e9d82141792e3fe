// Package hal abstracts the platform pieces the recorder depends on: a free
// running microsecond counter with a busy-wait primitive, input and output
// pins, and edge sources that turn a pin into a stream of observations.
package hal

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/derktes/signal-recorder/signal"
)

var (
	ErrUnsupported = errors.New("hal: not supported on this platform")
	ErrClosed      = errors.New("hal: source closed")
)

// Observation is one (level, time) reading. Time is a 32-bit microsecond
// counter value and wraps.
type Observation struct {
	Level signal.Level
	Time  uint32
}

// Timer is a free-running microsecond counter.
type Timer interface {
	Now() uint32

	// SpinUntil busy-waits until the counter reaches deadline. It returns
	// false without reaching the deadline when abort becomes true. This is
	// intentionally not a scheduler sleep: tick granularity is far coarser
	// than pulse timing.
	SpinUntil(deadline uint32, abort *atomic.Bool) bool
}

// InputPin reads a logical level.
type InputPin interface {
	Get() signal.Level
}

// OutputPin drives a logical level.
type OutputPin interface {
	Set(level signal.Level) error
}

// EdgeSource delivers observations to fn from a single producer goroutine
// until ctx is done. fn runs in the time-critical context and must not block.
type EdgeSource interface {
	Run(ctx context.Context, fn func(Observation)) error
}

// Before reports whether counter value a precedes b, modulo wrap.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// Inverted flips the readings of an active-low input.
func Inverted(pin InputPin) InputPin {
	return invertedPin{pin}
}

type invertedPin struct{ InputPin }

func (p invertedPin) Get() signal.Level { return p.InputPin.Get().Invert() }
