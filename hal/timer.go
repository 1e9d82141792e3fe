package hal

import "sync/atomic"

// SystemTimer is the host monotonic clock truncated to a 32-bit microsecond
// counter, the same width as the MCU capture timers it stands in for.
type SystemTimer struct{}

// NewSystemTimer returns the host timer.
func NewSystemTimer() SystemTimer { return SystemTimer{} }

func (SystemTimer) Now() uint32 {
	return uint32(monotonicMicros())
}

func (t SystemTimer) SpinUntil(deadline uint32, abort *atomic.Bool) bool {
	for Before(t.Now(), deadline) {
		if abort != nil && abort.Load() {
			return false
		}
	}
	return true
}

