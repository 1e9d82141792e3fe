//go:build linux

package hal

import "golang.org/x/sys/unix"

// monotonicMicros reads CLOCK_MONOTONIC, the clock gpio line events are
// stamped with, so heartbeats and edge timestamps share one time base.
func monotonicMicros() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano() / 1000)
}
