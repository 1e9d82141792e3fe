//go:build !linux

package hal

import "time"

var epoch = time.Now()

func monotonicMicros() uint64 {
	return uint64(time.Since(epoch).Microseconds())
}
