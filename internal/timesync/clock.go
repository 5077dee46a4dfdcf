package timesync

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Clock returns monotonic timestamps in nanoseconds.
type Clock interface {
	Now() (uint64, error)
}

// MonotonicClock reads CLOCK_MONOTONIC.
type MonotonicClock struct{}

// Now implements Clock.
func (MonotonicClock) Now() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("reading monotonic clock: %w", err)
	}
	//nolint:gosec // monotonic time is never negative
	return uint64(ts.Nano()), nil
}

// Elapsed returns end-start, or zero when the clock went backwards.
func Elapsed(start, end uint64) uint64 {
	if end < start {
		return 0
	}
	return end - start
}
