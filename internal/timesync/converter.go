package timesync

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a new time converter.
// It reads the system boot time from /proc/stat. If that fails the boot time
// is derived from the current monotonic reading instead.
func NewConverter(clock Clock) (*Converter, error) {
	bootTime, err := getSystemBootTime()
	if err == nil {
		return &Converter{bootTime: bootTime}, nil
	}

	now, clockErr := clock.Now()
	if clockErr != nil {
		return nil, fmt.Errorf("no boot time available (%v): %w", err, clockErr)
	}
	//nolint:gosec // uptime in nanoseconds fits in a Duration
	return &Converter{bootTime: time.Now().Add(-time.Duration(now))}, nil
}

// NewConverterAt creates a converter with a known boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// getSystemBootTime reads the system boot time from /proc/stat.
func getSystemBootTime() (time.Time, error) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open /proc/stat: %w", err)
	}
	defer func() {
		_ = file.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	return parseBootTime(bufio.NewScanner(file))
}

func parseBootTime(scanner *bufio.Scanner) (time.Time, error) {
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "btime" {
			bootTimeSec, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("failed to parse btime: %w", err)
			}
			return time.Unix(bootTimeSec, 0), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("error reading /proc/stat: %w", err)
	}

	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}
