// Package timesync provides the monotonic clock used to time system calls and
// the conversion of monotonic timestamps to wall-clock time.
//
// Latencies are the difference of two CLOCK_MONOTONIC readings taken by the
// tracer at the call stop and the return stop. Elapsed never underflows: a
// reading that goes backwards yields a zero-length measurement.
//
// Converter maps the same monotonic timestamps onto wall-clock time using the
// system boot time from /proc/stat, so a run can be exported with absolute
// start and end times.
package timesync
