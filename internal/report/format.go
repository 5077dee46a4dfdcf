package report

import (
	"fmt"
	"io"
	"text/tabwriter"
)

var fieldDocs = []struct {
	field, meaning string
}{
	{"command", "traced command line"},
	{"exit_code", "exit status of the command, 128+signal when killed"},
	{"started_at", "wall clock start, RFC 3339"},
	{"finished_at", "wall clock end, RFC 3339"},
	{"duration_ns", "monotonic duration of the trace"},
	{"error", "why tracing stopped early; absent on success"},
	{"files[].path", `path as passed to open/openat, or "unknown"`},
	{"files[].open_count", "open and openat calls, failed ones included"},
	{"files[].open_latency_ns", "summed time spent in open and openat"},
	{"files[].close_count", "close calls on a descriptor bound to the path"},
	{"files[].close_latency_ns", "summed time spent in close"},
	{"files[].read_count", "read calls"},
	{"files[].read_latency_ns", "summed time spent in read"},
	{"files[].bytes_read", "bytes returned by successful reads"},
	{"files[].write_count", "write calls"},
	{"files[].write_latency_ns", "summed time spent in write"},
	{"files[].bytes_written", "bytes accepted by successful writes"},
	{"syscalls[].number", "syscall number"},
	{"syscalls[].name", "syscall name"},
	{"syscalls[].count", "calls of a syscall without file semantics"},
	{"syscalls[].latency_ns", "summed time spent in that syscall"},
	{"quality.orphan_returns", "returns seen without a matching call"},
	{"quality.overwritten_calls", "calls replaced before their return was seen"},
	{"quality.unfinished_calls", "calls still pending when tracing ended"},
	{"quality.truncated_paths", "paths cut at the extraction bound"},
}

// FormatInfo describes every field of the report document.
func FormatInfo(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "The report is a single JSON (or YAML) document with these fields:"); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, d := range fieldDocs {
		if _, err := fmt.Fprintf(tw, "  %s\t%s\n", d.field, d.meaning); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "Latencies are nanoseconds of CLOCK_MONOTONIC between syscall entry and exit stops.")
	return err
}
