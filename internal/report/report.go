// Package report turns a statistics snapshot into the document written at the
// end of a trace, and persists it as JSON, YAML or rows in a SQLite database.
package report

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/mrzor/iotrace/internal/filter"
	"github.com/mrzor/iotrace/internal/stats"
)

// RunInfo describes the traced command.
type RunInfo struct {
	Command    []string
	ExitCode   int
	Started    time.Time
	Finished   time.Time
	DurationNS uint64
	Err        error
}

// Report is the rendered outcome of one trace.
type Report struct {
	Command    []string        `json:"command" yaml:"command"`
	ExitCode   int             `json:"exit_code" yaml:"exit_code"`
	StartedAt  string          `json:"started_at" yaml:"started_at"`
	FinishedAt string          `json:"finished_at" yaml:"finished_at"`
	DurationNS uint64          `json:"duration_ns" yaml:"duration_ns"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	Files      []FileRecord    `json:"files" yaml:"files"`
	Syscalls   []SyscallRecord `json:"syscalls" yaml:"syscalls"`
	Quality    Quality         `json:"quality" yaml:"quality"`
}

// FileRecord holds the per-path counters.
type FileRecord struct {
	Path           string `json:"path" yaml:"path"`
	OpenCount      uint64 `json:"open_count" yaml:"open_count"`
	OpenLatencyNS  uint64 `json:"open_latency_ns" yaml:"open_latency_ns"`
	CloseCount     uint64 `json:"close_count" yaml:"close_count"`
	CloseLatencyNS uint64 `json:"close_latency_ns" yaml:"close_latency_ns"`
	ReadCount      uint64 `json:"read_count" yaml:"read_count"`
	ReadLatencyNS  uint64 `json:"read_latency_ns" yaml:"read_latency_ns"`
	BytesRead      uint64 `json:"bytes_read" yaml:"bytes_read"`
	WriteCount     uint64 `json:"write_count" yaml:"write_count"`
	WriteLatencyNS uint64 `json:"write_latency_ns" yaml:"write_latency_ns"`
	BytesWritten   uint64 `json:"bytes_written" yaml:"bytes_written"`
}

// SyscallRecord holds the counters of a syscall with no file semantics.
type SyscallRecord struct {
	Number    int    `json:"number" yaml:"number"`
	Name      string `json:"name" yaml:"name"`
	Count     uint64 `json:"count" yaml:"count"`
	LatencyNS uint64 `json:"latency_ns" yaml:"latency_ns"`
}

// Quality counts the events that make the statistics less exact.
type Quality struct {
	OrphanReturns    uint64 `json:"orphan_returns" yaml:"orphan_returns"`
	OverwrittenCalls uint64 `json:"overwritten_calls" yaml:"overwritten_calls"`
	UnfinishedCalls  uint64 `json:"unfinished_calls" yaml:"unfinished_calls"`
	TruncatedPaths   uint64 `json:"truncated_paths" yaml:"truncated_paths"`
}

// Build assembles a Report. Files are sorted by path and syscalls by number,
// so that the same snapshot always yields the same document. names resolves
// syscall numbers; f may be nil.
func Build(run RunInfo, snap stats.Snapshot, names func(int) string, f *filter.Filter) (*Report, error) {
	r := &Report{
		Command:    slices.Clone(run.Command),
		ExitCode:   run.ExitCode,
		StartedAt:  formatTime(run.Started),
		FinishedAt: formatTime(run.Finished),
		DurationNS: run.DurationNS,
		Files:      make([]FileRecord, 0, len(snap.Files)),
		Syscalls:   make([]SyscallRecord, 0, len(snap.Syscalls)),
		Quality: Quality{
			OrphanReturns:    snap.Quality.OrphanReturns,
			OverwrittenCalls: snap.Quality.OverwrittenCalls,
			UnfinishedCalls:  snap.Quality.UnfinishedCalls,
			TruncatedPaths:   snap.Quality.TruncatedPaths,
		},
	}
	if run.Err != nil {
		r.Error = run.Err.Error()
	}

	for path, fs := range snap.Files {
		keep, err := f.Match(path, fs)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		r.Files = append(r.Files, newFileRecord(path, fs))
	}
	slices.SortFunc(r.Files, func(a, b FileRecord) int {
		return cmp.Compare(a.Path, b.Path)
	})

	for nr, op := range snap.Syscalls {
		name := fmt.Sprintf("syscall_%d", nr)
		if names != nil {
			name = names(nr)
		}
		r.Syscalls = append(r.Syscalls, SyscallRecord{
			Number:    nr,
			Name:      name,
			Count:     op.Count,
			LatencyNS: op.LatencyNS,
		})
	}
	slices.SortFunc(r.Syscalls, func(a, b SyscallRecord) int {
		return cmp.Compare(a.Number, b.Number)
	})

	return r, nil
}

// Totals sums the file records of the report.
func (r *Report) Totals() FileRecord {
	var t FileRecord
	for _, f := range r.Files {
		t.OpenCount += f.OpenCount
		t.OpenLatencyNS += f.OpenLatencyNS
		t.CloseCount += f.CloseCount
		t.CloseLatencyNS += f.CloseLatencyNS
		t.ReadCount += f.ReadCount
		t.ReadLatencyNS += f.ReadLatencyNS
		t.BytesRead += f.BytesRead
		t.WriteCount += f.WriteCount
		t.WriteLatencyNS += f.WriteLatencyNS
		t.BytesWritten += f.BytesWritten
	}
	return t
}

func newFileRecord(path string, fs stats.FileStats) FileRecord {
	return FileRecord{
		Path:           path,
		OpenCount:      fs.OpenCount,
		OpenLatencyNS:  fs.OpenLatencyNS,
		CloseCount:     fs.CloseCount,
		CloseLatencyNS: fs.CloseLatencyNS,
		ReadCount:      fs.ReadCount,
		ReadLatencyNS:  fs.ReadLatencyNS,
		BytesRead:      fs.BytesRead,
		WriteCount:     fs.WriteCount,
		WriteLatencyNS: fs.WriteLatencyNS,
		BytesWritten:   fs.BytesWritten,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
