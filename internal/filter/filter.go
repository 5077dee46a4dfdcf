// Package filter selects which file records end up in a report using
// expr-lang boolean expressions.
//
// The expression sees one file record at a time:
//
//	path                                  string
//	open_count, open_latency_ns           int
//	close_count, close_latency_ns         int
//	read_count, read_latency_ns           int
//	write_count, write_latency_ns         int
//	bytes_read, bytes_written             int
//
// Example: `bytes_written > 0 && !(path startsWith "/proc/")`.
package filter

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mrzor/iotrace/internal/stats"
)

// Filter is a compiled file selection expression. A nil or empty Filter keeps
// every record.
type Filter struct {
	program *vm.Program
	rawExpr string
}

// New compiles expression. An empty expression keeps everything.
func New(expression string) (*Filter, error) {
	if expression == "" {
		return &Filter{}, nil
	}

	program, err := expr.Compile(expression, expr.Env(environment("", stats.FileStats{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}

	return &Filter{
		program: program,
		rawExpr: expression,
	}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.rawExpr
}

// Match reports whether the record for path is kept.
func (f *Filter) Match(path string, fs stats.FileStats) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}

	out, err := expr.Run(f.program, environment(path, fs))
	if err != nil {
		return false, fmt.Errorf("evaluating filter on %q: %w", path, err)
	}
	keep, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter on %q returned %T, want bool", path, out)
	}
	return keep, nil
}

func environment(path string, fs stats.FileStats) map[string]any {
	return map[string]any{
		"path":             path,
		"open_count":       toInt(fs.OpenCount),
		"open_latency_ns":  toInt(fs.OpenLatencyNS),
		"close_count":      toInt(fs.CloseCount),
		"close_latency_ns": toInt(fs.CloseLatencyNS),
		"read_count":       toInt(fs.ReadCount),
		"read_latency_ns":  toInt(fs.ReadLatencyNS),
		"bytes_read":       toInt(fs.BytesRead),
		"write_count":      toInt(fs.WriteCount),
		"write_latency_ns": toInt(fs.WriteLatencyNS),
		"bytes_written":    toInt(fs.BytesWritten),
	}
}

// toInt keeps counters comparable with integer literals in expressions.
func toInt(v uint64) int {
	if v > math.MaxInt {
		return math.MaxInt
	}
	return int(v)
}
