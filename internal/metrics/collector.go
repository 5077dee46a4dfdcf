// Package metrics exposes live trace statistics to Prometheus.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrzor/iotrace/internal/stats"
)

// Collector implements prometheus.Collector over a stats.Store.
// Metrics are built from a fresh snapshot on each scrape, so the collector
// holds no state of its own.
type Collector struct {
	store *stats.Store
	names func(int) string

	fileOps        *prometheus.Desc
	fileLatency    *prometheus.Desc
	fileBytes      *prometheus.Desc
	syscallCount   *prometheus.Desc
	syscallLatency *prometheus.Desc
	quality        *prometheus.Desc
}

// NewCollector creates a collector reading from store. names resolves syscall
// numbers for the syscall label.
func NewCollector(store *stats.Store, names func(int) string) *Collector {
	return &Collector{
		store: store,
		names: names,
		fileOps: prometheus.NewDesc(
			"iotrace_file_operations_total",
			"Number of file syscalls per path and operation",
			[]string{"path", "operation"}, nil,
		),
		fileLatency: prometheus.NewDesc(
			"iotrace_file_latency_nanoseconds_total",
			"Time spent in file syscalls per path and operation",
			[]string{"path", "operation"}, nil,
		),
		fileBytes: prometheus.NewDesc(
			"iotrace_file_bytes_total",
			"Bytes transferred per path and direction",
			[]string{"path", "direction"}, nil,
		),
		syscallCount: prometheus.NewDesc(
			"iotrace_syscalls_total",
			"Number of calls of syscalls without file semantics",
			[]string{"syscall"}, nil,
		),
		syscallLatency: prometheus.NewDesc(
			"iotrace_syscall_latency_nanoseconds_total",
			"Time spent in syscalls without file semantics",
			[]string{"syscall"}, nil,
		),
		quality: prometheus.NewDesc(
			"iotrace_quality_events_total",
			"Events that reduce the accuracy of the statistics",
			[]string{"event"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fileOps
	ch <- c.fileLatency
	ch <- c.fileBytes
	ch <- c.syscallCount
	ch <- c.syscallLatency
	ch <- c.quality
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Snapshot()

	for path, fs := range byLabel(snap.Files) {
		ops := []struct {
			name           string
			count, latency uint64
		}{
			{"open", fs.OpenCount, fs.OpenLatencyNS},
			{"close", fs.CloseCount, fs.CloseLatencyNS},
			{"read", fs.ReadCount, fs.ReadLatencyNS},
			{"write", fs.WriteCount, fs.WriteLatencyNS},
		}
		for _, op := range ops {
			if op.count == 0 {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.fileOps, prometheus.CounterValue, float64(op.count), path, op.name)
			ch <- prometheus.MustNewConstMetric(c.fileLatency, prometheus.CounterValue, float64(op.latency), path, op.name)
		}
		if fs.ReadCount > 0 {
			ch <- prometheus.MustNewConstMetric(c.fileBytes, prometheus.CounterValue, float64(fs.BytesRead), path, "read")
		}
		if fs.WriteCount > 0 {
			ch <- prometheus.MustNewConstMetric(c.fileBytes, prometheus.CounterValue, float64(fs.BytesWritten), path, "write")
		}
	}

	for nr, op := range snap.Syscalls {
		name := labelValue(c.names(nr))
		ch <- prometheus.MustNewConstMetric(c.syscallCount, prometheus.CounterValue, float64(op.Count), name)
		ch <- prometheus.MustNewConstMetric(c.syscallLatency, prometheus.CounterValue, float64(op.LatencyNS), name)
	}

	q := snap.Quality
	ch <- prometheus.MustNewConstMetric(c.quality, prometheus.CounterValue, float64(q.OrphanReturns), "orphan_return")
	ch <- prometheus.MustNewConstMetric(c.quality, prometheus.CounterValue, float64(q.OverwrittenCalls), "overwritten_call")
	ch <- prometheus.MustNewConstMetric(c.quality, prometheus.CounterValue, float64(q.UnfinishedCalls), "unfinished_call")
	ch <- prometheus.MustNewConstMetric(c.quality, prometheus.CounterValue, float64(q.TruncatedPaths), "truncated_path")
}

// labelValue replaces invalid UTF-8, which Prometheus rejects in label values.
// Paths are raw bytes from the tracee and need not be UTF-8.
func labelValue(v string) string {
	return strings.ToValidUTF8(v, "\uFFFD")
}

// byLabel keys files by their label value. Paths that only differ in invalid
// bytes collapse into one series and their counters are summed.
func byLabel(files map[string]stats.FileStats) map[string]stats.FileStats {
	out := make(map[string]stats.FileStats, len(files))
	for path, fs := range files {
		key := labelValue(path)
		acc := out[key]
		acc.OpenCount += fs.OpenCount
		acc.OpenLatencyNS += fs.OpenLatencyNS
		acc.CloseCount += fs.CloseCount
		acc.CloseLatencyNS += fs.CloseLatencyNS
		acc.ReadCount += fs.ReadCount
		acc.ReadLatencyNS += fs.ReadLatencyNS
		acc.BytesRead += fs.BytesRead
		acc.WriteCount += fs.WriteCount
		acc.WriteLatencyNS += fs.WriteLatencyNS
		acc.BytesWritten += fs.BytesWritten
		out[key] = acc
	}
	return out
}
