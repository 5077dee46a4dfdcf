package output

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/iotrace/internal/report"
	"github.com/mrzor/iotrace/internal/timesync"
)

// Run carries what the report does not: where the trace sits on the
// monotonic clock and how it ended.
type Run struct {
	Pid       int
	Signal    string
	StartMono uint64
	EndMono   uint64
	Err       error
}

// SpanExporter turns reports into spans.
type SpanExporter struct {
	tracer    trace.Tracer
	converter *timesync.Converter
}

// NewSpanExporter creates an exporter starting spans on tracer.
func NewSpanExporter(tracer trace.Tracer, converter *timesync.Converter) *SpanExporter {
	return &SpanExporter{
		tracer:    tracer,
		converter: converter,
	}
}

// Export emits the spans of one run and returns the root span context.
func (e *SpanExporter) Export(ctx context.Context, run Run, r *report.Report) trace.SpanContext {
	startTime := e.converter.MonotonicToWallClock(run.StartMono)
	endTime := e.converter.MonotonicToWallClock(run.EndMono)

	ctx, root := e.tracer.Start(ctx, "iotrace.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(startTime),
	)

	totals := r.Totals()
	root.SetAttributes(
		attribute.String("process.command_line", strings.Join(r.Command, " ")),
		attribute.StringSlice("process.command_args", r.Command),
		attribute.Int("process.pid", run.Pid),
		attribute.Int("process.exit.code", r.ExitCode),
		attribute.Int("iotrace.files", len(r.Files)),
		attribute.Int64("iotrace.bytes_read", saturate(totals.BytesRead)),
		attribute.Int64("iotrace.bytes_written", saturate(totals.BytesWritten)),
		attribute.Int64("iotrace.quality.orphan_returns", saturate(r.Quality.OrphanReturns)),
		attribute.Int64("iotrace.quality.overwritten_calls", saturate(r.Quality.OverwrittenCalls)),
		attribute.Int64("iotrace.quality.unfinished_calls", saturate(r.Quality.UnfinishedCalls)),
		attribute.Int64("iotrace.quality.truncated_paths", saturate(r.Quality.TruncatedPaths)),
	)
	if run.Signal != "" {
		root.SetAttributes(attribute.String("process.exit.signal", run.Signal))
	}
	for _, sc := range r.Syscalls {
		root.SetAttributes(
			attribute.Int64("iotrace.syscall."+sc.Name+".count", saturate(sc.Count)),
			attribute.Int64("iotrace.syscall."+sc.Name+".latency_ns", saturate(sc.LatencyNS)),
		)
	}

	for _, f := range r.Files {
		_, span := e.tracer.Start(ctx, "iotrace.file",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithTimestamp(startTime),
			trace.WithAttributes(fileAttributes(f)...),
		)
		span.End(trace.WithTimestamp(endTime))
	}

	if run.Err != nil {
		root.RecordError(run.Err)
		root.SetStatus(codes.Error, run.Err.Error())
	} else {
		root.SetStatus(codes.Ok, "")
	}
	root.End(trace.WithTimestamp(endTime))

	return root.SpanContext()
}

func fileAttributes(f report.FileRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("file.path", f.Path),
		attribute.Int64("iotrace.open.count", saturate(f.OpenCount)),
		attribute.Int64("iotrace.open.latency_ns", saturate(f.OpenLatencyNS)),
		attribute.Int64("iotrace.close.count", saturate(f.CloseCount)),
		attribute.Int64("iotrace.close.latency_ns", saturate(f.CloseLatencyNS)),
		attribute.Int64("iotrace.read.count", saturate(f.ReadCount)),
		attribute.Int64("iotrace.read.latency_ns", saturate(f.ReadLatencyNS)),
		attribute.Int64("iotrace.read.bytes", saturate(f.BytesRead)),
		attribute.Int64("iotrace.write.count", saturate(f.WriteCount)),
		attribute.Int64("iotrace.write.latency_ns", saturate(f.WriteLatencyNS)),
		attribute.Int64("iotrace.write.bytes", saturate(f.BytesWritten)),
	}
}

// saturate maps a counter onto the int64 attribute type.
func saturate(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
