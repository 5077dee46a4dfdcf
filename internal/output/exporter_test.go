package output

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mrzor/iotrace/internal/report"
	"github.com/mrzor/iotrace/internal/timesync"
)

var bootTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestExporter(t *testing.T) (*SpanExporter, *tracetest.InMemoryExporter) {
	t.Helper()
	mem := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(mem))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewSpanExporter(tp.Tracer("iotrace"), timesync.NewConverterAt(bootTime)), mem
}

func testReport() *report.Report {
	return &report.Report{
		Command:  []string{"cat", "/tmp/a"},
		ExitCode: 0,
		Files: []report.FileRecord{
			{Path: "/tmp/a", OpenCount: 1, OpenLatencyNS: 1200, ReadCount: 1, ReadLatencyNS: 300, BytesRead: 100},
			{Path: "unknown", WriteCount: 1, BytesWritten: 6},
		},
		Syscalls: []report.SyscallRecord{{Number: 39, Name: "getpid", Count: 2, LatencyNS: 80}},
		Quality:  report.Quality{OrphanReturns: 1},
	}
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestExport_Spans(t *testing.T) {
	exp, mem := newTestExporter(t)
	run := Run{Pid: 4242, StartMono: uint64(time.Hour), EndMono: uint64(time.Hour + 2*time.Millisecond)}

	rootCtx := exp.Export(context.Background(), run, testReport())

	spans := mem.GetSpans()
	require.Len(t, spans, 3)

	root := spans[len(spans)-1]
	assert.Equal(t, "iotrace.run", root.Name)
	assert.Equal(t, rootCtx.SpanID(), root.SpanContext.SpanID())
	assert.Equal(t, bootTime.Add(time.Hour), root.StartTime)
	assert.Equal(t, bootTime.Add(time.Hour+2*time.Millisecond), root.EndTime)
	assert.Equal(t, codes.Ok, root.Status.Code)

	ra := attrs(root.Attributes)
	assert.Equal(t, "cat /tmp/a", ra["process.command_line"].AsString())
	assert.Equal(t, int64(4242), ra["process.pid"].AsInt64())
	assert.Equal(t, int64(2), ra["iotrace.files"].AsInt64())
	assert.Equal(t, int64(100), ra["iotrace.bytes_read"].AsInt64())
	assert.Equal(t, int64(1), ra["iotrace.quality.orphan_returns"].AsInt64())
	assert.Equal(t, int64(2), ra["iotrace.syscall.getpid.count"].AsInt64())

	file := spans[0]
	assert.Equal(t, "iotrace.file", file.Name)
	assert.Equal(t, root.SpanContext.SpanID(), file.Parent.SpanID())
	fa := attrs(file.Attributes)
	assert.Equal(t, "/tmp/a", fa["file.path"].AsString())
	assert.Equal(t, int64(1200), fa["iotrace.open.latency_ns"].AsInt64())
	assert.Equal(t, int64(100), fa["iotrace.read.bytes"].AsInt64())
}

func TestExport_Error(t *testing.T) {
	exp, mem := newTestExporter(t)
	r := testReport()
	r.Files = nil

	exp.Export(context.Background(), Run{Err: errors.New("trace desynchronized"), Signal: "killed"}, r)

	spans := mem.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "trace desynchronized", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1, "error recorded as span event")
	assert.Equal(t, "killed", attrs(spans[0].Attributes)["process.exit.signal"].AsString())
}

func TestSaturate(t *testing.T) {
	assert.Equal(t, int64(7), saturate(7))
	assert.Equal(t, int64(1<<63-1), saturate(1<<63))
}
