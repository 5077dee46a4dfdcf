// Package output publishes a finished trace as OpenTelemetry spans.
//
// SpanExporter is a pure formatting layer that:
//   - Receives a built report.Report and the monotonic bounds of the run
//   - Creates one root span for the traced command
//   - Creates one child span per reported file, carrying its counters
//
// It does NOT:
//   - Filter or sort records (report.Build does)
//   - Own the tracer provider (internal/otel does)
//
// Span timestamps are monotonic readings converted to wall clock by
// timesync.Converter, so they line up with spans from other tools on the host.
package output
