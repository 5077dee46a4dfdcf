// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/phuslu/log"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/iotrace/internal/config"
)

// logProxyConfig records the proxy settings the OTLP/HTTP client will honor.
func logProxyConfig(endpoint string) {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}

	log.Debug().Str("http_proxy", httpProxy).Str("https_proxy", httpsProxy).
		Str("endpoint", endpoint).Msg("OTLP/HTTP exporter")
}

// InitProvider initializes the OpenTelemetry tracer provider exporting over
// OTLP/HTTP. When traceIDHex is set, every span belongs to that trace.
//
// Note: The HTTP client automatically honors HTTP_PROXY, HTTPS_PROXY, and
// NO_PROXY environment variables through Go's standard net/http transport.
func InitProvider(cfg *config.OTELConfig, version, traceIDHex string) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoint := cfg.GetEndpoint()
	log.Info().Str("service", cfg.ServiceName).Str("endpoint", endpoint).
		Str("resource_attributes", cfg.ResourceAttributes).Msg("OTEL configuration")
	logProxyConfig(endpoint)

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := newResource(ctx, cfg, version)
	if err != nil {
		return nil, err
	}

	return NewProvider(sdktrace.WithBatcher(exporter), res, traceIDHex)
}

// NewProvider builds a tracer provider around an already configured span
// processor option (a batcher in production, a syncer in tests).
func NewProvider(processor sdktrace.TracerProviderOption, res *resource.Resource, traceIDHex string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{processor}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	if traceIDHex != "" {
		traceID, err := trace.TraceIDFromHex(traceIDHex)
		if err != nil {
			return nil, fmt.Errorf("invalid trace ID: %w", err)
		}
		opts = append(opts, sdktrace.WithIDGenerator(&fixedTraceIDGenerator{traceID: traceID}))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newResource(ctx context.Context, cfg *config.OTELConfig, version string) (*resource.Resource, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	}

	// Add custom resource attributes from environment
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
