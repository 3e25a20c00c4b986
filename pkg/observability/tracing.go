// Package observability wires OpenTelemetry tracing for collection runs.
// Spans cover the run and each entity read so slow sources show up per
// entity, not as one opaque run duration.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabricsight/fabricsight/pkg/config"
)

const tracerName = "fabricsight"

// Version is stamped at build time
var Version = "dev"

// InitTracing sets up the global tracer provider when tracing is enabled.
// The returned shutdown func flushes pending spans; it is safe to call even
// when tracing is disabled.
func InitTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.Observability.EnableTracing {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tracerName),
			semconv.ServiceVersionKey.String(Version),
			semconv.ServiceInstanceIDKey.String(cfg.Name),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	rate := cfg.Observability.TracingSampleRate
	switch {
	case rate <= 0:
		sampler = sdktrace.NeverSample()
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the collector's tracer. Before InitTracing (or with
// tracing disabled) spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
