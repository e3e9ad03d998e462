package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer used across the engine packages. Span
// names follow "<component>.<operation>" (e.g. "engine.send",
// "engine.confirm", "engine.inquiry", "quorum.confirm").
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// SetupTracing installs a batching OTLP/gRPC span exporter when endpoint is
// non-empty; otherwise tracing stays a no-op and every Tracer() span is
// dropped by the global no-op provider. prod trims sampling to 10% to bound
// trace volume; non-prod keeps every span for debugging.
func SetupTracing(endpoint, serviceName string, prod bool) (func(context.Context) error, error) {
	if endpoint == "" {
		slog.Info("otlp endpoint not set; tracing disabled")
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=observability.SetupTracing: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("op=observability.SetupTracing: %w", err)
	}

	samplingRatio := 1.0
	if prod {
		samplingRatio = 0.1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingRatio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing configured", slog.String("endpoint", endpoint), slog.Float64("sampling_ratio", samplingRatio))
	return tp.Shutdown, nil
}
