// Package telemetry wires up the OpenTelemetry SDK tracer provider that
// backs graph/emit's OTelEmitter, so HTTP handlers and the session driver
// emit spans through the same tracing path the engine already understands.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops a tracer provider started by Init.
type Shutdown func(ctx context.Context) error

// Init installs a process-wide TracerProvider labeled serviceName and
// returns a Tracer ready to hand to emit.NewOTelEmitter, plus a Shutdown
// func to call during graceful termination.
//
// No span exporter is registered here: wiring a concrete backend (OTLP,
// Jaeger, stdout) is an operator deployment concern, not a debugger default.
// Spans are still sampled and recorded in-process, so RecordError/SetStatus
// calls from OTelEmitter never panic against a nil provider.
func Init(ctx context.Context, serviceName string) (trace.Tracer, Shutdown, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: failed to build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	tracer := tp.Tracer(serviceName)
	return tracer, tp.Shutdown, nil
}
