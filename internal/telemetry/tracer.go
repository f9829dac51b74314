// Package telemetry wires OpenTelemetry tracing into policyd, installing a
// process-wide TracerProvider that either exports nothing (the default, for
// zero overhead) or pretty-prints spans to stderr when the tracing.stdout
// config knob is set: a Merge'd resource, a conditional stdout exporter,
// otel.SetTracerProvider, and a shutdown func returned for the caller to
// defer.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName is the resource attribute attached to every span policyd
// emits.
const ServiceName = "policyd"

// InitTracer installs a TracerProvider as the process-wide default and
// returns a shutdown func to defer. When enabled is false it installs the
// library's built-in no-op provider (otel.Tracer calls become free) rather
// than a real SDK provider with no exporters, so tracing stays zero
// overhead when disabled.
func InitTracer(enabled, stdout bool, logger *slog.Logger) (func(context.Context) error, error) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		logger.Info("tracing disabled, using no-op tracer")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if stdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("tracing enabled", "exporter", "stdout")
	} else {
		logger.Info("tracing enabled", "exporter", "none (spans recorded, not exported)")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
