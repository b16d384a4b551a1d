package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// TracingOptions selects the span exporter. An empty Exporter leaves the
// global no-op tracer provider in place.
type TracingOptions struct {
	Exporter     string // "", "none", "stdout" or "otlp"
	OTLPEndpoint string
	OTLPInsecure bool
	ServiceName  string
	Environment  string
}

// SetupTracing installs a global tracer provider and returns its shutdown
// function. Pipeline spans are created through otel.Tracer, so they become
// live as soon as this runs.
func SetupTracing(ctx context.Context, opts TracingOptions, logger zerolog.Logger) (func(context.Context) error, error) {
	exporter := strings.ToLower(strings.TrimSpace(opts.Exporter))
	if exporter == "" || exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "lipstream"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("deployment.environment", opts.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	switch exporter {
	case "stdout":
		spanExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		endpoint := strings.TrimSpace(opts.OTLPEndpoint)
		if endpoint == "" {
			return nil, fmt.Errorf("tracing: otlp exporter requires an endpoint")
		}
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if opts.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		spanExporter, err = otlptracegrpc.New(ctx, grpcOpts...)
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing exporter %s: %w", exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info().Str("exporter", exporter).Str("endpoint", opts.OTLPEndpoint).Msg("tracing initialized")
	return tp.Shutdown, nil
}
