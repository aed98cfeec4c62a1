package o11y

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/chainguard-dev/terraform-provider-provisioner"

// Attribute keys used on span attributes and clog context values.
const (
	AttrStep     = "step"
	AttrKind     = "kind"
	AttrHost     = "host"
	AttrAttempts = "attempts"
)

// SetupTracing configures the global otel TracerProvider. When
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT is set, spans are exported via OTLP/HTTP.
// The returned func flushes and stops the provider.
func SetupTracing(ctx context.Context) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx, resource.WithFromEnv())
	if err != nil {
		return noop, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// StartStep opens a span for one provisioning step on the global
// TracerProvider. Without SetupTracing it is a no-op span.
func StartStep(ctx context.Context, kind, step string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, kind, trace.WithAttributes(
		attribute.String(AttrStep, step),
		attribute.String(AttrKind, kind),
	))
}

// SetHost records the resolved host on the step span in 'ctx'.
func SetHost(ctx context.Context, host string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(AttrHost, host))
}

// EndStep records the outcome of a step on 'span' and ends it.
func EndStep(span trace.Span, attempts int, err error) {
	span.SetAttributes(attribute.Int(AttrAttempts, attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
