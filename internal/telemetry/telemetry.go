// Package telemetry wires OpenTelemetry tracing for the request pipeline.
// With no OTLP endpoint configured, spans become no-ops.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencode-ai/gateway/internal/domain"
)

const serviceVersion = "0.1.0"

var tracer trace.Tracer

// Init configures the OTLP/gRPC exporter and returns its shutdown hook.
// An empty endpoint leaves the global no-op provider in place.
func Init(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(serviceName)

	slog.Info("telemetry initialized", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("gateway")
	}
	return tracer.Start(ctx, name, opts...)
}

// AddRequestAttributes tags a span with the routing decision for this
// attempt.
func AddRequestAttributes(span trace.Span, model, provider, requestID string) {
	span.SetAttributes(
		attribute.String("model", model),
		attribute.String("provider", provider),
		attribute.String("request.id", requestID),
	)
}

func AddWorkspaceAttribute(span trace.Span, workspaceID string) {
	span.SetAttributes(attribute.String("workspace.id", workspaceID))
}

func AddTokenAttributes(span trace.Span, usage domain.TokenUsage) {
	span.SetAttributes(
		attribute.Int64("tokens.input", usage.InputTokens),
		attribute.Int64("tokens.output", usage.OutputTokens),
		attribute.Int64("tokens.reasoning", usage.ReasoningTokens),
		attribute.Int64("tokens.cache_read", usage.CacheReadTokens),
		attribute.Int64("tokens.total", usage.Total()),
	)
}

func AddCostAttribute(span trace.Span, microCents int64) {
	span.SetAttributes(attribute.Int64("cost.micro_cents", microCents))
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(attribute.String("error.message", err.Error()))
	span.RecordError(err)
}

// TraceID exposes the active trace for log correlation.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
