package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an otel tracer with span helpers for the three hot paths
// this runtime traces: provider streaming, tool dispatch, and hub
// control-plane message handling.
type Tracer struct {
	tracer trace.Tracer
}

// TraceConfig configures OTLP export.
type TraceConfig struct {
	// Endpoint is the OTLP gRPC collector address (host:port). Empty
	// disables export and yields a no-op tracer.
	Endpoint string

	// ServiceName defaults to "sentryhub".
	ServiceName string

	// SampleRate in [0,1]; 0 means always-on (the local-hub default).
	SampleRate float64

	// Insecure disables TLS on the exporter connection.
	Insecure bool
}

// NewTracer builds a Tracer and returns it with a shutdown function that
// flushes the exporter. An empty endpoint yields a no-op tracer and a no-op
// shutdown.
func NewTracer(ctx context.Context, config TraceConfig) (*Tracer, func(context.Context) error, error) {
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer("sentryhub")}, func(context.Context) error { return nil }, nil
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "sentryhub"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: create otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: build resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if config.SampleRate > 0 && config.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{tracer: provider.Tracer("sentryhub")}, provider.Shutdown, nil
}

// Start begins a span. Nil-safe: a nil Tracer returns the context unchanged
// with a no-op span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx)), trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceProviderRequest spans one streamed completion request.
func (t *Tracer) TraceProviderRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "provider.stream",
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
}

// TraceToolDispatch spans one tool call through the dispatch partition.
func (t *Tracer) TraceToolDispatch(ctx context.Context, tool, toolUseID string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.dispatch",
		attribute.String("tool", tool),
		attribute.String("tool_use_id", toolUseID),
	)
}

// TraceHubMessage spans one control-plane message.
func (t *Tracer) TraceHubMessage(ctx context.Context, msgType, clientID string) (context.Context, trace.Span) {
	return t.Start(ctx, "hub.message",
		attribute.String("message_type", msgType),
		attribute.String("client_id", clientID),
	)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// GetTraceID returns the hex trace id of the current span, or "".
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
