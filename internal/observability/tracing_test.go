package observability

import (
	"context"
	"testing"
)

func TestNoopTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer shutdown(context.Background())

	ctx, span := tracer.TraceProviderRequest(context.Background(), "anthropic", "claude-sonnet-4")
	EndSpan(span, nil)
	_, span = tracer.TraceToolDispatch(ctx, "dom", "tu1")
	EndSpan(span, nil)
	_, span = tracer.TraceHubMessage(ctx, "send_message", "c1")
	EndSpan(span, nil)
}

func TestNilTracerSafe(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceProviderRequest(context.Background(), "openai", "gpt-4o")
	if span == nil {
		t.Fatal("nil tracer returned nil span")
	}
	EndSpan(span, nil)
	if GetTraceID(ctx) != "" {
		t.Errorf("no-op span produced a trace id")
	}
}
