package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// NewOTelTracer wraps an OpenTelemetry SDK tracer behind the Tracer
// interface. Span processors/exporters are the caller's concern; with none
// configured the SDK records into a no-export provider, which is what the
// on-device diagnostics mode uses.
func NewOTelTracer(serviceName string) Tracer {
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		res = sdkresource.Default()
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	return &otelTracer{tracer: tp.Tracer(serviceName)}
}

type otelTracer struct {
	tracer oteltrace.Tracer
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: sp}
}

func (t *otelTracer) Noop() bool { return false }

type otelSpan struct {
	span  oteltrace.Span
	ended bool
}

func (s *otelSpan) End() {
	if !s.ended {
		s.span.End()
		s.ended = true
	}
}

func (s *otelSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	}
}

func (s *otelSpan) Context() SpanContext {
	sc := s.span.SpanContext()
	return SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

func (s *otelSpan) IsEnded() bool { return s.ended }
