package tracing

// Lightweight span tracing for task-loop diagnostics. The default tracer is
// an in-process adaptive sampler; an OTEL-backed tracer is available for
// deployments that export spans (see otel.go).

import (
	randcrypto "crypto/rand"
	"context"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"
)

type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool                   { return true }
func (noopSpan) End()                           {}
func (noopSpan) SetAttribute(string, any)       {}
func (noopSpan) Context() SpanContext           { return SpanContext{} }
func (noopSpan) IsEnded() bool                  { return true }

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

// NewAdaptiveTracer samples new traces at the percentage returned by
// percentFn at span-start time; child spans of sampled traces are always kept.
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	return &adaptiveTracer{policyFn: percentFn}
}

type adaptiveTracer struct{ policyFn func() float64 }

func (a *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := spanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		pct := a.policyFn()
		if pct <= 0 || rand.Float64()*100 > pct {
			return ctx, noopSpan{}
		}
		traceID = newID(16)
	}
	sp := &simpleSpan{ctx: SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.ctx.SpanID, Start: time.Now()}, attrs: make(map[string]any)}
	return context.WithValue(ctx, spanKey{}, sp), sp
}
func (a *adaptiveTracer) Noop() bool { return false }

type simpleSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func (s *simpleSpan) End() {
	s.mu.Lock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
	s.mu.Unlock()
}

func (s *simpleSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
	s.mu.Unlock()
}

func (s *simpleSpan) Context() SpanContext { return s.ctx }

func (s *simpleSpan) IsEnded() bool {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	return ended
}

type spanKey struct{}

func spanFromContext(ctx context.Context) *simpleSpan {
	if ctx == nil {
		return &simpleSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs returns the trace/span identifiers carried by ctx, empty when
// the context carries no sampled span.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := spanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
