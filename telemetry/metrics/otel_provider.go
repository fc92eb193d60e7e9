package metrics

// OpenTelemetry bridge implementing the Provider interface. Keeps the
// agent's instrumentation seam stable while allowing deployments to opt
// into OTEL exporters. Gauges simulate Set semantics via an UpDownCounter
// delta.

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type OTelProviderOptions struct {
	ServiceName string // reserved for future resource attribution
}

// NewOTelProvider returns a metrics.Provider backed by an OTEL
// MeterProvider. Exporters, views, and resource attributes can be layered
// on by callers using the SDK provider; zero-config by default.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	mp := sdkmetric.NewMeterProvider()
	return &otelProvider{mp: mp, meter: mp.Meter(Namespace)}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

// otelName composes namespace.subsystem.name in the OTEL dot convention.
func otelName(o Opts) string {
	out := Namespace
	if o.Subsystem != "" {
		out += "." + o.Subsystem
	}
	return out + "." + o.Name
}

func (p *otelProvider) NewCounter(o Opts) Counter {
	inst, err := p.meter.Float64Counter(otelName(o), metric.WithDescription(o.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: o.Labels}
}

func (p *otelProvider) NewGauge(o Opts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(otelName(o), metric.WithDescription(o.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labelKeys: o.Labels}
}

func (p *otelProvider) NewHistogram(o Opts, buckets []float64) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(o), metric.WithDescription(o.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: o.Labels}
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c *otelCounter) Inc(delta float64, labelValues ...string) {
	if delta <= 0 {
		return
	}
	ctx := context.Background()
	if attrs := toAttributes(c.labelKeys, labelValues); attrs != nil {
		c.c.Add(ctx, delta, metric.WithAttributes(attrs...))
		return
	}
	c.c.Add(ctx, delta)
}

type otelGauge struct {
	g         metric.Float64UpDownCounter
	mu        sync.Mutex
	value     float64
	labelKeys []string
}

func (g *otelGauge) Set(v float64, labelValues ...string) {
	g.mu.Lock()
	diff := v - g.value
	g.value = v
	g.mu.Unlock()
	if diff == 0 {
		return
	}
	g.add(diff, labelValues)
}

func (g *otelGauge) Add(delta float64, labelValues ...string) {
	if delta == 0 {
		return
	}
	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
	g.add(delta, labelValues)
}

func (g *otelGauge) add(delta float64, labelValues []string) {
	ctx := context.Background()
	if attrs := toAttributes(g.labelKeys, labelValues); attrs != nil {
		g.g.Add(ctx, delta, metric.WithAttributes(attrs...))
		return
	}
	g.g.Add(ctx, delta)
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h *otelHistogram) Observe(value float64, labelValues ...string) {
	ctx := context.Background()
	if attrs := toAttributes(h.labelKeys, labelValues); attrs != nil {
		h.h.Record(ctx, value, metric.WithAttributes(attrs...))
		return
	}
	h.h.Record(ctx, value)
}

// toAttributes converts parallel key/value slices into attribute KeyValues.
func toAttributes(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	if n == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}
