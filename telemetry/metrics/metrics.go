// Package metrics is the agent's instrumentation seam. Tasks describe an
// instrument by subsystem and name; the provider owns the namespace and
// the backend (Prometheus by default, OTEL or none by configuration), so
// queue drops, batch ratios, and deadline misses are recorded identically
// whatever the deployment exports.
package metrics

import "context"

// Namespace prefixes every instrument the agent registers.
const Namespace = "ecowatt"

// Opts describes one instrument. Subsystem groups instruments by task
// ("compress", "upload", "watchdog"); Labels declares the label keys whose
// values are supplied at observation time, in the same order.
type Opts struct {
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

// Provider is the backend contract. Construction never fails: a
// misdescribed instrument degrades to a no-op so an instrumentation bug
// cannot take the pipeline down.
type Provider interface {
	NewCounter(o Opts) Counter
	NewGauge(o Opts) Gauge
	NewHistogram(o Opts, buckets []float64) Histogram
	Health(ctx context.Context) error
}

// Counter accumulates monotonically.
type Counter interface {
	Inc(delta float64, labelValues ...string)
}

// Gauge holds a settable level.
type Gauge interface {
	Set(v float64, labelValues ...string)
	Add(delta float64, labelValues ...string)
}

// Histogram records observations into configured buckets.
type Histogram interface {
	Observe(v float64, labelValues ...string)
}

// noop backend ---------------------------------------------------------------

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}

// NewNoopProvider returns the disabled backend.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(Opts) Counter                { return noopCounter{} }
func (noopProvider) NewGauge(Opts) Gauge                    { return noopGauge{} }
func (noopProvider) NewHistogram(Opts, []float64) Histogram { return noopHistogram{} }
func (noopProvider) Health(context.Context) error           { return nil }
func (noopCounter) Inc(float64, ...string)                  {}
func (noopGauge) Set(float64, ...string)                    {}
func (noopGauge) Add(float64, ...string)                    {}
func (noopHistogram) Observe(float64, ...string)            {}
