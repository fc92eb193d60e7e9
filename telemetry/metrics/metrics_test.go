package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, p *PrometheusProvider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheusProviderExposesMetrics(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(Opts{Subsystem: "upload", Name: "batches_total", Help: "test", Labels: []string{"outcome"}})
	c.Inc(3, "success")
	g := p.NewGauge(Opts{Name: "staging_depth", Help: "test"})
	g.Set(7)
	h := p.NewHistogram(Opts{Name: "ratio", Help: "test"}, []float64{0.1, 0.5, 1})
	h.Observe(0.25)

	text := scrape(t, p)
	assert.Contains(t, text, `ecowatt_upload_batches_total{outcome="success"} 3`)
	assert.Contains(t, text, "ecowatt_staging_depth 7")
	assert.Contains(t, text, "ecowatt_ratio_bucket")
	require.NoError(t, p.Health(context.Background()))
}

func TestNamespaceIsAlwaysApplied(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	p.NewCounter(Opts{Name: "boots_total", Help: "test"}).Inc(1)
	assert.Contains(t, scrape(t, p), "ecowatt_boots_total 1")
}

func TestPrometheusProviderReusesRegistrations(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	opts := Opts{Name: "dup_total", Help: "test"}
	a := p.NewCounter(opts)
	b := p.NewCounter(opts)
	a.Inc(1)
	b.Inc(1)
	assert.Contains(t, scrape(t, p), "ecowatt_dup_total 2")
}

func TestInvalidMetricNameFallsBackToNoop(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(Opts{Name: "bad name!"})
	assert.NotPanics(t, func() { c.Inc(1) })
	c = p.NewCounter(Opts{}) // missing name
	assert.NotPanics(t, func() { c.Inc(1) })
}

func TestNoopProviderIsInert(t *testing.T) {
	p := NewNoopProvider()
	assert.NotPanics(t, func() {
		p.NewCounter(Opts{}).Inc(1)
		p.NewGauge(Opts{}).Set(1)
		p.NewHistogram(Opts{}, nil).Observe(1)
	})
	require.NoError(t, p.Health(context.Background()))
}

func TestOTelProviderInstruments(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{ServiceName: "ecowatt-test"})
	assert.NotPanics(t, func() {
		p.NewCounter(Opts{Name: "c", Labels: []string{"k"}}).Inc(1, "v")
		g := p.NewGauge(Opts{Name: "g"})
		g.Set(5)
		g.Set(2) // delta application under the hood
		p.NewHistogram(Opts{Name: "h"}, nil).Observe(0.3)
	})
	require.NoError(t, p.Health(context.Background()))
}

func TestOTelName(t *testing.T) {
	assert.Equal(t, "ecowatt.upload.total", otelName(Opts{Subsystem: "upload", Name: "total"}))
	assert.Equal(t, "ecowatt.total", otelName(Opts{Name: "total"}))
}
