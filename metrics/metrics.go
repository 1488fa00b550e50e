// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's instruments on a private registry, so
// tests can build as many instances as they need without duplicate
// registration panics.
type Metrics struct {
	registry *prometheus.Registry

	CallsTotal       *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	ConnectedWorkers prometheus.Gauge
	StreamBytesTotal *prometheus.CounterVec
}

// New creates a metrics set with the standard process and Go collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pacsbridge_calls_total",
			Help: "Completed calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacsbridge_call_retries_total",
			Help: "Call attempts beyond the first.",
		}),
		ConnectedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pacsbridge_connected_workers",
			Help: "Worker connections currently held by this process.",
		}),
		StreamBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pacsbridge_stream_bytes_total",
			Help: "Bytes moved through chunked transfers by direction.",
		}, []string{"direction"}),
	}
	registry.MustRegister(m.CallsTotal, m.RetriesTotal, m.ConnectedWorkers, m.StreamBytesTotal)
	return m
}

// ObserveCall records one completed call.
func (m *Metrics) ObserveCall(kind, outcome string) {
	m.CallsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRetry records one retried attempt.
func (m *Metrics) ObserveRetry() {
	m.RetriesTotal.Inc()
}

// AddStreamBytes records transferred bytes for "download" or "upload".
func (m *Metrics) AddStreamBytes(direction string, n int) {
	m.StreamBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
