// Package metrics exports pool state and pool events in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/xpool/internal/process"
)

const namespace = "xpool"

// Source is anything that can report synchronized worker info, such as
// *process.Pool.
type Source interface {
	Snapshot() []process.Info
}

// Exporter owns a private registry holding the pool collector, the event
// counters and the Go runtime collectors.
type Exporter struct {
	registry *prometheus.Registry
	recorder *Recorder
	handler  http.Handler
}

// NewExporter creates an exporter reading pool state from source.
func NewExporter(source Source) *Exporter {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder()

	registry.MustRegister(
		NewPoolCollector(source),
		recorder,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	return &Exporter{
		registry: registry,
		recorder: recorder,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}
}

// Recorder returns the event counters so they can be subscribed to a bus.
func (e *Exporter) Recorder() *Recorder {
	return e.recorder
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns the /metrics HTTP handler.
func (e *Exporter) Handler() http.Handler {
	return e.handler
}
