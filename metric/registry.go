// Package metric wraps the Prometheus client with a process-wide registry,
// duplicate-safe registration keyed by component and metric name, and the
// pipeline's core instrument set. All series live under the "telemon"
// namespace.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/telemon/errors"
)

// Registrar is the registration surface handed to components.
type Registrar interface {
	RegisterCounter(component, name string, counter prometheus.Counter) error
	RegisterGauge(component, name string, gauge prometheus.Gauge) error
	RegisterHistogram(component, name string, histogram prometheus.Histogram) error
	RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error
	RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error
	RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error
	Unregister(component, name string) bool
}

// Registry manages metric registration and serves the scrape handler.
type Registry struct {
	prom    *prometheus.Registry
	Core    *Metrics
	entries map[string]prometheus.Collector
	mu      sync.RWMutex
}

// NewRegistry creates a registry preloaded with the core pipeline metrics
// and the Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prom:    prometheus.NewRegistry(),
		entries: make(map[string]prometheus.Collector),
	}

	r.Core = NewMetrics()
	r.prom.MustRegister(
		r.Core.ComponentStatus,
		r.Core.EventsReceived,
		r.Core.EventsProcessed,
		r.Core.ProcessingDuration,
		r.Core.ErrorsTotal,
		r.Core.HealthStatus,
		r.Core.FeedConnected,
		r.Core.FeedReconnects,
	)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Handler returns the HTTP handler for the /metrics scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// register adds a collector under component.name, rejecting duplicates at
// both the registry and Prometheus levels.
func (r *Registry) register(method, component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.entries[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"Registry", method, "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", method,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", method, "prometheus registration")
	}

	r.entries[key] = c
	return nil
}

// RegisterCounter registers a counter for a component.
func (r *Registry) RegisterCounter(component, name string, counter prometheus.Counter) error {
	return r.register("RegisterCounter", component, name, counter)
}

// RegisterGauge registers a gauge for a component.
func (r *Registry) RegisterGauge(component, name string, gauge prometheus.Gauge) error {
	return r.register("RegisterGauge", component, name, gauge)
}

// RegisterHistogram registers a histogram for a component.
func (r *Registry) RegisterHistogram(component, name string, histogram prometheus.Histogram) error {
	return r.register("RegisterHistogram", component, name, histogram)
}

// RegisterCounterVec registers a labeled counter for a component.
func (r *Registry) RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error {
	return r.register("RegisterCounterVec", component, name, vec)
}

// RegisterGaugeVec registers a labeled gauge for a component.
func (r *Registry) RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error {
	return r.register("RegisterGaugeVec", component, name, vec)
}

// RegisterHistogramVec registers a labeled histogram for a component.
func (r *Registry) RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error {
	return r.register("RegisterHistogramVec", component, name, vec)
}

// Unregister removes a previously registered metric.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.entries[key]
	if !exists {
		return false
	}

	if !r.prom.Unregister(collector) {
		return false
	}
	delete(r.entries, key)
	return true
}
