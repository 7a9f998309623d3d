package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline-level instruments shared by all components.
// Component-specific series register themselves through the Registry.
type Metrics struct {
	ComponentStatus    *prometheus.GaugeVec
	EventsReceived     *prometheus.CounterVec
	EventsProcessed    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthStatus       *prometheus.GaugeVec

	FeedConnected  prometheus.Gauge
	FeedReconnects prometheus.Counter
}

// NewMetrics creates the core instrument set.
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "telemon",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemon",
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Telemetry events received, by kind",
			},
			[]string{"component", "kind"},
		),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemon",
				Subsystem: "events",
				Name:      "processed_total",
				Help:      "Telemetry events processed, by kind and outcome",
			},
			[]string{"component", "kind", "status"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "telemon",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemon",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors encountered, by type",
			},
			[]string{"component", "type"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "telemon",
				Subsystem: "health",
				Name:      "status",
				Help:      "Component health (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		FeedConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemon",
				Subsystem: "feed",
				Name:      "connected",
				Help:      "Live feed connection status (0=disconnected, 1=connected)",
			},
		),

		FeedReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "telemon",
				Subsystem: "feed",
				Name:      "reconnects_total",
				Help:      "Live feed reconnections",
			},
		),
	}
}

// RecordComponentStatus updates a component's lifecycle status gauge.
func (m *Metrics) RecordComponentStatus(component string, status int) {
	m.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordEventReceived counts one received event of the given kind.
func (m *Metrics) RecordEventReceived(component, kind string) {
	m.EventsReceived.WithLabelValues(component, kind).Inc()
}

// RecordEventProcessed counts one processed event with its outcome.
func (m *Metrics) RecordEventProcessed(component, kind, status string) {
	m.EventsProcessed.WithLabelValues(component, kind, status).Inc()
}

// RecordProcessingDuration records how long an operation took.
func (m *Metrics) RecordProcessingDuration(component, operation string, d time.Duration) {
	m.ProcessingDuration.WithLabelValues(component, operation).Observe(d.Seconds())
}

// RecordError counts one error of the given type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates a component's health gauge.
func (m *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.HealthStatus.WithLabelValues(component).Set(value)
}

// RecordFeedStatus updates the live feed connection gauge.
func (m *Metrics) RecordFeedStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.FeedConnected.Set(value)
}

// RecordFeedReconnect counts one live feed reconnection.
func (m *Metrics) RecordFeedReconnect() {
	m.FeedReconnects.Inc()
}
