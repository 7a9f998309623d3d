package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/telemon/metric"
)

// queueMetrics exposes buffer activity as Prometheus series. Registration is
// optional; the stats tracker remains the source of truth either way.
type queueMetrics struct {
	writes prometheus.Counter
	reads  prometheus.Counter
	drops  prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newQueueMetrics(registry *metric.Registry, prefix string) (*queueMetrics, error) {
	m := &queueMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telemon",
			Subsystem:   "queue",
			Name:        "writes_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total items written to the queue",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telemon",
			Subsystem:   "queue",
			Name:        "reads_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total items read from the queue",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telemon",
			Subsystem:   "queue",
			Name:        "drops_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total items dropped by the overflow policy",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "telemon",
			Subsystem:   "queue",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current queue depth",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "telemon",
			Subsystem:   "queue",
			Name:        "utilization",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Queue depth over capacity (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(prefix, "queue_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *queueMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *queueMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *queueMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
