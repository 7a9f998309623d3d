package metric

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, r *Registry) map[string]bool {
	t.Helper()
	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.Prometheus())
	require.NotNil(t, registry.Core)
	require.NotNil(t, registry.Handler())
}

func TestRegistryRegisterCounter(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("receiver", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatherNames(t, registry)["test_counter"])
}

func TestRegistryRegisterGaugeAndHistogram(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})
	require.NoError(t, registry.RegisterGauge("store", "test_gauge", gauge))
	gauge.Set(42.0)

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "A test histogram",
		Buckets: prometheus.DefBuckets,
	})
	require.NoError(t, registry.RegisterHistogram("store", "test_histogram", histogram))
	histogram.Observe(1.5)

	names := gatherNames(t, registry)
	assert.True(t, names["test_gauge"])
	assert.True(t, names["test_histogram"])
}

func TestRegistryRegisterVecs(t *testing.T) {
	registry := NewRegistry()

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_counter_vec",
		Help: "A labeled counter",
	}, []string{"kind"})
	require.NoError(t, registry.RegisterCounterVec("engine", "test_counter_vec", counterVec))
	counterVec.WithLabelValues("gesture_input").Inc()

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge_vec",
		Help: "A labeled gauge",
	}, []string{"device"})
	require.NoError(t, registry.RegisterGaugeVec("stats", "test_gauge_vec", gaugeVec))

	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_histogram_vec",
		Help: "A labeled histogram",
	}, []string{"operation"})
	require.NoError(t, registry.RegisterHistogramVec("store", "test_histogram_vec", histogramVec))

	names := gatherNames(t, registry)
	assert.True(t, names["test_counter_vec"])
	assert.True(t, names["test_histogram_vec"])
}

func TestRegistryPreventDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "counter",
	})
	second := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "counter",
	})

	require.NoError(t, registry.RegisterCounter("receiver", "duplicate_counter", first))

	// Same component.name key rejected before Prometheus sees it.
	err := registry.RegisterCounter("receiver", "duplicate_counter", second)
	assert.Error(t, err)

	// Different key, same series name: Prometheus rejects the collision.
	err = registry.RegisterCounter("store", "duplicate_counter", second)
	assert.Error(t, err)
}

func TestRegistryUnregister(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "removable_counter",
		Help: "counter",
	})
	require.NoError(t, registry.RegisterCounter("receiver", "removable_counter", counter))

	assert.True(t, registry.Unregister("receiver", "removable_counter"))
	assert.False(t, registry.Unregister("receiver", "removable_counter"))
	assert.False(t, gatherNames(t, registry)["removable_counter"])

	// Re-registration works after unregister.
	require.NoError(t, registry.RegisterCounter("receiver", "removable_counter", counter))
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", n),
				Help: "counter",
			})
			errs[n] = registry.RegisterCounter("receiver", fmt.Sprintf("concurrent_counter_%d", n), counter)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestCoreMetricsRecorders(t *testing.T) {
	registry := NewRegistry()
	core := registry.Core

	core.RecordComponentStatus("receiver", 2)
	core.RecordEventReceived("receiver", "gesture_input")
	core.RecordEventProcessed("engine", "gesture_input", "ok")
	core.RecordProcessingDuration("store", "flush", 15*time.Millisecond)
	core.RecordError("parser", "malformed")
	core.RecordHealthStatus("receiver", true)
	core.RecordFeedStatus(true)
	core.RecordFeedReconnect()

	names := gatherNames(t, registry)
	assert.True(t, names["telemon_component_status"])
	assert.True(t, names["telemon_events_received_total"])
	assert.True(t, names["telemon_events_processed_total"])
	assert.True(t, names["telemon_processing_duration_seconds"])
	assert.True(t, names["telemon_errors_total"])
	assert.True(t, names["telemon_health_status"])
	assert.True(t, names["telemon_feed_connected"])
	assert.True(t, names["telemon_feed_reconnects_total"])
}
