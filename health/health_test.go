package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemon/component"
)

func TestStatusConstructors(t *testing.T) {
	healthy := NewHealthy("receiver", "running")
	assert.True(t, healthy.Healthy)
	assert.True(t, healthy.IsHealthy())
	assert.False(t, healthy.IsDegraded())
	assert.Equal(t, "receiver", healthy.Component)
	assert.False(t, healthy.Timestamp.IsZero())

	unhealthy := NewUnhealthy("store", "open failed")
	assert.False(t, unhealthy.Healthy)
	assert.True(t, unhealthy.IsUnhealthy())

	degraded := NewDegraded("receiver", "drop rate high")
	assert.False(t, degraded.Healthy)
	assert.True(t, degraded.IsDegraded())
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"one unhealthy", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Aggregate("system", tt.subs)
			assert.Equal(t, tt.expected, result.Status)
			assert.Len(t, result.SubStatuses, len(tt.subs))
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"url", "connect to nats://10.0.0.5:4222 refused", "connect to [URL] refused"},
		{"path", "open /var/lib/telemon/events.db failed", "open [PATH] failed"},
		{"ip and port", "dial 192.168.1.100:9999 refused", "dial [IP][PORT] refused"},
		{"credential", "auth token=abc123 rejected", "auth [REDACTED] rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitize(tt.input))
		})
	}
}

func TestFromComponentHealth(t *testing.T) {
	ch := component.HealthStatus{
		Healthy:    false,
		LastCheck:  time.Now(),
		ErrorCount: 3,
		LastError:  "write to /data/events.db failed",
		Uptime:     time.Minute,
	}

	status := FromComponentHealth("store", ch)
	assert.Equal(t, "store", status.Component)
	assert.False(t, status.Healthy)
	assert.Equal(t, "unhealthy", status.Status)
	assert.NotContains(t, status.Message, "/data/events.db")
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 3, status.Metrics.ErrorCount)
	assert.Equal(t, time.Minute, status.Metrics.Uptime)

	healthyStatus := FromComponentHealth("receiver", component.HealthStatus{Healthy: true})
	assert.Equal(t, "healthy", healthyStatus.Status)
	assert.Equal(t, "component healthy", healthyStatus.Message)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, 0, m.Count())

	m.UpdateHealthy("receiver", "running")
	m.UpdateHealthy("store", "running")
	m.UpdateUnhealthy("feed", "disconnected")

	status, exists := m.Get("receiver")
	require.True(t, exists)
	assert.True(t, status.Healthy)

	_, exists = m.Get("missing")
	assert.False(t, exists)

	all := m.GetAll()
	assert.Len(t, all, 3)

	agg := m.AggregateHealth("telemon")
	assert.Equal(t, "unhealthy", agg.Status)
	// Sub-statuses sorted by component name.
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "feed", agg.SubStatuses[0].Component)
	assert.Equal(t, "receiver", agg.SubStatuses[1].Component)
	assert.Equal(t, "store", agg.SubStatuses[2].Component)

	m.UpdateHealthy("feed", "reconnected")
	assert.Equal(t, "healthy", m.AggregateHealth("telemon").Status)

	m.Remove("feed")
	assert.Equal(t, 2, m.Count())

	// Update stamps the component name and timestamp.
	m.Update("engine", Status{Healthy: true, Status: "healthy"})
	status, _ = m.Get("engine")
	assert.Equal(t, "engine", status.Component)
	assert.False(t, status.Timestamp.IsZero())
}

func TestMonitorDegradedAggregation(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("receiver", "running")
	m.UpdateDegraded("store", "flush retries")

	agg := m.AggregateHealth("telemon")
	assert.Equal(t, "degraded", agg.Status)
	assert.False(t, agg.Healthy)
}
