package stats

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/c360/telemon/errors"
	"github.com/c360/telemon/telemetry"
)

var baseTime = time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAggregator(clock *fakeClock, cfg Config) *Aggregator {
	return New(Deps{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clock.Now,
	})
}

func gestureEvent(device, label string, buttons []int, duration float64, at time.Time) *telemetry.TelemetryEvent {
	return &telemetry.TelemetryEvent{
		Kind:       telemetry.KindGesture,
		Addr:       netip.MustParseAddrPort("10.0.0.7:40000"),
		ReceivedAt: at,
		DeviceID:   device,
		Gesture: &telemetry.GesturePayload{
			Label:    label,
			Buttons:  telemetry.NormalizeButtons(buttons),
			Duration: duration,
		},
	}
}

func heartbeatEvent(device string, rssi int, freeHeap int64, at time.Time) *telemetry.TelemetryEvent {
	return &telemetry.TelemetryEvent{
		Kind:       telemetry.KindHeartbeat,
		Addr:       netip.MustParseAddrPort("10.0.0.8:40001"),
		ReceivedAt: at,
		DeviceID:   device,
		Heartbeat: &telemetry.HeartbeatPayload{
			WifiRSSI: rssi,
			FreeHeap: freeHeap,
		},
	}
}

func TestObserveSingleClickPair(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(gestureEvent("device-x", "single_click", []int{1, 2}, 0.5, clock.Now()))
	agg.Observe(gestureEvent("device-x", "single_click", []int{2, 1}, 0.3, clock.Now()))

	snap := agg.Snapshot()
	assert.Equal(t, int64(2), snap.TotalProcessed)
	assert.Equal(t, int64(0), snap.TotalErrors)

	g, ok := snap.Gestures["single_click"]
	require.True(t, ok)
	assert.Equal(t, int64(2), g.Count)
	assert.InDelta(t, 0.4, g.MeanDuration, 1e-9)
	assert.InDelta(t, 0.3, g.MinDuration, 1e-9)
	assert.InDelta(t, 0.5, g.MaxDuration, 1e-9)
	require.Len(t, g.TopCombos, 1)
	assert.Equal(t, ComboCount{Combo: "1-2", Count: 2}, g.TopCombos[0])

	require.Len(t, snap.Devices, 1)
	dev := snap.Devices[0]
	assert.Equal(t, "device-x", dev.DeviceID)
	assert.Equal(t, "10.0.0.7", dev.IPAddress)
	assert.Equal(t, int64(2), dev.TotalEvents)
	assert.True(t, dev.Active)
	assert.Equal(t, "single_click", dev.TopGesture)
}

func TestObserveZeroDurationExcludedFromTiming(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	for i := 0; i < 3; i++ {
		agg.Observe(gestureEvent("d1", "tap", []int{1}, 0, clock.Now()))
	}

	g := agg.Snapshot().Gestures["tap"]
	assert.Equal(t, int64(3), g.Count)
	assert.Zero(t, g.MeanDuration)
	assert.Zero(t, g.MinDuration)
	assert.Zero(t, g.MaxDuration)
	assert.Zero(t, g.P50Duration)
	assert.Zero(t, g.P95Duration)

	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.5, clock.Now()))

	g = agg.Snapshot().Gestures["tap"]
	assert.Equal(t, int64(4), g.Count)
	assert.InDelta(t, 0.5, g.MeanDuration, 1e-9)
	assert.InDelta(t, 0.5, g.MinDuration, 1e-9)
	assert.InDelta(t, 0.5, g.MaxDuration, 1e-9)
}

func TestObserveIncrementalMean(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	for _, d := range []float64{1, 2, 3, 4} {
		agg.Observe(gestureEvent("d1", "hold", []int{3}, d, clock.Now()))
	}

	g := agg.Snapshot().Gestures["hold"]
	assert.InDelta(t, 2.5, g.MeanDuration, 1e-9)
	assert.InDelta(t, 1.0, g.MinDuration, 1e-9)
	assert.InDelta(t, 4.0, g.MaxDuration, 1e-9)
	assert.Greater(t, g.P50Duration, 0.0)
	assert.GreaterOrEqual(t, g.P95Duration, g.P50Duration)
}

func TestQuantilesConvergeOnUniformValue(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	for i := 0; i < 50; i++ {
		agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.25, clock.Now()))
	}

	g := agg.Snapshot().Gestures["tap"]
	assert.InDelta(t, 0.25, g.P50Duration, 0.01)
	assert.InDelta(t, 0.25, g.P95Duration, 0.01)
}

func TestTopCombosLimitAndOrder(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	emit := func(buttons []int, times int) {
		for i := 0; i < times; i++ {
			agg.Observe(gestureEvent("d1", "press", buttons, 0.1, clock.Now()))
		}
	}
	emit([]int{1}, 5)
	emit([]int{2}, 3)
	emit([]int{3}, 3)
	emit([]int{4}, 1)

	g := agg.Snapshot().Gestures["press"]
	require.Len(t, g.TopCombos, 3)
	assert.Equal(t, ComboCount{Combo: "1", Count: 5}, g.TopCombos[0])
	assert.Equal(t, ComboCount{Combo: "2", Count: 3}, g.TopCombos[1])
	assert.Equal(t, ComboCount{Combo: "3", Count: 3}, g.TopCombos[2])
}

func TestCombosMergeRegardlessOfButtonOrder(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(gestureEvent("d1", "press", []int{3, 1}, 0.1, clock.Now()))
	agg.Observe(gestureEvent("d1", "press", []int{1, 3}, 0.1, clock.Now()))
	agg.Observe(gestureEvent("d1", "press", nil, 0.1, clock.Now()))

	g := agg.Snapshot().Gestures["press"]
	require.Len(t, g.TopCombos, 1)
	assert.Equal(t, ComboCount{Combo: "1-3", Count: 2}, g.TopCombos[0])
}

func TestMessagesPerMinuteTrailingWindow(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	for i := 0; i < 3; i++ {
		agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, clock.Now()))
	}
	clock.Advance(30 * time.Second)
	for i := 0; i < 2; i++ {
		agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, clock.Now()))
	}
	clock.Advance(45 * time.Second)

	snap := agg.Snapshot()
	assert.Equal(t, 2, snap.MessagesPerMinute)
	assert.Equal(t, int64(5), snap.TotalProcessed)
}

func TestRateWindowIsBoundedAndLazilyEvicted(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{WindowCapacity: 5})

	for i := 0; i < 8; i++ {
		agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, clock.Now()))
	}
	assert.Equal(t, 5, agg.window.size())

	// Crossing the activity window triggers eviction on the next observe.
	clock.Advance(6 * time.Minute)
	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, clock.Now()))
	assert.Equal(t, 1, agg.window.size())
}

func TestMaintainPrunesDailyCounters(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, clock.Now()))
	require.Len(t, agg.Snapshot().DailyCounts, 1)

	clock.Advance(40 * 24 * time.Hour)
	agg.Maintain()

	snap := agg.Snapshot()
	assert.Empty(t, snap.DailyCounts)
	assert.Equal(t, 0, snap.MessagesPerMinute)
	assert.Equal(t, int64(1), snap.TotalProcessed)
}

func TestActiveDeviceWindow(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(gestureEvent("alpha", "tap", []int{1}, 0.1, clock.Now()))
	agg.Observe(gestureEvent("beta", "tap", []int{1}, 0.1, clock.Now()))

	clock.Advance(6 * time.Minute)
	agg.Observe(gestureEvent("beta", "tap", []int{1}, 0.1, clock.Now()))

	snap := agg.Snapshot()
	assert.Equal(t, 2, snap.TotalDevices)
	assert.Equal(t, 1, snap.ActiveDevices)

	require.Len(t, snap.Devices, 2)
	assert.Equal(t, "beta", snap.Devices[0].DeviceID)
	assert.True(t, snap.Devices[0].Active)
	assert.Equal(t, "alpha", snap.Devices[1].DeviceID)
	assert.False(t, snap.Devices[1].Active)
}

func TestDeviceOrderTieBreaksOnID(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(gestureEvent("beta", "tap", []int{1}, 0.1, clock.Now()))
	agg.Observe(gestureEvent("alpha", "tap", []int{1}, 0.1, clock.Now()))

	devices := agg.Snapshot().Devices
	require.Len(t, devices, 2)
	assert.Equal(t, "alpha", devices[0].DeviceID)
	assert.Equal(t, "beta", devices[1].DeviceID)
}

func TestHeartbeatUpdatesDeviceRadio(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(heartbeatEvent("esp-1", -61, 152000, clock.Now()))

	snap := agg.Snapshot()
	require.Len(t, snap.Devices, 1)
	dev := snap.Devices[0]
	assert.Equal(t, "esp-1", dev.DeviceID)
	assert.Equal(t, int64(1), dev.TotalEvents)
	assert.Equal(t, -61, dev.LastRSSI)
	assert.Equal(t, int64(152000), dev.LastFreeHeap)
	assert.Empty(t, dev.TopGesture)
	assert.Empty(t, snap.Gestures)
}

func TestUnknownKindCountsTowardVolume(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(&telemetry.TelemetryEvent{
		Kind:       telemetry.KindUnknown,
		ReceivedAt: clock.Now(),
		DeviceID:   "mystery",
		Fields:     map[string]any{"type": "diagnostic"},
	})

	snap := agg.Snapshot()
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Empty(t, snap.Gestures)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, int64(1), snap.Devices[0].TotalEvents)
}

func TestObserveNilIsNoop(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(nil)
	assert.Equal(t, int64(0), agg.Snapshot().TotalProcessed)
}

func TestErrorRate(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	for i := 0; i < 3; i++ {
		agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, clock.Now()))
	}
	agg.RecordError("malformed", errors.New("bad payload"))

	snap := agg.Snapshot()
	assert.Equal(t, int64(1), snap.TotalErrors)
	assert.InDelta(t, 33.33, snap.ErrorRatePercent, 1e-9)
	assert.Equal(t, int64(1), snap.ErrorsByType["malformed"])
	require.Len(t, snap.RecentErrors, 1)
	assert.Equal(t, "malformed", snap.RecentErrors[0].Kind)
	assert.Equal(t, "bad payload", snap.RecentErrors[0].Message)
}

func TestErrorRateWithNothingProcessed(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.RecordError("malformed", errors.New("bad payload"))
	agg.RecordError("malformed", errors.New("bad payload"))

	// The denominator clamps at one so an idle session still reports a
	// finite rate.
	assert.InDelta(t, 200.0, agg.Snapshot().ErrorRatePercent, 1e-9)
}

func TestRecentErrorsBounded(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{RecentErrors: 3})

	for _, name := range []string{"one", "two", "three", "four", "five"} {
		agg.RecordError("invalid_field", errors.New(name))
	}

	require.Len(t, agg.recentErrors, 3)
	snap := agg.Snapshot()
	require.Len(t, snap.RecentErrors, 3)
	assert.Equal(t, "three", snap.RecentErrors[0].Message)
	assert.Equal(t, "five", snap.RecentErrors[2].Message)
}

func TestHourlyHistogram(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	at14 := time.Date(2025, 6, 15, 14, 5, 0, 0, time.UTC)
	at15 := time.Date(2025, 6, 15, 15, 5, 0, 0, time.UTC)

	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, at14))
	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, at14))
	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, at15))

	snap := agg.Snapshot()
	assert.Equal(t, int64(2), snap.HourlyCounts[14])
	assert.Equal(t, int64(1), snap.HourlyCounts[15])
	assert.Equal(t, int64(2), snap.Gestures["tap"].Hourly[14])
	assert.Equal(t, int64(1), snap.Gestures["tap"].Hourly[15])
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.1, clock.Now()))
	first := agg.Snapshot()

	agg.Observe(gestureEvent("d1", "tap", []int{1}, 0.9, clock.Now()))
	assert.Equal(t, int64(1), first.TotalProcessed)
	assert.Equal(t, int64(1), first.Gestures["tap"].Count)

	// Mutating a snapshot never leaks back into the aggregator.
	first.DailyCounts["2099-01-01"] = 99
	delete(first.Gestures, "tap")
	second := agg.Snapshot()
	assert.Equal(t, int64(2), second.TotalProcessed)
	assert.NotContains(t, second.DailyCounts, "2099-01-01")
	assert.Contains(t, second.Gestures, "tap")
}

func TestSnapshotUptime(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	clock.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, agg.Snapshot().Uptime)
}

func TestGestureTotals(t *testing.T) {
	clock := newFakeClock(baseTime)
	agg := newTestAggregator(clock, Config{})

	agg.Observe(gestureEvent("d1", "single_click", []int{1}, 0.1, clock.Now()))
	agg.Observe(gestureEvent("d1", "single_click", []int{1}, 0.1, clock.Now()))
	agg.Observe(gestureEvent("d1", "long_press", []int{2}, 1.2, clock.Now()))

	totals := agg.Snapshot().GestureTotals()
	assert.Equal(t, map[string]int64{"single_click": 2, "long_press": 1}, totals)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero config is fine", cfg: Config{}},
		{name: "defaults are fine", cfg: DefaultConfig()},
		{name: "negative window capacity", cfg: Config{WindowCapacity: -1}, wantErr: true},
		{name: "negative active window", cfg: Config{ActiveWindow: -time.Second}, wantErr: true},
		{name: "negative recent errors", cfg: Config{RecentErrors: -5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
			assert.True(t, apperrors.IsInvalid(err))
		})
	}
}
