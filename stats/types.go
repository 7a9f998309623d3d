package stats

import "time"

// ComboCount is one button combination and how often it was seen.
type ComboCount struct {
	Combo string `json:"combo"`
	Count int64  `json:"count"`
}

// GestureSummary is the per-gesture rollup inside a snapshot. Duration
// figures cover only events with a positive duration; when none have been
// seen, mean, min, max, and the quantiles all report 0.
type GestureSummary struct {
	Label        string       `json:"label"`
	Count        int64        `json:"count"`
	MeanDuration float64      `json:"mean_duration"`
	MinDuration  float64      `json:"min_duration"`
	MaxDuration  float64      `json:"max_duration"`
	P50Duration  float64      `json:"p50_duration"`
	P95Duration  float64      `json:"p95_duration"`
	TopCombos    []ComboCount `json:"top_combos,omitempty"`
	Hourly       [24]int64    `json:"hourly"`
}

// DeviceSummary is the per-device rollup inside a snapshot. Active means
// the device reported within the activity window, five minutes by default.
type DeviceSummary struct {
	DeviceID     string    `json:"device_id"`
	IPAddress    string    `json:"ip_address"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	TotalEvents  int64     `json:"total_events"`
	Active       bool      `json:"active"`
	TopGesture   string    `json:"top_gesture,omitempty"`
	LastRSSI     int       `json:"last_rssi,omitempty"`
	LastFreeHeap int64     `json:"last_free_heap,omitempty"`
}

// ErrorRecord is one recorded processing error.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Snapshot is a consistent point-in-time copy of all aggregate state.
// Mutating a snapshot never affects the aggregator.
type Snapshot struct {
	GeneratedAt       time.Time        `json:"generated_at"`
	Uptime            time.Duration    `json:"uptime"`
	TotalProcessed    int64            `json:"total_processed"`
	TotalErrors       int64            `json:"total_errors"`
	ErrorRatePercent  float64          `json:"error_rate_percent"`
	MessagesPerMinute int              `json:"messages_per_minute"`

	Gestures map[string]GestureSummary `json:"gestures"`

	Devices       []DeviceSummary `json:"devices"`
	TotalDevices  int             `json:"total_devices"`
	ActiveDevices int             `json:"active_devices"`

	HourlyCounts [24]int64        `json:"hourly_counts"`
	DailyCounts  map[string]int64 `json:"daily_counts"`

	ErrorsByType map[string]int64 `json:"errors_by_type,omitempty"`
	RecentErrors []ErrorRecord    `json:"recent_errors,omitempty"`
}

// GestureTotals returns just the per-gesture counts, the shape persisted in
// daily snapshots.
func (s *Snapshot) GestureTotals() map[string]int64 {
	totals := make(map[string]int64, len(s.Gestures))
	for label, g := range s.Gestures {
		totals[label] = g.Count
	}
	return totals
}
