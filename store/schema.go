package store

import "encoding/json"

// Schema for the telemetry event store. Timestamps are Unix milliseconds.
// Gesture details cascade with their primary event so retention cleanup
// never leaves dangling rows behind.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    seq         INTEGER NOT NULL,
    received_at INTEGER NOT NULL,
    source_ip   TEXT NOT NULL,
    source_port INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    device_id   TEXT,
    payload     TEXT NOT NULL,
    batch_id    TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id, received_at);

CREATE TABLE IF NOT EXISTS gesture_details (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id   INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    label      TEXT NOT NULL,
    buttons    TEXT NOT NULL,
    combo_key  TEXT NOT NULL,
    duration   REAL NOT NULL,
    device_ts  INTEGER,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gesture_details_label ON gesture_details(label);
CREATE INDEX IF NOT EXISTS idx_gesture_details_event ON gesture_details(event_id);

CREATE TABLE IF NOT EXISTS devices (
    device_id   TEXT PRIMARY KEY,
    ip_address  TEXT NOT NULL,
    first_seen  INTEGER NOT NULL,
    last_seen   INTEGER NOT NULL,
    total_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);

CREATE TABLE IF NOT EXISTS daily_snapshots (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    date           TEXT NOT NULL UNIQUE,
    total_events   INTEGER NOT NULL,
    total_errors   INTEGER NOT NULL,
    unique_devices INTEGER NOT NULL,
    gesture_stats  TEXT NOT NULL,
    created_at     INTEGER NOT NULL
);
`

// StoredEvent is one persisted primary event record.
type StoredEvent struct {
	ID         int64           `json:"id"`
	Seq        uint64          `json:"seq"`
	ReceivedAt int64           `json:"received_at"`
	SourceIP   string          `json:"source_ip"`
	SourcePort int             `json:"source_port"`
	Kind       string          `json:"kind"`
	DeviceID   string          `json:"device_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	BatchID    string          `json:"batch_id"`
}

// GestureDetail is one persisted gesture record, linked to its primary event.
type GestureDetail struct {
	ID              int64   `json:"id"`
	EventID         int64   `json:"event_id"`
	Label           string  `json:"label"`
	Buttons         []int   `json:"buttons"`
	ComboKey        string  `json:"combo_key"`
	Duration        float64 `json:"duration"`
	DeviceTimestamp int64   `json:"device_ts,omitempty"`
}

// DeviceSummary is the per-device rollup row. FirstSeen is preserved across
// updates, LastSeen only moves forward, TotalCount only grows.
type DeviceSummary struct {
	DeviceID   string `json:"device_id"`
	IPAddress  string `json:"ip_address"`
	FirstSeen  int64  `json:"first_seen"`
	LastSeen   int64  `json:"last_seen"`
	TotalCount int64  `json:"total_count"`
}

// DailySnapshot is one calendar day's aggregate, keyed by its UTC date.
// Writing the same date twice replaces the earlier snapshot.
type DailySnapshot struct {
	Date          string           `json:"date"`
	TotalEvents   int64            `json:"total_events"`
	TotalErrors   int64            `json:"total_errors"`
	UniqueDevices int64            `json:"unique_devices"`
	GestureCounts map[string]int64 `json:"gesture_counts"`
}
