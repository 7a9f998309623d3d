package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, received_at, source_ip, source_port, kind, device_id, payload, batch_id
		FROM events
		ORDER BY received_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByDevice returns up to limit events for one device, newest first.
func (s *Store) EventsByDevice(ctx context.Context, deviceID string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, received_at, source_ip, source_port, kind, device_id, payload, batch_id
		FROM events
		WHERE device_id = ?
		ORDER BY received_at DESC, id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events by device: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GestureDetails returns the gesture rows linked to an event, usually zero
// or one. More than one means the at-least-once write path duplicated it.
func (s *Store) GestureDetails(ctx context.Context, eventID int64) ([]GestureDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, label, buttons, combo_key, duration, device_ts
		FROM gesture_details
		WHERE event_id = ?
		ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query gesture details: %w", err)
	}
	defer rows.Close()

	var details []GestureDetail
	for rows.Next() {
		var d GestureDetail
		var buttonsJSON string
		var deviceTs sql.NullInt64
		if err := rows.Scan(&d.ID, &d.EventID, &d.Label, &buttonsJSON, &d.ComboKey, &d.Duration, &deviceTs); err != nil {
			return nil, fmt.Errorf("scan gesture detail: %w", err)
		}
		if err := json.Unmarshal([]byte(buttonsJSON), &d.Buttons); err != nil {
			return nil, fmt.Errorf("unmarshal buttons: %w", err)
		}
		d.DeviceTimestamp = deviceTs.Int64
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gesture details: %w", err)
	}
	return details, nil
}

// DeviceSummaries returns every device rollup, most recently seen first.
func (s *Store) DeviceSummaries(ctx context.Context) ([]DeviceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, ip_address, first_seen, last_seen, total_count
		FROM devices
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("query device summaries: %w", err)
	}
	defer rows.Close()

	var devices []DeviceSummary
	for rows.Next() {
		var d DeviceSummary
		if err := rows.Scan(&d.DeviceID, &d.IPAddress, &d.FirstSeen, &d.LastSeen, &d.TotalCount); err != nil {
			return nil, fmt.Errorf("scan device summary: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device summaries: %w", err)
	}
	return devices, nil
}

// Device returns one device rollup, or nil when the device is unknown.
func (s *Store) Device(ctx context.Context, deviceID string) (*DeviceSummary, error) {
	var d DeviceSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, ip_address, first_seen, last_seen, total_count
		FROM devices
		WHERE device_id = ?`, deviceID,
	).Scan(&d.DeviceID, &d.IPAddress, &d.FirstSeen, &d.LastSeen, &d.TotalCount)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// EventCount returns the number of persisted events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// UniqueDeviceCount returns the number of distinct devices ever seen.
func (s *Store) UniqueDeviceCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}

// GestureCounts returns persisted gesture totals grouped by label.
func (s *Store) GestureCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, COUNT(*)
		FROM gesture_details
		GROUP BY label`)
	if err != nil {
		return nil, fmt.Errorf("query gesture counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var label string
		var count int64
		if err := rows.Scan(&label, &count); err != nil {
			return nil, fmt.Errorf("scan gesture count: %w", err)
		}
		counts[label] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gesture counts: %w", err)
	}
	return counts, nil
}

// DailySnapshotFor returns the snapshot stored for a date key, or nil when
// none was written.
func (s *Store) DailySnapshotFor(ctx context.Context, date string) (*DailySnapshot, error) {
	var snap DailySnapshot
	var gestureJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT date, total_events, total_errors, unique_devices, gesture_stats
		FROM daily_snapshots
		WHERE date = ?`, date,
	).Scan(&snap.Date, &snap.TotalEvents, &snap.TotalErrors, &snap.UniqueDevices, &gestureJSON)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get daily snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(gestureJSON), &snap.GestureCounts); err != nil {
		return nil, fmt.Errorf("unmarshal gesture stats: %w", err)
	}
	return &snap, nil
}

// scanEvents scans event rows into a slice.
func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent

	for rows.Next() {
		var e StoredEvent
		var deviceID sql.NullString
		var payload string

		if err := rows.Scan(&e.ID, &e.Seq, &e.ReceivedAt, &e.SourceIP, &e.SourcePort,
			&e.Kind, &deviceID, &payload, &e.BatchID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e.DeviceID = deviceID.String
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
