// Package timestamp standardizes time handling on int64 Unix milliseconds.
//
// Device clocks, the persisted layout, and the wire format all speak
// milliseconds since the Unix epoch (UTC). A value of 0 means "not set";
// every function treats it as such rather than as the epoch itself.
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds. Zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time. 0 maps to zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders the timestamp as a UTC RFC3339 string, empty for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// DateKey renders the timestamp's UTC calendar date as YYYY-MM-DD.
// Daily aggregate snapshots are keyed by this string.
func DateKey(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.DateOnly)
}

// Parse converts loosely typed timestamp values to Unix milliseconds.
// Device firmware sends numbers that may be seconds or milliseconds; values
// above 1e12 are taken as milliseconds, the rest as seconds. Strings are
// tried as RFC3339, then as numeric. Returns 0 for anything unparseable.
func Parse(input any) int64 {
	if input == nil {
		return 0
	}

	switch v := input.(type) {
	case int64:
		if v == 0 {
			return 0
		}
		if v > 1e12 {
			return v
		}
		return v * 1000

	case float64:
		if v == 0 {
			return 0
		}
		if v > 1e12 {
			return int64(v)
		}
		return int64(v * 1000)

	case int:
		return Parse(int64(v))

	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return ToUnixMs(t)
		}
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Parse(ts)
		}
		if ts, err := strconv.ParseFloat(v, 64); err == nil {
			return Parse(ts)
		}
		return 0

	case time.Time:
		return ToUnixMs(v)

	default:
		return 0
	}
}

// IsZero reports whether the timestamp is unset.
func IsZero(ms int64) bool {
	return ms == 0
}

// Since returns the elapsed time since the timestamp, 0 when unset.
func Since(ms int64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}

// Sub moves the timestamp back by d. Retention cutoffs are computed this
// way: Sub(Now(), olderThan). Returns 0 when the input is unset.
func Sub(ms int64, d time.Duration) int64 {
	if ms == 0 {
		return 0
	}
	return time.UnixMilli(ms).Add(-d).UnixMilli()
}
