// Package telemetry defines the data model for device telemetry and the
// parser that turns raw datagrams into typed events.
//
// Devices emit one UTF-8 JSON object per datagram. Gesture packets carry no
// type discriminator and are recognized by their "gesture" field; heartbeats
// declare type "heartbeat". Anything else that is valid JSON becomes an
// "unknown" event and is forwarded with its raw fields so unexpected but
// well-formed telemetry is never silently lost.
package telemetry

import (
	"encoding/json"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"
)

// EventKind discriminates telemetry event payloads.
type EventKind string

const (
	// KindGesture is a gesture input report.
	KindGesture EventKind = "gesture_input"
	// KindHeartbeat is a periodic device liveness report.
	KindHeartbeat EventKind = "heartbeat"
	// KindUnknown is a well-formed object of an unrecognized shape.
	KindUnknown EventKind = "unknown"
)

// RawPacket is one captured datagram. Immutable once created; the receiver
// copies the socket buffer before constructing it.
type RawPacket struct {
	Addr       netip.AddrPort
	Payload    []byte
	ReceivedAt time.Time
}

// Len returns the payload length in bytes.
func (p RawPacket) Len() int {
	return len(p.Payload)
}

// GesturePayload is the typed body of a gesture_input event.
type GesturePayload struct {
	// Label names the gesture as reported by the device, for example
	// "single_click" or "long_press". Labels are open-ended.
	Label string `json:"gesture"`

	// Buttons holds the pressed button identifiers, sorted ascending with
	// duplicates collapsed.
	Buttons []int `json:"teeth"`

	// Duration is the gesture length in seconds, never negative.
	Duration float64 `json:"duration"`

	// DeviceTimestamp is the device's own clock in Unix milliseconds,
	// 0 when the packet carried none.
	DeviceTimestamp int64 `json:"timestamp,omitempty"`
}

// ComboKey renders the button set as a histogram key: "1-2" for {1,2},
// "3" for a single button, "" for none. Buttons are already normalized so
// equal sets always produce equal keys.
func (g *GesturePayload) ComboKey() string {
	if len(g.Buttons) == 0 {
		return ""
	}
	parts := make([]string, len(g.Buttons))
	for i, b := range g.Buttons {
		parts[i] = strconv.Itoa(b)
	}
	return strings.Join(parts, "-")
}

// HeartbeatPayload is the typed body of a heartbeat event.
type HeartbeatPayload struct {
	// WifiRSSI is the reported signal strength in dBm.
	WifiRSSI int `json:"wifi_rssi"`

	// FreeHeap is the device's free memory estimate in bytes.
	FreeHeap int64 `json:"free_heap"`
}

// TelemetryEvent is one validated unit of device telemetry. Exactly one of
// Gesture and Heartbeat is set for the matching kind; unknown events carry
// their decoded object in Fields instead.
type TelemetryEvent struct {
	// Seq is assigned by the pipeline after a successful parse, strictly
	// increasing from 1 for the process lifetime. Zero means unassigned.
	Seq uint64 `json:"seq"`

	Kind       EventKind      `json:"kind"`
	Addr       netip.AddrPort `json:"addr"`
	ReceivedAt time.Time      `json:"received_at"`

	// DeviceID is the reporting device, empty when the packet carried none
	// (possible only for unknown events).
	DeviceID string `json:"device_id,omitempty"`

	Gesture   *GesturePayload   `json:"gesture,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`

	// Fields is the decoded object for unknown events, nil otherwise.
	Fields map[string]any `json:"fields,omitempty"`

	// Payload preserves the original datagram bytes for persistence.
	Payload json.RawMessage `json:"-"`
}

// NormalizeButtons returns the button identifiers sorted ascending with
// duplicates collapsed. Order on the wire is irrelevant: [2,1,2] and [1,2]
// are the same combination.
func NormalizeButtons(buttons []int) []int {
	if len(buttons) == 0 {
		return nil
	}
	out := slices.Clone(buttons)
	slices.Sort(out)
	return slices.Compact(out)
}
