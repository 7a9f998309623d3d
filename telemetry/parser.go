package telemetry

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/telemon/errors"
	"github.com/c360/telemon/pkg/timestamp"
)

// Draft-07 schemas for the two recognized packet shapes. Validation runs
// against the decoded object, so JSON syntax errors are reported as
// malformed before a schema is ever consulted. Extra fields are allowed
// for forward compatibility with newer firmware.
const gestureSchemaJSON = `{
	"type": "object",
	"required": ["gesture", "teeth", "duration", "device_id"],
	"properties": {
		"type": {"type": "string"},
		"gesture": {"type": "string", "minLength": 1},
		"teeth": {"type": "array", "items": {"type": "integer", "minimum": 0}},
		"duration": {"type": "number", "minimum": 0},
		"device_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number"}
	}
}`

const heartbeatSchemaJSON = `{
	"type": "object",
	"required": ["type", "wifi_rssi", "free_heap", "device_id"],
	"properties": {
		"type": {"type": "string"},
		"wifi_rssi": {"type": "integer"},
		"free_heap": {"type": "integer", "minimum": 0},
		"device_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number"}
	}
}`

// Parser turns raw datagrams into telemetry events. Schemas are compiled
// once at construction; a Parser is immutable afterwards and safe for
// concurrent use.
type Parser struct {
	gestureSchema   *gojsonschema.Schema
	heartbeatSchema *gojsonschema.Schema
}

// NewParser compiles the packet schemas.
func NewParser() (*Parser, error) {
	gs, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(gestureSchemaJSON))
	if err != nil {
		return nil, errors.WrapFatal(err, "parser", "NewParser", "compile gesture schema")
	}
	hs, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(heartbeatSchemaJSON))
	if err != nil {
		return nil, errors.WrapFatal(err, "parser", "NewParser", "compile heartbeat schema")
	}
	return &Parser{gestureSchema: gs, heartbeatSchema: hs}, nil
}

// Parse consumes one datagram and produces a telemetry event. Errors wrap
// either ErrMalformedPayload (not UTF-8, not JSON, not an object) or
// ErrInvalidField (a recognized shape with a bad or missing field); both are
// invalid-input errors the caller counts and skips, never fatal. Well-formed
// objects of an unrecognized shape succeed as KindUnknown with their decoded
// fields attached, so unexpected telemetry still reaches downstream
// consumers. Seq is left unassigned.
func (p *Parser) Parse(pkt RawPacket) (*TelemetryEvent, error) {
	if !utf8.Valid(pkt.Payload) {
		return nil, p.malformed(fmt.Errorf("%w: payload is not valid UTF-8", errors.ErrMalformedPayload))
	}

	var obj map[string]any
	if err := json.Unmarshal(pkt.Payload, &obj); err != nil {
		return nil, p.malformed(fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err))
	}
	if obj == nil {
		return nil, p.malformed(fmt.Errorf("%w: payload is not a JSON object", errors.ErrMalformedPayload))
	}

	event := &TelemetryEvent{
		Addr:       pkt.Addr,
		ReceivedAt: pkt.ReceivedAt,
		Payload:    json.RawMessage(pkt.Payload),
	}

	switch classifyKind(obj) {
	case KindGesture:
		if err := p.validate(p.gestureSchema, obj, "gesture"); err != nil {
			return nil, err
		}
		raw := obj["teeth"].([]any)
		buttons := make([]int, len(raw))
		for i, v := range raw {
			buttons[i] = int(v.(float64))
		}
		event.Kind = KindGesture
		event.DeviceID = obj["device_id"].(string)
		event.Gesture = &GesturePayload{
			Label:           obj["gesture"].(string),
			Buttons:         NormalizeButtons(buttons),
			Duration:        obj["duration"].(float64),
			DeviceTimestamp: timestamp.Parse(obj["timestamp"]),
		}

	case KindHeartbeat:
		if err := p.validate(p.heartbeatSchema, obj, "heartbeat"); err != nil {
			return nil, err
		}
		event.Kind = KindHeartbeat
		event.DeviceID = obj["device_id"].(string)
		event.Heartbeat = &HeartbeatPayload{
			WifiRSSI: int(obj["wifi_rssi"].(float64)),
			FreeHeap: int64(obj["free_heap"].(float64)),
		}

	default:
		event.Kind = KindUnknown
		if id, ok := obj["device_id"].(string); ok {
			event.DeviceID = id
		}
		event.Fields = obj
	}

	return event, nil
}

// classifyKind picks the event kind from the type discriminator. Gesture
// packets predate the discriminator and are recognized by their gesture
// field when type is absent. A present but unrecognized type is never
// second-guessed, even when a gesture field sits alongside it: a device
// declaring a foreign type knows something this pipeline does not, so the
// object is classified unknown and kept whole rather than aggregated as a
// gesture. Only an absent type falls through to the gesture-field check.
func classifyKind(obj map[string]any) EventKind {
	if raw, ok := obj["type"]; ok {
		switch raw {
		case string(KindGesture):
			return KindGesture
		case string(KindHeartbeat):
			return KindHeartbeat
		default:
			return KindUnknown
		}
	}
	if _, ok := obj["gesture"]; ok {
		return KindGesture
	}
	return KindUnknown
}

func (p *Parser) validate(schema *gojsonschema.Schema, obj map[string]any, shape string) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(obj))
	if err != nil {
		return p.malformed(fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err))
	}
	if !result.Valid() {
		desc := result.Errors()[0]
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s: %s", errors.ErrInvalidField, desc.Field(), desc.Description()),
			"parser", "Parse", "validate "+shape)
	}
	return nil
}

func (p *Parser) malformed(cause error) error {
	return errors.WrapInvalid(cause, "parser", "Parse", "decode payload")
}
