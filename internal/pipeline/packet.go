package pipeline

import (
	"encoding/json"
	"fmt"
)

// Wire field names of the structured measurement schema.
const (
	fieldAddress  = "ADDR"
	fieldTime     = "TIME"
	fieldSequence = "NUM"
)

// SensorPacket is a measurement message normalized from a completed frame.
// Immutable once created.
type SensorPacket struct {
	// Address is the reporting sensor's stable identifier.
	Address string
	// Timestamp is the device-reported epoch seconds.
	Timestamp int64
	// Seq is the device-assigned monotonic sequence number.
	Seq int64
	// Fields holds the remaining numeric measurement values keyed by wire
	// field name.
	Fields map[string]float64
}

// ParsePacket decodes a completed frame into a SensorPacket. It fails when
// the frame is not an object or lacks any of the fixed header fields, which
// classifies the frame as something other than a measurement.
func ParsePacket(frame string) (*SensorPacket, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(frame), &raw); err != nil {
		return nil, fmt.Errorf("frame is not a JSON object: %w", err)
	}

	addr, ok := raw[fieldAddress].(string)
	if !ok || addr == "" {
		return nil, fmt.Errorf("frame missing %s", fieldAddress)
	}

	ts, ok := numeric(raw[fieldTime])
	if !ok {
		return nil, fmt.Errorf("frame missing numeric %s", fieldTime)
	}

	seq, ok := numeric(raw[fieldSequence])
	if !ok {
		return nil, fmt.Errorf("frame missing numeric %s", fieldSequence)
	}

	fields := make(map[string]float64)
	for k, v := range raw {
		if k == fieldAddress || k == fieldTime || k == fieldSequence {
			continue
		}
		if f, ok := numeric(v); ok {
			fields[k] = f
		}
	}

	return &SensorPacket{
		Address:   addr,
		Timestamp: int64(ts),
		Seq:       int64(seq),
		Fields:    fields,
	}, nil
}

func numeric(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
