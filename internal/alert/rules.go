package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldgrid/fieldhub/internal/pipeline"
)

// Alert is one triggered condition awaiting the next digest flush.
type Alert struct {
	Address string    `json:"address"`
	Rule    string    `json:"rule"`
	Message string    `json:"message"`
	Value   float64   `json:"value"`
	At      time.Time `json:"at"`
}

// Rule evaluates one packet against an instantaneous condition.
type Rule interface {
	// Name identifies the rule in alerts and metrics.
	Name() string
	// Evaluate returns a triggered alert for the packet, if any.
	Evaluate(p *pipeline.SensorPacket, now time.Time) (Alert, bool)
}

// BatteryRule triggers when any battery-voltage field drops below the
// minimum. Covers both the legacy `battery` field and the batmon variants
// of the newer sensor boards.
type BatteryRule struct {
	MinVolts float64
}

func (BatteryRule) Name() string { return "battery_low" }

func (r BatteryRule) Evaluate(p *pipeline.SensorPacket, now time.Time) (Alert, bool) {
	for field, v := range p.Fields {
		if field != "battery" && !strings.Contains(field, "battery_voltage") {
			continue
		}
		if v < r.MinVolts {
			return Alert{
				Address: p.Address,
				Rule:    r.Name(),
				Message: fmt.Sprintf("%s at %.2fV, below %.2fV", field, v, r.MinVolts),
				Value:   v,
				At:      now,
			}, true
		}
	}
	return Alert{}, false
}

// RangeRule triggers when any field matching Substring falls outside
// [Min, Max]. Used for physically implausible readings that indicate a
// failing sensor rather than a real measurement.
type RangeRule struct {
	RuleName  string
	Substring string
	Min, Max  float64
}

func (r RangeRule) Name() string { return r.RuleName }

func (r RangeRule) Evaluate(p *pipeline.SensorPacket, now time.Time) (Alert, bool) {
	for field, v := range p.Fields {
		if !strings.Contains(field, r.Substring) {
			continue
		}
		if v < r.Min || v > r.Max {
			return Alert{
				Address: p.Address,
				Rule:    r.Name(),
				Message: fmt.Sprintf("%s reading %.2f outside [%.1f, %.1f]", field, v, r.Min, r.Max),
				Value:   v,
				At:      now,
			}, true
		}
	}
	return Alert{}, false
}

// DefaultRules builds the standard rule set from config thresholds.
func DefaultRules(batteryMinVolts, tempMin, tempMax float64) []Rule {
	return []Rule{
		BatteryRule{MinVolts: batteryMinVolts},
		RangeRule{RuleName: "temperature_range", Substring: "temperature", Min: tempMin, Max: tempMax},
	}
}
