// Package point defines the canonical four-category point model shared
// by every protocol driver: Telemetry (measured analogs), Signal
// (digital status), Control (digital commands) and Adjustment (analog
// setpoints), together with the scale/offset/reverse value processing
// applied between the wire and the point store.
package point

import (
	"fmt"
	"time"
)

// Type is the point category.
type Type uint8

const (
	// Telemetry is a measured analog value.
	Telemetry Type = iota
	// Signal is a digital status.
	Signal
	// Control is a digital command.
	Control
	// Adjustment is an analog setpoint.
	Adjustment
)

// Tag returns the single-letter store tag for the type.
func (t Type) Tag() string {
	switch t {
	case Telemetry:
		return "m"
	case Signal:
		return "s"
	case Control:
		return "c"
	case Adjustment:
		return "a"
	default:
		return "?"
	}
}

func (t Type) String() string {
	switch t {
	case Telemetry:
		return "telemetry"
	case Signal:
		return "signal"
	case Control:
		return "control"
	case Adjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// ParseType maps a configuration tag ("telemetry" or "m", etc.) to a
// Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "telemetry", "m":
		return Telemetry, nil
	case "signal", "s":
		return Signal, nil
	case "control", "c":
		return Control, nil
	case "adjustment", "a":
		return Adjustment, nil
	default:
		return 0, fmt.Errorf("unknown point type: %q", s)
	}
}

// Writable reports whether the type carries outbound commands.
func (t Type) Writable() bool {
	return t == Control || t == Adjustment
}

// Address identifies one point: (channel, category, point id). The
// point id is protocol-agnostic and assigned by configuration; the
// underlying wire register lives in the driver's point table, not here.
type Address struct {
	ChannelID int  `json:"channel_id"`
	Type      Type `json:"type"`
	ID        int  `json:"id"`
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%s:%d", a.ChannelID, a.Type.Tag(), a.ID)
}

// Quality marks the trustworthiness of a value.
type Quality uint8

const (
	QualityGood Quality = iota
	QualityStale
	QualityBad
)

// Value is the latest sample for one address. Values supersede each
// other; nothing here retains history.
type Value struct {
	Value     float64   `json:"value"`
	Raw       float64   `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
	Quality   Quality   `json:"quality"`
}

// ScalingRule transforms raw wire values into engineering values.
// Scale and Offset apply to Telemetry and Adjustment; Reverse applies
// to Signal and Control. Rules are immutable after configuration load.
type ScalingRule struct {
	Scale   float64 `yaml:"scale" json:"scale"`
	Offset  float64 `yaml:"offset" json:"offset"`
	Reverse bool    `yaml:"reverse" json:"reverse"`
	Unit    string  `yaml:"unit" json:"unit"`
}

// EffectiveScale returns the scale, treating an unset zero as 1.
func (r ScalingRule) EffectiveScale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// Process converts a raw wire value into the stored engineering value.
// Telemetry and Adjustment get raw*scale+offset; Signal and Control
// are passed through, inverted when the rule's Reverse flag is set.
func Process(t Type, rule ScalingRule, raw float64) float64 {
	switch t {
	case Telemetry, Adjustment:
		return raw*rule.EffectiveScale() + rule.Offset
	default:
		if rule.Reverse {
			if raw == 0 {
				return 1
			}
			return 0
		}
		return raw
	}
}

// EncodeWrite is the inverse of Process, applied to an outbound command
// value before wire encoding.
func EncodeWrite(t Type, rule ScalingRule, value float64) float64 {
	switch t {
	case Telemetry, Adjustment:
		return (value - rule.Offset) / rule.EffectiveScale()
	default:
		if rule.Reverse {
			if value == 0 {
				return 1
			}
			return 0
		}
		return value
	}
}
