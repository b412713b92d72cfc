package point

import (
	"math"
	"testing"
)

func TestProcessAnalog(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		rule ScalingRule
		raw  float64
		want float64
	}{
		{"telemetry scale and offset", Telemetry, ScalingRule{Scale: 0.1, Offset: 2.0}, 100, 12.0},
		{"adjustment negative offset", Adjustment, ScalingRule{Scale: 10.0, Offset: -50.0}, 15, 100.0},
		{"zero scale treated as one", Telemetry, ScalingRule{Offset: 5}, 7, 12.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Process(tt.typ, tt.rule, tt.raw)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Process() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessDigital(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		rule ScalingRule
		raw  float64
		want float64
	}{
		{"signal reverse zero", Signal, ScalingRule{Reverse: true}, 0, 1},
		{"signal reverse one", Signal, ScalingRule{Reverse: true}, 1, 0},
		{"control reverse", Control, ScalingRule{Reverse: true}, 1, 0},
		{"signal passthrough", Signal, ScalingRule{}, 1, 1},
		{"control passthrough zero", Control, ScalingRule{}, 0, 0},
		{"scale ignored for signal", Signal, ScalingRule{Scale: 0.1, Offset: 2}, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Process(tt.typ, tt.rule, tt.raw); got != tt.want {
				t.Errorf("Process() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeWriteRoundTrip(t *testing.T) {
	rule := ScalingRule{Scale: 0.5, Offset: -3}
	raw := 42.0
	processed := Process(Adjustment, rule, raw)
	if back := EncodeWrite(Adjustment, rule, processed); math.Abs(back-raw) > 1e-9 {
		t.Errorf("EncodeWrite round trip = %v, want %v", back, raw)
	}

	if got := EncodeWrite(Control, ScalingRule{Reverse: true}, 0); got != 1 {
		t.Errorf("EncodeWrite reverse control = %v, want 1", got)
	}
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"telemetry", "m", "signal", "s", "control", "c", "adjustment", "a"} {
		if _, err := ParseType(s); err != nil {
			t.Errorf("ParseType(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := ParseType("bogus"); err == nil {
		t.Error("ParseType should reject unknown tags")
	}
}

func TestAddressString(t *testing.T) {
	a := Address{ChannelID: 3, Type: Control, ID: 12}
	if got := a.String(); got != "3:c:12" {
		t.Errorf("Address.String() = %q", got)
	}
}
