package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Channels = []ChannelConfig{
		{
			ID:       1,
			Name:     "plant feeder",
			Protocol: "modbus-tcp",
			Transport: TransportConfig{
				Host: "10.0.0.5",
				Port: 502,
			},
			PollIntervalMs: 500,
			Enabled:        true,
			Points: []PointConfig{
				{ID: 1, Type: "m", Register: 100, DataType: "u16", Scale: 0.1, Enabled: true},
				{ID: 1, Type: "c", Register: 200, DataType: "bool", Enabled: true},
			},
		},
	}
	return cfg
}

func TestValidateAcceptsSameIDAcrossTypes(t *testing.T) {
	// Point ids are scoped per type: telemetry 1 and control 1 coexist.
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsDuplicateChannelID(t *testing.T) {
	cfg := validConfig()
	cfg.Channels = append(cfg.Channels, cfg.Channels[0])
	if err := Validate(cfg); err == nil {
		t.Fatal("duplicate channel id must fail validation")
	}
}

func TestValidateRejectsDuplicatePoint(t *testing.T) {
	cfg := validConfig()
	cfg.Channels[0].Points = append(cfg.Channels[0].Points,
		PointConfig{ID: 1, Type: "m", Register: 300, DataType: "u16"})
	if err := Validate(cfg); err == nil {
		t.Fatal("duplicate point key must fail validation")
	}
}

func TestValidateRejectsMissingProtocol(t *testing.T) {
	cfg := validConfig()
	cfg.Channels[0].Protocol = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("missing protocol must fail validation")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comsrv.yaml")
	cfg := validConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Channels) != 1 {
		t.Fatalf("channels = %d, want 1", len(loaded.Channels))
	}
	ch := loaded.Channels[0]
	if ch.Protocol != "modbus-tcp" || ch.Transport.Host != "10.0.0.5" {
		t.Fatalf("channel = %+v", ch)
	}
	if ch.Points[0].Scale != 0.1 {
		t.Fatalf("scale = %v, want 0.1", ch.Points[0].Scale)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("channels: [{id: 0, protocol: x}]"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("channel id 0 must fail validation")
	}
}

func TestDurationHelpers(t *testing.T) {
	var ch ChannelConfig
	if ch.PollInterval() != time.Second {
		t.Fatalf("default poll interval = %v", ch.PollInterval())
	}
	if ch.Timeout() != 5*time.Second {
		t.Fatalf("default timeout = %v", ch.Timeout())
	}
	ch.PollIntervalMs = 250
	ch.TimeoutMs = 100
	if ch.PollInterval() != 250*time.Millisecond || ch.Timeout() != 100*time.Millisecond {
		t.Fatal("configured durations not honored")
	}
}
