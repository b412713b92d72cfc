// Package config defines the configuration objects consumed by the
// gateway core and handles loading and validation. Channel objects are
// the contract with whatever produces them (file, database, API); the
// core never parses anything beyond this package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations.
var configPaths = []string{
	"./comsrv.yaml",
	"./comsrv.yml",
	"./config.yaml",
	"/etc/comsrv/config.yaml",
}

// Config is the top-level gateway configuration.
type Config struct {
	// Redis configures the point store backend.
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Persistence configures the command retry queue.
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`

	// Logging configures the shared logger.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Sweep configures the idle-channel sweeper.
	Sweep SweepConfig `yaml:"sweep" json:"sweep"`

	// Channels lists every configured field-device channel.
	Channels []ChannelConfig `yaml:"channels" json:"channels" validate:"dive"`
}

// RedisConfig holds point store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// PersistenceConfig holds retry queue settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"` // Path to SQLite DB
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file" json:"file"`
}

// SweepConfig holds idle-channel sweeper settings.
type SweepConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"interval_ms"`
	IdleMs     int `yaml:"idle_ms" json:"idle_ms"`
}

// TransportConfig holds the connection parameters of a channel. Which
// fields apply depends on the protocol: host/port for TCP protocols,
// device/baud for serial ones.
type TransportConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Device   string `yaml:"device" json:"device"`
	BaudRate int    `yaml:"baud_rate" json:"baud_rate"`
	DataBits int    `yaml:"data_bits" json:"data_bits"`
	Parity   string `yaml:"parity" json:"parity"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits"`
	UnitID   byte   `yaml:"unit_id" json:"unit_id"`
}

// Address returns host:port for TCP transports.
func (t TransportConfig) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ChannelConfig describes one field-device channel.
type ChannelConfig struct {
	// ID is the unique numeric channel id.
	ID int `yaml:"id" json:"id" validate:"min=1"`

	// Name is the display name.
	Name string `yaml:"name" json:"name"`

	// Protocol is the registered protocol-type tag
	// (modbus-tcp, modbus-rtu, iec104, canbus, virtual).
	Protocol string `yaml:"protocol" json:"protocol" validate:"required"`

	// Transport holds the connection parameters.
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// PollIntervalMs is the polling cadence in milliseconds.
	PollIntervalMs int `yaml:"poll_interval_ms" json:"poll_interval_ms"`

	// BatchSize caps the registers merged into one wire read.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// MaxGap is the largest register gap merged into one read block.
	MaxGap int `yaml:"max_gap" json:"max_gap"`

	// MaxRetries bounds consecutive failures before the channel
	// surfaces Error status.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// TimeoutMs is the per-operation timeout.
	TimeoutMs int `yaml:"timeout_ms" json:"timeout_ms"`

	// Enabled gates channel creation.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Points is the channel's point table.
	Points []PointConfig `yaml:"points" json:"points" validate:"dive"`
}

// PollInterval returns the polling cadence as a duration, defaulting
// to one second.
func (c ChannelConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout returns the per-operation timeout, defaulting to 5s.
func (c ChannelConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PointConfig describes one point in a channel's table.
type PointConfig struct {
	// ID is the protocol-agnostic point id, unique per channel+type.
	ID int `yaml:"id" json:"id" validate:"min=0"`

	// Type is the point category tag (telemetry/signal/control/adjustment).
	Type string `yaml:"type" json:"type" validate:"required"`

	// Register is the wire register or object address.
	Register uint16 `yaml:"register" json:"register"`

	// Unit is the sub-address (Modbus slave id, IEC common address).
	Unit byte `yaml:"unit" json:"unit"`

	// DataType names the wire representation
	// (bool, u16, s16, u32, s32, u64, s64, f32, f64).
	DataType string `yaml:"data_type" json:"data_type"`

	// ByteOrder is the ABCD-notation byte arrangement.
	ByteOrder string `yaml:"byte_order" json:"byte_order"`

	// Scale, Offset, Reverse, Unit label form the scaling rule.
	Scale   float64 `yaml:"scale" json:"scale"`
	Offset  float64 `yaml:"offset" json:"offset"`
	Reverse bool    `yaml:"reverse" json:"reverse"`
	Label   string  `yaml:"label" json:"label"`

	// StartBit/BitLength/Signed describe bit-packed fields (CAN
	// signals, packed status words).
	StartBit  uint32 `yaml:"start_bit" json:"start_bit"`
	BitLength uint32 `yaml:"bit_length" json:"bit_length"`
	Signed    bool   `yaml:"signed" json:"signed"`

	// Enabled gates polling of this point.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Load loads configuration from path, falling back to the default
// search locations and then to defaults when nothing is found.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return Default(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	// Channel ids and per-channel point keys must be unique; the
	// validator tags cannot express this.
	seen := make(map[int]struct{}, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = struct{}{}

		points := make(map[string]struct{}, len(ch.Points))
		for _, p := range ch.Points {
			key := fmt.Sprintf("%s:%d", p.Type, p.ID)
			if _, dup := points[key]; dup {
				return fmt.Errorf("channel %d: duplicate point %s", ch.ID, key)
			}
			points[key] = struct{}{}
		}
	}
	return nil
}

// Save writes the configuration to a file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Persistence: PersistenceConfig{
			Enabled: false,
			Path:    "./comsrv.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Sweep: SweepConfig{
			IntervalMs: 30000,
			IdleMs:     120000,
		},
		Channels: []ChannelConfig{},
	}
}
