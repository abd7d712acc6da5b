package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for a single Class-A device-core
// instance: which region it operates in, where its root keys live, and
// the MAC defaults applied on a cold session (no persisted state, or a
// persisted session whose version the host no longer recognizes).
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Region  string        `yaml:"region"`
	MAC     MACConfig     `yaml:"mac"`
	Log     LogConfig     `yaml:"log"`
	Session SessionConfig `yaml:"session"`
}

// DeviceConfig identifies the device and points at its root keys.
type DeviceConfig struct {
	AppEUI      string `yaml:"app_eui"`
	DevEUI      string `yaml:"dev_eui"`
	KeyFile     string `yaml:"key_file"`
	AppKeyDescr string `yaml:"app_key_descriptor"`
}

// MACConfig carries the cold-start defaults; once joined, the persisted
// session record is authoritative and these are only consulted again
// after Forget() or a version-mismatched restore.
type MACConfig struct {
	DefaultRate         uint8 `yaml:"default_rate"`
	ADREnabled          bool  `yaml:"adr_enabled"`
	SendDitherSeconds   uint32 `yaml:"send_dither_seconds"`
	MaxDutyCycle        uint8  `yaml:"max_duty_cycle"`
}

// LogConfig controls the zerolog writer.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// SessionConfig points at the file the host persists the device's
// session record to between process restarts.
type SessionConfig struct {
	StateFile string `yaml:"state_file"`
}

// Load reads and parses a YAML config file, then applies environment
// overrides for the fields operators most often need to override
// per-deployment without editing the file (region, key file and log
// level).
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if region := os.Getenv("LORAWAN_REGION"); region != "" {
		c.Region = region
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if keyFile := os.Getenv("LORAWAN_KEY_FILE"); keyFile != "" {
		c.Device.KeyFile = keyFile
	}
}

func (c *Config) validate() error {
	switch c.Region {
	case "EU_863_870", "EU_433", "US_902_928", "AU_915_928":
	default:
		return fmt.Errorf("unknown region %q", c.Region)
	}
	if c.Device.DevEUI == "" {
		return fmt.Errorf("device.dev_eui is required")
	}
	if c.Device.AppEUI == "" {
		return fmt.Errorf("device.app_eui is required")
	}
	if c.Session.StateFile == "" {
		return fmt.Errorf("session.state_file is required")
	}
	return nil
}
