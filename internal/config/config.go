// Package config loads the hub configuration from a YAML file and applies
// defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFilename is looked for next to the binary when no -config
// flag is given.
const DefaultConfigFilename = "fieldhub.yaml"

// Config holds all tunables for the hub process.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite registry database file.
	DBPath string `yaml:"db_path"`
	// Timezone names the IANA zone used for alert scheduling. Empty means
	// the process-local zone.
	Timezone string `yaml:"timezone"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Serial SerialConfig `yaml:"serial"`
	Alerts AlertConfig  `yaml:"alerts"`
}

// SerialConfig describes the 6LoWPAN dongle connection.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// AlertConfig holds thresholds for the instantaneous rules and the deadman
// sweep.
type AlertConfig struct {
	// BatteryMinVolts triggers a low-battery alert below this value.
	BatteryMinVolts float64 `yaml:"battery_min_volts"`
	// TempMin and TempMax bound plausible temperature readings.
	TempMin float64 `yaml:"temp_min"`
	TempMax float64 `yaml:"temp_max"`
	// StaleAfter is how long a sensor may stay silent before the deadman
	// sweep flags it.
	StaleAfter time.Duration `yaml:"stale_after"`
	// DeadmanHour is the local hour at which the daily sweep runs.
	DeadmanHour int `yaml:"deadman_hour"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Listen:   ":8080",
		DBPath:   "fieldhub.db",
		LogLevel: "info",
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
		Alerts: AlertConfig{
			BatteryMinVolts: 2.7,
			TempMin:         -40,
			TempMax:         85,
			StaleAfter:      3 * time.Hour,
			DeadmanHour:     9,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks fields that would otherwise fail deep inside the process.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Serial.Port == "" {
		return fmt.Errorf("serial port must not be empty")
	}
	if c.Alerts.DeadmanHour < 0 || c.Alerts.DeadmanHour > 23 {
		return fmt.Errorf("deadman_hour %d out of range 0-23", c.Alerts.DeadmanHour)
	}
	if c.Alerts.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
