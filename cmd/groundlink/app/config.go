package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}

	*d = Duration(v)
	return nil
}

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings"`
	Link      LinkConfig      `yaml:"link"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Control   ControlConfig   `yaml:"control"`
	Drivelog  DrivelogConfig  `yaml:"drivelog"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// SlogLevel parses the configured log level, defaulting to info.
func (s Settings) SlogLevel() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// LinkConfig represents the vehicle connection settings
type LinkConfig struct {
	Endpoint         string   `yaml:"endpoint"`
	Baud             int      `yaml:"baud"`
	SystemID         uint8    `yaml:"systemID"`
	ReconnectDelay   Duration `yaml:"reconnectDelay"`
	HeartbeatTimeout Duration `yaml:"heartbeatTimeout"`
	OverridePriming  bool     `yaml:"overridePriming"`
	OverrideTime     float32  `yaml:"overrideTime"`
}

// TelemetryConfig represents telemetry aggregation settings
type TelemetryConfig struct {
	HistoryWindow Duration `yaml:"historyWindow"`
}

// ControlConfig represents the rover controller settings
type ControlConfig struct {
	ThrottleChannel int      `yaml:"throttleChannel"`
	SteeringChannel int      `yaml:"steeringChannel"`
	MaxThrottle     uint16   `yaml:"maxThrottle"`
	MaxSteering     uint16   `yaml:"maxSteering"`
	SafetyTimeout   Duration `yaml:"safetyTimeout"`
}

// DrivelogConfig represents drive recording settings
type DrivelogConfig struct {
	Enabled        bool     `yaml:"enabled"`
	DataDirectory  string   `yaml:"dataDirectory"`
	SampleInterval Duration `yaml:"sampleInterval"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if config.Link.Endpoint == "" {
		return nil, errors.New("link endpoint is required")
	}
	if config.Drivelog.Enabled && config.Drivelog.DataDirectory == "" {
		return nil, errors.New("drivelog data directory is required when recording is enabled")
	}

	return &config, nil
}
