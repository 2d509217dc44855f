package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the pulsesyncd daemon.
//
// Design goals:
// - Make the config file the primary configuration surface.
// - Keep flags for small overrides and for environments where a file is
//   awkward.
// - Centralize defaults and validation so the rest of the code can assume a
//   well-formed config.
type Config struct {
	// Broker is the MQTT connection configuration.
	Broker BrokerConfig `yaml:"broker"`

	// Controller tunables for the scheduling core.
	Controller ControllerFileConfig `yaml:"controller"`

	// Actuator selects and configures the haptic backend.
	Actuator ActuatorConfig `yaml:"actuator"`

	// Store is the per-node calibration database.
	Store StoreConfig `yaml:"store"`

	// IPC configuration (local control socket).
	IPC IPCConfig `yaml:"ipc"`

	// Status is the WebSocket status server.
	Status StatusConfig `yaml:"status"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ControllerFileConfig is the user-facing controller configuration.
type ControllerFileConfig struct {
	// StaleThresholdMS rejects start timestamps older than this relative to
	// receipt time.
	StaleThresholdMS int64 `yaml:"stale_threshold_ms"`
}

type ActuatorConfig struct {
	// Kind is "bhaptics" or "log".
	Kind       string `yaml:"kind"`
	WsURL      string `yaml:"ws_url"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	Intensity  int    `yaml:"intensity"`
	DurationMS int    `yaml:"duration_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StatusConfig struct {
	// Port of the status HTTP/WebSocket listener. 0 disables the server.
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// defaultStorePath places the calibration db under the user config dir,
// falling back to the working directory.
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("data", "config.db")
	}
	return filepath.Join(dir, "pulsesync", "config.db")
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go defaults and current CLI defaults.
func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			Host:       defaultBrokerHost,
			Port:       defaultBrokerPort,
			KeepaliveS: defaultKeepaliveS,
			QoS:        defaultQoS,
		},
		Controller: ControllerFileConfig{
			StaleThresholdMS: defaultStaleThresholdMS,
		},
		Actuator: ActuatorConfig{
			Kind:       "bhaptics",
			WsURL:      defaultActuatorWsURL,
			TimeoutMS:  defaultActuatorTimeoutMS,
			Intensity:  defaultPulseIntensity,
			DurationMS: defaultPulseDurationMS,
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/pulsesyncd.sock",
		},
		Status: StatusConfig{
			Port: 8924,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Notes:
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
//   - Values not present in the file keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are
	// allowed after the document).
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies ad-hoc flag values on top of a loaded config.
// Flags pass pointers; each override is only applied when non-nil.
type FlagOverrides struct {
	BrokerHost *string
	BrokerPort *int
	QoS        *int
	Username   *string
	Password   *string

	StaleThresholdMS *int64

	ActuatorKind *string
	ActuatorURL  *string

	StorePath     *string
	IPCSocketPath *string
	StatusPort    *int

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is
// ignored.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.BrokerHost != nil {
		cfg.Broker.Host = *o.BrokerHost
	}
	if o.BrokerPort != nil {
		cfg.Broker.Port = *o.BrokerPort
	}
	if o.QoS != nil {
		cfg.Broker.QoS = *o.QoS
	}
	if o.Username != nil {
		cfg.Broker.Username = *o.Username
	}
	if o.Password != nil {
		cfg.Broker.Password = *o.Password
	}

	if o.StaleThresholdMS != nil {
		cfg.Controller.StaleThresholdMS = *o.StaleThresholdMS
	}

	if o.ActuatorKind != nil {
		cfg.Actuator.Kind = *o.ActuatorKind
	}
	if o.ActuatorURL != nil {
		cfg.Actuator.WsURL = *o.ActuatorURL
	}

	if o.StorePath != nil {
		cfg.Store.Path = *o.StorePath
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StatusPort != nil {
		cfg.Status.Port = *o.StatusPort
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are
// applied.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return errors.New("broker.host must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return errors.New("broker.port must be between 1 and 65535")
	}
	if c.Broker.KeepaliveS <= 0 {
		return errors.New("broker.keepalive_s must be > 0")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return errors.New("broker.qos must be 0, 1 or 2")
	}

	if c.Controller.StaleThresholdMS <= 0 {
		return errors.New("controller.stale_threshold_ms must be > 0")
	}

	switch c.Actuator.Kind {
	case "bhaptics", "log":
	default:
		return fmt.Errorf("actuator.kind must be %q or %q", "bhaptics", "log")
	}
	if c.Actuator.Kind == "bhaptics" {
		if c.Actuator.WsURL == "" {
			return errors.New("actuator.ws_url must not be empty")
		}
		if c.Actuator.TimeoutMS <= 0 {
			return errors.New("actuator.timeout_ms must be > 0")
		}
		if c.Actuator.Intensity < 0 || c.Actuator.Intensity > 100 {
			return errors.New("actuator.intensity must be between 0 and 100")
		}
		if c.Actuator.DurationMS <= 0 {
			return errors.New("actuator.duration_ms must be > 0")
		}
	}

	if c.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return errors.New("status.port must be between 0 and 65535")
	}

	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
