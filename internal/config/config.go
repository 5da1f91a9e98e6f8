// Package config loads runner configuration from the environment and an
// optional per-install config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all runner settings.
//
// Defaults point at the production relay and a local Ollama install. Every
// value can be overridden via environment variables; a subset can also be set
// in config.yaml inside the runner home (environment wins).
type Config struct {
	// RelayURL is the websocket URL of the cloud relay.
	RelayURL string `envconfig:"RUNNER_RELAY_URL" default:"wss://bottlecap-runners.limartinyk.partykit.dev/party/main"`
	// OllamaURL is the base URL of the local Ollama runtime.
	OllamaURL string `envconfig:"RUNNER_OLLAMA_URL" default:"http://localhost:11434"`
	// HomeDir is where the runner stores local state (token, device id).
	HomeDir string `envconfig:"RUNNER_HOME_DIR"`
	// DeviceName is reported to the relay; defaults to the hostname.
	DeviceName string `envconfig:"RUNNER_DEVICE_NAME"`
	// LogLevel selects the logger verbosity threshold.
	LogLevel string `envconfig:"RUNNER_LOG_LEVEL" default:"info"`

	// ConnectTimeout bounds relay dialing plus the auth handshake.
	ConnectTimeout time.Duration `envconfig:"RUNNER_CONNECT_TIMEOUT" default:"10s"`
	// LivenessWindow closes the transport when no relay traffic is seen.
	LivenessWindow time.Duration `envconfig:"RUNNER_LIVENESS_WINDOW" default:"45s"`
	// ProbeInterval is the Ollama re-probe cadence while connected.
	ProbeInterval time.Duration `envconfig:"RUNNER_PROBE_INTERVAL" default:"30s"`
	// ProbeTimeout bounds a single Ollama probe request.
	ProbeTimeout time.Duration `envconfig:"RUNNER_PROBE_TIMEOUT" default:"3s"`
	// RequestIdleTimeout aborts a single generation when Ollama produces no
	// data for this long. It never tears down the session.
	RequestIdleTimeout time.Duration `envconfig:"RUNNER_REQUEST_IDLE_TIMEOUT" default:"120s"`
	// MaxInFlight bounds concurrent generations; excess requests queue FIFO.
	MaxInFlight int `envconfig:"RUNNER_MAX_IN_FLIGHT" default:"4"`

	// ReconnectInitial is the first reconnect backoff delay.
	ReconnectInitial time.Duration `envconfig:"RUNNER_RECONNECT_INITIAL" default:"1s"`
	// ReconnectMax caps the reconnect backoff delay.
	ReconnectMax time.Duration `envconfig:"RUNNER_RECONNECT_MAX" default:"30s"`
}

// fileConfig is the subset of settings readable from config.yaml. Pointer
// fields distinguish "absent" from zero values.
type fileConfig struct {
	RelayURL      *string `yaml:"relay_url"`
	OllamaURL     *string `yaml:"ollama_url"`
	DeviceName    *string `yaml:"device_name"`
	LogLevel      *string `yaml:"log_level"`
	ProbeInterval *string `yaml:"probe_interval"`
}

// Load loads configuration from environment and defaults, applies config.yaml
// overrides, and ensures the runner home directory exists.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if cfg.HomeDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.HomeDir = filepath.Join(homeDir, ".bottlecap-runner")
	}
	if err := os.MkdirAll(cfg.HomeDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create runner home: %w", err)
	}

	if err := applyFileOverrides(&cfg, filepath.Join(cfg.HomeDir, "config.yaml")); err != nil {
		return nil, err
	}

	if cfg.DeviceName == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.DeviceName = hostname
		}
	}

	return &cfg, nil
}

// applyFileOverrides merges config.yaml values into cfg. Environment
// variables take precedence over file values.
func applyFileOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	setUnlessEnv := func(envKey string, dst *string, src *string) {
		if src != nil && os.Getenv(envKey) == "" {
			*dst = *src
		}
	}
	setUnlessEnv("RUNNER_RELAY_URL", &cfg.RelayURL, fc.RelayURL)
	setUnlessEnv("RUNNER_OLLAMA_URL", &cfg.OllamaURL, fc.OllamaURL)
	setUnlessEnv("RUNNER_DEVICE_NAME", &cfg.DeviceName, fc.DeviceName)
	setUnlessEnv("RUNNER_LOG_LEVEL", &cfg.LogLevel, fc.LogLevel)

	if fc.ProbeInterval != nil && os.Getenv("RUNNER_PROBE_INTERVAL") == "" {
		interval, err := time.ParseDuration(*fc.ProbeInterval)
		if err != nil {
			return fmt.Errorf("invalid probe_interval in %s: %w", path, err)
		}
		cfg.ProbeInterval = interval
	}

	return nil
}

// TokenPath returns the path of the encrypted runner token file.
func (c *Config) TokenPath() string {
	return filepath.Join(c.HomeDir, "runner.token")
}

// SecretKeyPath returns the path of the local secret key file.
func (c *Config) SecretKeyPath() string {
	return filepath.Join(c.HomeDir, "secret.key")
}

// DeviceIDPath returns the path of the persisted device id file.
func (c *Config) DeviceIDPath() string {
	return filepath.Join(c.HomeDir, "device.id")
}
