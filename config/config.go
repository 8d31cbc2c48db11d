// Package config loads the client configuration from a YAML file, with
// defaults suitable for a single pharmacy terminal.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rxops/pharmsync/logging"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the full client configuration.
type Config struct {
	// API configures the remote REST endpoint.
	API APIConfig `yaml:"api"`

	// Store configures the durable local queue.
	Store StoreConfig `yaml:"store"`

	// Connectivity configures reachability probing.
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// Sync configures the replay engine.
	Sync SyncConfig `yaml:"sync"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures structured log output.
	Logging logging.Config `yaml:"logging"`
}

// APIConfig configures the remote REST endpoint.
type APIConfig struct {
	BaseURL     string   `yaml:"base_url"`
	CallTimeout Duration `yaml:"call_timeout,omitempty"`
}

// StoreConfig configures the durable local queue.
type StoreConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory store.
	Path string `yaml:"path,omitempty"`
}

// ConnectivityConfig configures reachability probing.
type ConnectivityConfig struct {
	// ProbeURL is the endpoint checked for reachability. Defaults to the
	// API base URL's health endpoint.
	ProbeURL        string   `yaml:"probe_url,omitempty"`
	ProbeInterval   Duration `yaml:"probe_interval,omitempty"`
	ProbeTimeout    Duration `yaml:"probe_timeout,omitempty"`
	StabilityWindow Duration `yaml:"stability_window,omitempty"`
}

// SyncConfig configures the replay engine.
type SyncConfig struct {
	Interval     Duration `yaml:"interval,omitempty"`
	MaxAttempts  int      `yaml:"max_attempts,omitempty"`
	InitialDelay Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `yaml:"max_delay,omitempty"`
	Multiplier   float64  `yaml:"multiplier,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:     "http://localhost:8080",
			CallTimeout: Duration{10 * time.Second},
		},
		Store: StoreConfig{
			Path: "pharmsync.db",
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:   Duration{15 * time.Second},
			ProbeTimeout:    Duration{5 * time.Second},
			StabilityWindow: Duration{3 * time.Second},
		},
		Sync: SyncConfig{
			Interval:     Duration{30 * time.Second},
			MaxAttempts:  5,
			InitialDelay: Duration{2 * time.Second},
			MaxDelay:     Duration{2 * time.Minute},
			Multiplier:   2.0,
		},
		Metrics: MetricsConfig{
			Listen: ":9190",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes YAML config from r, applying defaults for absent fields.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return cfg, nil
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.Multiplier < 1 {
		return fmt.Errorf("sync.multiplier must be at least 1")
	}
	if c.Connectivity.ProbeInterval.Duration < 0 ||
		c.Connectivity.ProbeTimeout.Duration < 0 ||
		c.Connectivity.StabilityWindow.Duration < 0 {
		return fmt.Errorf("connectivity durations must not be negative")
	}
	return nil
}
