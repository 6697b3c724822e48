// Package config loads the taskplane application configuration and
// validates operator policy files against embedded JSON Schemas.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskplane/gateway"
)

// Config is the complete taskplane application configuration.
type Config struct {
	// Root is the run root holding state/ and config/.
	Root string `yaml:"root"`

	Log       LogConfig       `yaml:"log"`
	NATS      NATSConfig      `yaml:"nats"`
	Gateway   gateway.Config  `yaml:"gateway"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// NATSConfig configures the broker connection.
type NATSConfig struct {
	// URL is the NATS server URL; empty disables the gateway.
	URL string `yaml:"url"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	// Listen is the HTTP listen address; empty disables the listener.
	Listen string `yaml:"listen"`
}

// SchedulerConfig configures the serve-mode scheduler loop.
type SchedulerConfig struct {
	// PollIntervalSec is the seconds between daemon polls.
	PollIntervalSec int `yaml:"poll_interval_sec"`

	// MaxLoops bounds daemon polls; 0 means unbounded.
	MaxLoops int `yaml:"max_loops"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Root:      ".",
		Log:       LogConfig{Level: "info"},
		NATS:      NATSConfig{URL: ""},
		Gateway:   gateway.DefaultConfig(),
		Metrics:   MetricsConfig{Listen: ""},
		Scheduler: SchedulerConfig{PollIntervalSec: 5},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Scheduler.PollIntervalSec < 1 {
		return fmt.Errorf("scheduler.poll_interval_sec must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge overlays another config onto this one; non-zero fields of
// other take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Root != "" && other.Root != "." {
		c.Root = other.Root
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Gateway.Subject != "" {
		c.Gateway.Subject = other.Gateway.Subject
	}
	if other.Gateway.Queue != "" {
		c.Gateway.Queue = other.Gateway.Queue
	}
	if other.Gateway.ReplySubject != "" {
		c.Gateway.ReplySubject = other.Gateway.ReplySubject
	}
	if other.Gateway.SeenCap > 0 {
		c.Gateway.SeenCap = other.Gateway.SeenCap
	}
	if other.Gateway.HandleTimeoutSec > 0 {
		c.Gateway.HandleTimeoutSec = other.Gateway.HandleTimeoutSec
	}
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
	if other.Scheduler.PollIntervalSec > 0 {
		c.Scheduler.PollIntervalSec = other.Scheduler.PollIntervalSec
	}
	if other.Scheduler.MaxLoops > 0 {
		c.Scheduler.MaxLoops = other.Scheduler.MaxLoops
	}
}
