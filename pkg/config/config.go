// Package config loads the entityd node configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration.
type Config struct {
	// NodeName identifies this node inside the stripe.
	NodeName string `yaml:"node_name"`

	// Passives lists the node names replicated to when this node is the
	// active.
	Passives []string `yaml:"passives"`

	// DataDir is where durable state lives. Empty selects in-memory
	// persistence.
	DataDir string `yaml:"data_dir"`

	// Workers is the size of the request worker pool.
	Workers int `yaml:"workers"`

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		NodeName: "node-1",
		Workers:  4,
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file, filling unset fields from
// DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, or error, got %q", c.LogLevel)
	}
	for _, passive := range c.Passives {
		if passive == c.NodeName {
			return fmt.Errorf("node %q cannot be its own passive", c.NodeName)
		}
	}
	return nil
}
