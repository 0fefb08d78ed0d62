// Package config loads the daemon configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/isometry/vdir/internal/partition"
	"github.com/isometry/vdir/internal/session"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel   string             `yaml:"log_level"`
	Sessions   session.PoolConfig `yaml:"sessions"`
	Management ManagementConfig   `yaml:"management"`
	Partitions []partition.Config `yaml:"partitions"`
}

// ManagementConfig configures the management HTTP listener.
type ManagementConfig struct {
	Listen          string        `yaml:"listen" default:"127.0.0.1:8389"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data, fills unset fields with their defaults and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. Partition trees, connections and
// modules are checked again when partitions are built.
func (c *Config) Validate() error {
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if c.Management.Listen == "" {
		return fmt.Errorf("management: listen address cannot be empty")
	}
	if c.Management.ShutdownTimeout <= 0 {
		return fmt.Errorf("management: shutdown_timeout must be positive")
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("at least one partition is required")
	}

	seen := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("partition %s already defined", p.Name)
		}
		seen[p.Name] = true

		modules := make(map[string]bool, len(p.Modules))
		for _, m := range p.Modules {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("partition %s: %w", p.Name, err)
			}
			modules[m.Name] = true
		}
		for _, j := range p.Jobs {
			if !modules[j.Module] {
				return fmt.Errorf("partition %s: job %s: unknown module %q", p.Name, j.Name, j.Module)
			}
		}
	}
	return nil
}
