// Package config loads the ticketd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// Operator is the identity recorded on signoff and reject.
	Operator string `yaml:"operator"`
	// LeaseMinutes is the lease length for tickets whose budget has no max_minutes.
	LeaseMinutes int `yaml:"lease_minutes"`
	// WIPCaps overrides per-class executing limits.
	WIPCaps map[models.WIPClass]int `yaml:"wip_caps"`
	// Reaper configures lease reclamation.
	Reaper ReaperConfig `yaml:"reaper"`
}

// ReaperConfig controls the expired-lease sweep.
type ReaperConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string `yaml:"schedule"`
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Listen:       "127.0.0.1:7466",
		DBPath:       filepath.Join(homeDir, ".ticketd", "ticketd.db"),
		Operator:     "operator",
		LeaseMinutes: lifecycle.DefaultLeaseMinutes,
		WIPCaps:      lifecycle.DefaultCaps(),
		Reaper: ReaperConfig{
			Enabled:  false,
			Schedule: "@every 1m",
		},
	}
}

// DefaultPath returns ~/.ticketd/config.yaml.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".ticketd", "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.merge(&file)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays the non-zero fields of other. WIP caps merge per class.
func (c *Config) merge(other *Config) {
	if other.Listen != "" {
		c.Listen = other.Listen
	}
	if other.DBPath != "" {
		c.DBPath = other.DBPath
	}
	if other.Operator != "" {
		c.Operator = other.Operator
	}
	if other.LeaseMinutes != 0 {
		c.LeaseMinutes = other.LeaseMinutes
	}
	for class, limit := range other.WIPCaps {
		c.WIPCaps[class] = limit
	}
	if other.Reaper.Enabled {
		c.Reaper.Enabled = true
	}
	if other.Reaper.Schedule != "" {
		c.Reaper.Schedule = other.Reaper.Schedule
	}
}

// Validate rejects unknown WIP classes and non-positive limits.
func (c *Config) Validate() error {
	for class, limit := range c.WIPCaps {
		if !class.Valid() {
			return fmt.Errorf("unknown wip class %q", class)
		}
		if limit <= 0 {
			return fmt.Errorf("wip cap for %s must be positive, got %d", class, limit)
		}
	}
	if c.LeaseMinutes < 0 {
		return errors.New("lease_minutes must not be negative")
	}
	return nil
}

// Caps returns the WIP caps as lifecycle limits.
func (c *Config) Caps() lifecycle.Caps {
	return lifecycle.Caps(c.WIPCaps)
}
