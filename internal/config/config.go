// Package config handles configuration loading and validation for statesync.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/statesync/statesync/internal/conflict"
)

// Default limits and keys. MaxStateSize mirrors the storage quota of the
// durable tier; SchemaVersion is the highest blob version this build accepts.
const (
	DefaultStateKey         = "statesync.state"
	DefaultQuarantinePrefix = "statesync.quarantine"
	DefaultMaxStateSize     = 100 * 1024
	DefaultSchemaVersion    = 1
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 250 * time.Millisecond
)

// HubConfig holds configuration for the cross-context broadcast channel.
type HubConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`    // Websocket endpoint, e.g. ws://127.0.0.1:7350/ws
	Listen  string `yaml:"listen"` // Listen address when running the hub itself
}

// CleanupConfig bounds fields with unbounded growth before each persist.
type CleanupConfig struct {
	Field        string `yaml:"field"`         // Top-level mapping whose entries are capped
	MaxEntries   int    `yaml:"max_entries"`   // Entries kept in Field (highest keys win)
	ScratchField string `yaml:"scratch_field"` // Dropped unconditionally before persisting
}

// Config holds the full statesync configuration.
type Config struct {
	ContextID        string            `yaml:"context_id"` // Unique ID of this execution context
	DataDir          string            `yaml:"data_dir"`   // Durable tier directory
	StateKey         string            `yaml:"state_key"`
	QuarantinePrefix string            `yaml:"quarantine_prefix"`
	MaxStateSize     int               `yaml:"max_state_size"`
	SchemaVersion    int               `yaml:"schema_version"`
	MaxRetries       int               `yaml:"max_retries"`
	RetryDelay       time.Duration     `yaml:"retry_delay"`
	ConflictStrategy conflict.Strategy `yaml:"conflict_strategy"`
	Hub              HubConfig         `yaml:"hub"`
	Cleanup          CleanupConfig     `yaml:"cleanup"`
}

// Load reads a YAML config file, fills in defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all defaults applied and a fresh context ID.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ContextID == "" {
		c.ContextID = uuid.New().String()
	}
	if c.StateKey == "" {
		c.StateKey = DefaultStateKey
	}
	if c.QuarantinePrefix == "" {
		c.QuarantinePrefix = DefaultQuarantinePrefix
	}
	if c.MaxStateSize == 0 {
		c.MaxStateSize = DefaultMaxStateSize
	}
	if c.SchemaVersion == 0 {
		c.SchemaVersion = DefaultSchemaVersion
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = conflict.StrategyTimestamp
	}
	if c.Hub.Listen == "" {
		c.Hub.Listen = "127.0.0.1:7350"
	}
}

// Validate checks field consistency.
func (c *Config) Validate() error {
	if c.MaxStateSize < 0 {
		return fmt.Errorf("max_state_size must not be negative, got %d", c.MaxStateSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay)
	}
	if !c.ConflictStrategy.Valid() {
		return fmt.Errorf("unknown conflict_strategy %q", c.ConflictStrategy)
	}
	if c.Hub.Enabled && c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required when hub.enabled is true")
	}
	if c.Cleanup.MaxEntries < 0 {
		return fmt.Errorf("cleanup.max_entries must not be negative, got %d", c.Cleanup.MaxEntries)
	}
	return nil
}
