package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statesync/statesync/internal/conflict"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
context_id: tab-1
data_dir: /tmp/statesync
max_state_size: 2048
conflict_strategy: merge
retry_delay: 50ms
hub:
  enabled: true
  url: ws://127.0.0.1:7350/ws
cleanup:
  field: history
  max_entries: 100
  scratch_field: scratch
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tab-1", cfg.ContextID)
	assert.Equal(t, 2048, cfg.MaxStateSize)
	assert.Equal(t, conflict.StrategyMerge, cfg.ConflictStrategy)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "history", cfg.Cleanup.Field)

	// Defaults filled for unset fields
	assert.Equal(t, DefaultStateKey, cfg.StateKey)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultSchemaVersion, cfg.SchemaVersion)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotEmpty(t, cfg.ContextID, "context id generated when unset")
	assert.Equal(t, conflict.StrategyTimestamp, cfg.ConflictStrategy)
	assert.Equal(t, DefaultMaxStateSize, cfg.MaxStateSize)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(*Config) {}, false},
		{"bad strategy", func(c *Config) { c.ConflictStrategy = "vector" }, true},
		{"hub enabled without url", func(c *Config) { c.Hub.Enabled = true }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"negative cleanup cap", func(c *Config) { c.Cleanup.MaxEntries = -5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "conflict_strategy: [not, a, string]")
	_, err = Load(path)
	assert.Error(t, err)
}
