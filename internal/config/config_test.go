package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ember-0", cfg.NodeID)
	assert.Equal(t, 5000, cfg.Checkpoint.MaxItems)
	assert.Equal(t, 4096, cfg.MutationLog.BlockSize)
	assert.Equal(t, int64(512*1024*1024), cfg.Engine.MaxSize)
	assert.Equal(t, 10000, cfg.Engine.MaxTxnSize)
	assert.Equal(t, 1.0, cfg.Warmup.MinMemoryThreshold)
}

func TestWatermarksDerivedFromMaxSize(t *testing.T) {
	cfg := &Config{NodeID: "n1"}
	cfg.Engine.MaxSize = 1000
	SetDefaults(cfg)

	assert.Equal(t, int64(600), cfg.Engine.MemLowWat)
	assert.Equal(t, int64(750), cfg.Engine.MemHighWat)
}

func TestAccessLogPathFollowsDataDir(t *testing.T) {
	cfg := &Config{NodeID: "n1"}
	cfg.Storage.DataDir = "/srv/ember"
	SetDefaults(cfg)

	assert.Equal(t, "/srv/ember/access.log", cfg.Storage.AccessLogPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.NodeID = "" }},
		{"low wat above high wat", func(c *Config) { c.Engine.MemLowWat = c.Engine.MemHighWat + 1 }},
		{"high wat above max size", func(c *Config) { c.Engine.MemHighWat = c.Engine.MaxSize + 1 }},
		{"block size not power of two", func(c *Config) { c.MutationLog.BlockSize = 1000 }},
		{"memory threshold above one", func(c *Config) { c.Warmup.MinMemoryThreshold = 1.5 }},
		{"items threshold negative", func(c *Config) { c.Warmup.MinItemsThreshold = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-7
engine:
  max_txn_size: 250
checkpoint:
  max_items: 123
mutation_log:
  path: /tmp/mutation.log
  klog_block_size: 8192
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, 250, cfg.Engine.MaxTxnSize)
	assert.Equal(t, 123, cfg.Checkpoint.MaxItems)
	assert.Equal(t, 8192, cfg.MutationLog.BlockSize)
	// Unspecified fields still get defaults.
	assert.Equal(t, int64(32*1024*1024), cfg.Checkpoint.MaxBytes)
	assert.Equal(t, 30*time.Second, cfg.MutationLog.CompactorSleep)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: [not a scalar\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("node_id: n1\nmutation_log:\n  klog_block_size: 1000\n"), 0644))
	_, err = LoadConfig(invalid)
	assert.Error(t, err)
}

func TestPersistenceDisabled(t *testing.T) {
	t.Setenv("EP_NO_PERSISTENCE", "")
	assert.False(t, PersistenceDisabled())
	t.Setenv("EP_NO_PERSISTENCE", "1")
	assert.True(t, PersistenceDisabled())
}
