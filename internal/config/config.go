package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds item lifecycle and flusher tuning
type EngineConfig struct {
	MinDataAge   time.Duration `yaml:"min_data_age"`
	QueueAgeCap  time.Duration `yaml:"queue_age_cap"`
	MaxSize      int64         `yaml:"max_size"`
	MemLowWat    int64         `yaml:"mem_low_wat"`
	MemHighWat   int64         `yaml:"mem_high_wat"`
	ExpiryWindow time.Duration `yaml:"expiry_window"`
	MaxTxnSize   int           `yaml:"max_txn_size"`
	BgFetchDelay time.Duration `yaml:"bg_fetch_delay"`

	// InconsistentSlaveOk admits TAP backfill mutations on active
	// vbuckets, letting a stream overwrite authoritative data.
	InconsistentSlaveOk bool `yaml:"inconsistent_slave_ok"`
}

// CheckpointConfig holds checkpoint manager tuning
type CheckpointConfig struct {
	MaxItems int   `yaml:"max_items"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// PagerConfig holds background pager cadences
type PagerConfig struct {
	ExpiryPagerSleep  time.Duration `yaml:"exp_pager_stime"`
	AccessLogSleep    time.Duration `yaml:"alog_sleep_time"`
	AccessLogTaskTime time.Duration `yaml:"alog_task_time"`
	ItemPagerSleep    time.Duration `yaml:"item_pager_stime"`
	HTResizerSleep    time.Duration `yaml:"ht_resizer_stime"`
	ChkRemoverSleep   time.Duration `yaml:"chk_remover_stime"`
}

// MutationLogConfig holds mutation log and compactor tuning
type MutationLogConfig struct {
	Path              string  `yaml:"path"`
	BlockSize         int     `yaml:"klog_block_size"`
	Sync              bool    `yaml:"klog_sync"`
	MaxLogSize        int64   `yaml:"klog_max_log_size"`
	MaxEntryRatio     float64 `yaml:"klog_max_entry_ratio"`
	CompactorQueueCap int64   `yaml:"klog_compactor_queue_cap"`
	CompactorSleep    time.Duration `yaml:"klog_compactor_stime"`
}

// WarmupConfig holds warmup thresholds
type WarmupConfig struct {
	MinMemoryThreshold float64 `yaml:"warmup_min_memory_threshold"`
	MinItemsThreshold  float64 `yaml:"warmup_min_items_threshold"`
	FailPartialWarmup  bool    `yaml:"failpartialwarmup"`
	WaitForWarmup      bool    `yaml:"waitforwarmup"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds data directory layout
type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	AccessLogPath string `yaml:"access_log_path"`
}

// Config is the complete configuration of the engine
type Config struct {
	NodeID      string            `yaml:"node_id"`
	Storage     StorageConfig     `yaml:"storage"`
	Engine      EngineConfig      `yaml:"engine"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Pagers      PagerConfig       `yaml:"pagers"`
	MutationLog MutationLogConfig `yaml:"mutation_log"`
	Warmup      WarmupConfig      `yaml:"warmup"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{NodeID: "ember-0"}
	SetDefaults(cfg)
	return cfg
}

// SetDefaults sets default values for unspecified configuration
func SetDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/ember"
	}
	if cfg.Storage.AccessLogPath == "" {
		cfg.Storage.AccessLogPath = cfg.Storage.DataDir + "/access.log"
	}

	if cfg.Engine.QueueAgeCap == 0 {
		cfg.Engine.QueueAgeCap = 900 * time.Second
	}
	if cfg.Engine.MaxSize == 0 {
		cfg.Engine.MaxSize = 512 * 1024 * 1024
	}
	if cfg.Engine.MemLowWat == 0 {
		cfg.Engine.MemLowWat = cfg.Engine.MaxSize * 6 / 10
	}
	if cfg.Engine.MemHighWat == 0 {
		cfg.Engine.MemHighWat = cfg.Engine.MaxSize * 75 / 100
	}
	if cfg.Engine.ExpiryWindow == 0 {
		cfg.Engine.ExpiryWindow = 3 * time.Second
	}
	if cfg.Engine.MaxTxnSize == 0 {
		cfg.Engine.MaxTxnSize = 10000
	}

	if cfg.Checkpoint.MaxItems == 0 {
		cfg.Checkpoint.MaxItems = 5000
	}
	if cfg.Checkpoint.MaxBytes == 0 {
		cfg.Checkpoint.MaxBytes = 32 * 1024 * 1024
	}

	if cfg.Pagers.ExpiryPagerSleep == 0 {
		cfg.Pagers.ExpiryPagerSleep = 3600 * time.Second
	}
	if cfg.Pagers.AccessLogSleep == 0 {
		cfg.Pagers.AccessLogSleep = 24 * time.Hour
	}
	if cfg.Pagers.ItemPagerSleep == 0 {
		cfg.Pagers.ItemPagerSleep = 10 * time.Second
	}
	if cfg.Pagers.HTResizerSleep == 0 {
		cfg.Pagers.HTResizerSleep = 60 * time.Second
	}
	if cfg.Pagers.ChkRemoverSleep == 0 {
		cfg.Pagers.ChkRemoverSleep = 5 * time.Second
	}

	if cfg.MutationLog.BlockSize == 0 {
		cfg.MutationLog.BlockSize = 4096
	}
	if cfg.MutationLog.MaxLogSize == 0 {
		cfg.MutationLog.MaxLogSize = 1024 * 1024 * 1024
	}
	if cfg.MutationLog.MaxEntryRatio == 0 {
		cfg.MutationLog.MaxEntryRatio = 10.0
	}
	if cfg.MutationLog.CompactorSleep == 0 {
		cfg.MutationLog.CompactorSleep = 30 * time.Second
	}

	if cfg.Warmup.MinMemoryThreshold == 0 {
		cfg.Warmup.MinMemoryThreshold = 1.0
	}
	if cfg.Warmup.MinItemsThreshold == 0 {
		cfg.Warmup.MinItemsThreshold = 1.0
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9112
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Engine.MemLowWat > c.Engine.MemHighWat {
		return fmt.Errorf("engine.mem_low_wat must not exceed engine.mem_high_wat")
	}
	if c.Engine.MemHighWat > c.Engine.MaxSize {
		return fmt.Errorf("engine.mem_high_wat must not exceed engine.max_size")
	}
	if c.MutationLog.BlockSize&(c.MutationLog.BlockSize-1) != 0 {
		return fmt.Errorf("mutation_log.klog_block_size must be a power of two")
	}
	if c.Warmup.MinMemoryThreshold < 0 || c.Warmup.MinMemoryThreshold > 1 {
		return fmt.Errorf("warmup.warmup_min_memory_threshold must be between 0 and 1")
	}
	if c.Warmup.MinItemsThreshold < 0 || c.Warmup.MinItemsThreshold > 1 {
		return fmt.Errorf("warmup.warmup_min_items_threshold must be between 0 and 1")
	}
	return nil
}

// PersistenceDisabled reports whether the EP_NO_PERSISTENCE environment
// variable turned off all persistence queueing for this process.
func PersistenceDisabled() bool {
	return os.Getenv("EP_NO_PERSISTENCE") != ""
}
