package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/docstore/pkg/collection"
)

// ServerConfig controls process-wide concerns: where the HTTP
// health/metrics endpoints listen and where on disk everything lives.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// WALConfig mirrors wal.Config plus the checkpoint cadence the
// scheduler drives off of.
type WALConfig struct {
	Path                      string `yaml:"path"`
	CompressionAlgorithm      string `yaml:"compression_algorithm"`
	CompressionThresholdBytes int    `yaml:"compression_threshold_bytes"`
	CheckpointIntervalEntries int    `yaml:"checkpoint_interval_entries"`
	CheckpointInterval        string `yaml:"checkpoint_interval"`
	CheckpointRegistryPath    string `yaml:"checkpoint_registry_path"`
}

// IndexConfig mirrors types.IndexDef's YAML-representable fields.
type IndexConfig struct {
	Key        string `yaml:"key"`
	Auto       bool   `yaml:"auto"`
	Unique     bool   `yaml:"unique"`
	Sparse     bool   `yaml:"sparse"`
	Required   bool   `yaml:"required"`
	IgnoreCase bool   `yaml:"ignore_case"`
	Gen        string `yaml:"gen"`
}

// IDConfig mirrors collection.IDSpec.
type IDConfig struct {
	Name string `yaml:"name"`
	Auto bool   `yaml:"auto"`
	Gen  string `yaml:"gen"`
}

// AuditConfig mirrors collection.AuditConfig.
type AuditConfig struct {
	Enabled                 bool `yaml:"enabled"`
	CountTombstoneTowardTTL bool `yaml:"count_tombstone_toward_ttl"`
}

// CollectionConfig is one entry in the collections list. Storage
// selects which pkg/storage.Adapter backs it; everything else maps
// onto collection.Config.
type CollectionConfig struct {
	Name             string        `yaml:"name"`
	Storage          string        `yaml:"storage"` // memory | file | per_record
	ID               IDConfig      `yaml:"id"`
	Indexes          []IndexConfig `yaml:"indexes"`
	TTL              string        `yaml:"ttl"`
	TTLKeyField      string        `yaml:"ttl_key_field"`
	Wildcard         *IndexConfig  `yaml:"wildcard"`
	ValidationSchema string        `yaml:"validation_schema_path"`
	Rotate           string        `yaml:"rotate"`
	Audit            AuditConfig   `yaml:"audit"`
}

// PermissionCacheConfig mirrors filter.NewPermissionCache's arguments.
type PermissionCacheConfig struct {
	MaxSize int    `yaml:"max_size"`
	TTL     string `yaml:"ttl"`
}

// SubscriptionConfig mirrors subscription.Config plus the permission
// cache subscription.Deps wants a Filter built around.
type SubscriptionConfig struct {
	MaxSubscriptionsPerUser int                   `yaml:"max_subscriptions_per_user"`
	MaxSubscriptionsTotal   int                   `yaml:"max_subscriptions_total"`
	PublishBatchSize        int                   `yaml:"publish_batch_size"`
	MaintenanceInterval     string                `yaml:"maintenance_interval"`
	IdleTimeout             string                `yaml:"idle_timeout"`
	PermissionCache         PermissionCacheConfig `yaml:"permission_cache"`
}

// DispatchConfig mirrors dispatch.Config.
type DispatchConfig struct {
	BatchSize    int    `yaml:"batch_size"`
	BatchTimeout string `yaml:"batch_timeout"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryDelay   string `yaml:"retry_delay"`
}

// TxnConfig paces the transaction manager's background sweeps.
type TxnConfig struct {
	TimeoutSweepInterval string `yaml:"timeout_sweep_interval"`
}

// Config is the full docstore process configuration loaded from YAML,
// the way the teacher's cmd/warren loads cluster configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	WAL          WALConfig          `yaml:"wal"`
	Collections  []CollectionConfig `yaml:"collections"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Txn          TxnConfig          `yaml:"txn"`
}

// defaultConfig returns a Config usable as-is for local experimentation:
// one "documents" collection backed by memory storage, no persistence.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:9090",
			DataDir:  "./docstore-data",
			LogLevel: "info",
		},
		WAL: WALConfig{
			Path:                      "wal.log",
			CompressionAlgorithm:      "none",
			CheckpointIntervalEntries: 1000,
			CheckpointInterval:        "30s",
			CheckpointRegistryPath:    "checkpoints.db",
		},
		Collections: []CollectionConfig{
			{
				Name:    "documents",
				Storage: "memory",
				ID:      IDConfig{Auto: true},
			},
		},
		Subscription: SubscriptionConfig{
			MaxSubscriptionsPerUser: 100,
			MaxSubscriptionsTotal:   10000,
			PublishBatchSize:        100,
			MaintenanceInterval:     "60s",
			PermissionCache:         PermissionCacheConfig{MaxSize: 10000, TTL: "30s"},
		},
		Dispatch: DispatchConfig{
			BatchSize:    50,
			BatchTimeout: "200ms",
			MaxRetries:   3,
			RetryDelay:   "100ms",
		},
		Txn: TxnConfig{TimeoutSweepInterval: "5s"},
	}
}

// loadConfig reads and parses path. A missing file is not an error —
// callers get defaultConfig() so `docstore serve` works with zero setup.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func toIDSpec(c IDConfig) collection.IDSpec {
	return collection.IDSpec{Name: c.Name, Auto: c.Auto, Gen: c.Gen}
}
