package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoBLK configuration.
//
// The configuration is organized by the engine component it drives:
//   - Logging: log level, format and destination
//   - Engine: block size, hashing and shutdown behavior
//   - Device: the block device the store sits on
//   - Metadata: where the index, logical map and bitmap are persisted
//   - Compression: codec applied to new blocks
//   - Cache: the L1/L2/L3 tiers
//   - Optimizer: background garbage collection, defragmentation and tuning
//   - Metrics: Prometheus endpoint
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOBLK_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Device      DeviceConfig      `mapstructure:"device" yaml:"device"`
	Metadata    MetadataConfig    `mapstructure:"metadata" yaml:"metadata"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Optimizer   OptimizerConfig   `mapstructure:"optimizer" yaml:"optimizer"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// EngineConfig configures the deduplication engine.
type EngineConfig struct {
	// BlockSize is the logical block size in bytes (4096, 8192, 16384 or 32768).
	// An existing volume keeps the size it was formatted with.
	BlockSize int `mapstructure:"block_size" yaml:"block_size" validate:"blocksize"`

	// HashAlgorithm fingerprints blocks: sha256 or blake3.
	HashAlgorithm string `mapstructure:"hash_algorithm" yaml:"hash_algorithm" validate:"required,oneof=sha256 blake3"`

	// VerifyOnHit compares bytes on every dedup hit.
	VerifyOnHit bool `mapstructure:"verify_on_hit" yaml:"verify_on_hit"`

	// VerifyReads rehashes every block read from the device.
	VerifyReads bool `mapstructure:"verify_reads" yaml:"verify_reads"`

	// MaxAllocRetries bounds out-of-space recovery attempts per write.
	MaxAllocRetries int `mapstructure:"max_alloc_retries" yaml:"max_alloc_retries" validate:"gte=0,lte=100"`

	// ShutdownTimeout is the maximum time to wait for in-flight operations
	// and dirty cache entries during shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// DeviceConfig selects and configures the block device.
//
// Only the options map matching Type is used; it is decoded by the device
// factory (see factories.go).
type DeviceConfig struct {
	// Type specifies which device implementation to use
	// Valid values: memory, file, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory file s3"`

	// Family tags the controller class the device emulates
	// Valid values: ahci, nvme, scsi, virtio, ram
	Family string `mapstructure:"family" yaml:"family" validate:"required,oneof=ahci nvme scsi virtio ram"`

	// BlockSize is the device block (sector) size in bytes.
	BlockSize int `mapstructure:"block_size" yaml:"block_size" validate:"required,oneof=512 1024 2048 4096"`

	// Capacity is the device size, e.g. "1GiB".
	Capacity string `mapstructure:"capacity" yaml:"capacity" validate:"required,bytesize"`

	// Retry bounds the backoff applied to failed device I/O.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// File contains file device specific options (path)
	File map[string]any `mapstructure:"file" yaml:"file,omitempty"`

	// S3 contains S3 device specific options (bucket, region, endpoint, ...)
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`
}

// RetryConfig configures device I/O retries.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=20"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval" validate:"gtefield=InitialInterval"`
}

// MetadataConfig specifies where deduplication state is persisted.
type MetadataConfig struct {
	// Type specifies which metadata store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB specific options (path, block_cache_mb, index_cache_mb)
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// CompressionConfig configures block compression.
type CompressionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Algorithm: none, lz4, zstd, gzip, snappy
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm" validate:"required,oneof=none lz4 zstd gzip snappy"`

	// MinRatio is the largest compressed/original ratio worth storing.
	MinRatio float64 `mapstructure:"min_ratio" yaml:"min_ratio" validate:"gt=0,lte=1"`

	// MinSize is the smallest block worth compressing, in bytes.
	MinSize int `mapstructure:"min_size" yaml:"min_size" validate:"gte=0"`
}

// CacheConfig configures the tiered cache.
type CacheConfig struct {
	// Promotion selects whether a lower-tier hit keeps its copy: move or copy
	Promotion string `mapstructure:"promotion" yaml:"promotion" validate:"required,oneof=move copy"`

	FlushQueueSize int `mapstructure:"flush_queue_size" yaml:"flush_queue_size" validate:"gt=0"`

	// FlushWorkers is the number of background flush goroutines. A negative
	// value disables background flushing.
	FlushWorkers int `mapstructure:"flush_workers" yaml:"flush_workers"`

	// Overcommit is how many entries a tier may hold over capacity while
	// dirty victims flush in the background. 0 makes every dirty eviction
	// flush in the caller.
	Overcommit int `mapstructure:"overcommit" yaml:"overcommit" validate:"gte=0"`

	L1 TierConfig `mapstructure:"l1" yaml:"l1"`
	L2 TierConfig `mapstructure:"l2" yaml:"l2"`
	L3 TierConfig `mapstructure:"l3" yaml:"l3"`
}

// TierConfig configures one cache tier.
type TierConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MaxEntries bounds the number of cached blocks (0 = unbounded).
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries" validate:"gte=0"`

	// MaxBytes bounds the cached payload, e.g. "64MiB" (empty = unbounded).
	MaxBytes string `mapstructure:"max_bytes" yaml:"max_bytes" validate:"omitempty,bytesize"`

	// Eviction: lru, lfu, adaptive
	Eviction string `mapstructure:"eviction" yaml:"eviction" validate:"required,oneof=lru lfu adaptive"`

	// WritePolicy: write-through, write-back, write-around
	WritePolicy string `mapstructure:"write_policy" yaml:"write_policy" validate:"required,oneof=write-through write-back write-around"`

	Store TierStoreConfig `mapstructure:"store" yaml:"store"`
}

// TierStoreConfig selects the payload store of a tier.
type TierStoreConfig struct {
	// Type: memory, fs, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory fs badger"`

	// Path is the directory used by fs and badger stores.
	Path string `mapstructure:"path" yaml:"path,omitempty" validate:"required_unless=Type memory"`
}

// OptimizerConfig configures background maintenance.
type OptimizerConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between passes.
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// PassTimeout bounds one background pass.
	PassTimeout time.Duration `mapstructure:"pass_timeout" yaml:"pass_timeout" validate:"gt=0"`

	// GraceWindow keeps unreferenced blocks before reclaiming them.
	GraceWindow time.Duration `mapstructure:"grace_window" yaml:"grace_window" validate:"gte=0"`

	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`

	// DefragThreshold is the fragmentation above which blocks are compacted.
	DefragThreshold float64 `mapstructure:"defrag_threshold" yaml:"defrag_threshold" validate:"gt=0,lte=1"`

	// ChunksPerSecond paces the optimizer (0 = unpaced).
	ChunksPerSecond float64 `mapstructure:"chunks_per_second" yaml:"chunks_per_second" validate:"gte=0"`

	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`

	Tuning TuningConfig `mapstructure:"tuning" yaml:"tuning"`
}

// TuningConfig configures cache capacity tuning.
type TuningConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	LowHitRatio  float64 `mapstructure:"low_hit_ratio" yaml:"low_hit_ratio" validate:"gt=0,lt=1"`
	HighHitRatio float64 `mapstructure:"high_hit_ratio" yaml:"high_hit_ratio" validate:"gtfield=LowHitRatio,lte=1"`
	CapacityStep int     `mapstructure:"capacity_step" yaml:"capacity_step" validate:"gt=0"`

	// MaxEntries caps tier growth (0 = twice the configured capacity).
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// When disabled, no-op collectors are used.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint.
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file and environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOBLK_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)
	setBooleanDefaults(v)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables: DITTOBLK_ENGINE_BLOCK_SIZE=8192
	v.SetEnvPrefix("DITTOBLK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// setBooleanDefaults registers defaults for settings whose zero value is a
// valid explicit choice. ApplyDefaults cannot tell an explicit false or 0
// from a missing key.
func setBooleanDefaults(v *viper.Viper) {
	v.SetDefault("cache.overcommit", DefaultOvercommit)
	v.SetDefault("engine.verify_reads", true)
	v.SetDefault("compression.enabled", true)
	v.SetDefault("cache.l1.enabled", true)
	v.SetDefault("optimizer.enabled", true)
}

// readConfigFile reads the config file. A missing file is not an error:
// defaults apply.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if configPath != "" {
			if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
				return nil
			}
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/dittoblk, falling back to
// ~/.config/dittoblk.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittoblk")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittoblk")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
