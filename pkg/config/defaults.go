package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittoblk/pkg/engine"
	"github.com/marmos91/dittoblk/pkg/store/device"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Defaults are applied before validation, so a config with no file at all
// describes a working in-memory volume.
//
// Note: boolean fields cannot be defaulted here because their zero value is
// indistinguishable from an explicit false; GetDefaultConfig sets them.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyEngineDefaults(&cfg.Engine)
	applyDeviceDefaults(&cfg.Device)
	applyMetadataDefaults(&cfg.Metadata)
	applyCompressionDefaults(&cfg.Compression)
	applyCacheDefaults(&cfg.Cache)
	applyOptimizerDefaults(&cfg.Optimizer)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	} else {
		cfg.Level = strings.ToUpper(cfg.Level)
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyEngineDefaults sets engine defaults.
func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = engine.DefaultBlockSize
	}
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = "sha256"
	} else {
		cfg.HashAlgorithm = strings.ToLower(cfg.HashAlgorithm)
	}
	if cfg.MaxAllocRetries == 0 {
		cfg.MaxAllocRetries = 3
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyDeviceDefaults sets device defaults.
func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Family == "" {
		if cfg.Type == "memory" {
			cfg.Family = string(device.FamilyRAM)
		} else {
			cfg.Family = string(device.FamilyNVMe)
		}
	} else {
		cfg.Family = strings.ToLower(cfg.Family)
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 512
	}
	if cfg.Capacity == "" {
		cfg.Capacity = "1GiB"
	}

	def := device.DefaultRetryConfig()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = def.InitialInterval
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = def.MaxInterval
	}

	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

// applyMetadataDefaults sets metadata store defaults.
func applyMetadataDefaults(cfg *MetadataConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
}

// applyCompressionDefaults sets compression defaults.
func applyCompressionDefaults(cfg *CompressionConfig) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "lz4"
	} else {
		cfg.Algorithm = strings.ToLower(cfg.Algorithm)
	}
	if cfg.MinRatio == 0 {
		cfg.MinRatio = 0.9
	}
	if cfg.MinSize == 0 {
		cfg.MinSize = 64
	}
}

// DefaultOvercommit is the default number of entries a tier may hold over
// capacity while dirty victims flush in the background.
const DefaultOvercommit = 64

// applyCacheDefaults sets cache defaults. L1 is sized at 64MiB; lower
// tiers have no bound unless configured.
func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Promotion == "" {
		cfg.Promotion = "move"
	}
	if cfg.FlushQueueSize == 0 {
		cfg.FlushQueueSize = 1024
	}
	if cfg.FlushWorkers == 0 {
		cfg.FlushWorkers = 4
	}

	if cfg.L1.MaxBytes == "" && cfg.L1.MaxEntries == 0 {
		cfg.L1.MaxBytes = "64MiB"
	}
	applyTierDefaults(&cfg.L1, "write-through")
	applyTierDefaults(&cfg.L2, "write-through")
	applyTierDefaults(&cfg.L3, "write-through")
}

// applyTierDefaults sets the defaults of one cache tier.
func applyTierDefaults(cfg *TierConfig, policy string) {
	if cfg.Eviction == "" {
		cfg.Eviction = "lru"
	} else {
		cfg.Eviction = strings.ToLower(cfg.Eviction)
	}
	if cfg.WritePolicy == "" {
		cfg.WritePolicy = policy
	} else {
		cfg.WritePolicy = strings.ToLower(strings.ReplaceAll(cfg.WritePolicy, "_", "-"))
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}
}

// applyOptimizerDefaults sets optimizer defaults.
func applyOptimizerDefaults(cfg *OptimizerConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.PassTimeout == 0 {
		cfg.PassTimeout = 10 * time.Minute
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = 5 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.DefragThreshold == 0 {
		cfg.DefragThreshold = 0.3
	}
	if cfg.Tuning.LowHitRatio == 0 {
		cfg.Tuning.LowHitRatio = 0.5
	}
	if cfg.Tuning.HighHitRatio == 0 {
		cfg.Tuning.HighHitRatio = 0.9
	}
	if cfg.Tuning.CapacityStep == 0 {
		cfg.Tuning.CapacityStep = 64
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Engine: EngineConfig{
			VerifyReads: true,
		},
		Compression: CompressionConfig{
			Enabled: true,
		},
		Cache: CacheConfig{
			Overcommit: DefaultOvercommit,
			L1:         TierConfig{Enabled: true},
		},
		Optimizer: OptimizerConfig{
			Enabled: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
