package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/compress"
	"github.com/marmos91/dittoblk/pkg/engine"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/optimizer"
	"github.com/marmos91/dittoblk/pkg/store/device"
	deviceFile "github.com/marmos91/dittoblk/pkg/store/device/file"
	deviceMemory "github.com/marmos91/dittoblk/pkg/store/device/memory"
	deviceS3 "github.com/marmos91/dittoblk/pkg/store/device/s3"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
	metadataBadger "github.com/marmos91/dittoblk/pkg/store/metadata/badger"
	metadataMemory "github.com/marmos91/dittoblk/pkg/store/metadata/memory"
	"github.com/marmos91/dittoblk/pkg/store/tier"
	tierBadger "github.com/marmos91/dittoblk/pkg/store/tier/badger"
	tierFs "github.com/marmos91/dittoblk/pkg/store/tier/fs"
	tierMemory "github.com/marmos91/dittoblk/pkg/store/tier/memory"
)

// ============================================================================
// Device
// ============================================================================

// CreateDevice creates the block device described by cfg and wraps it with
// the configured retry policy.
//
// Supported types:
//   - "memory": RAM disk (contents are lost on exit)
//   - "file": image file on the local filesystem
//   - "s3": one object per device block in an S3 (or compatible) bucket
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Device configuration
//   - metrics: Retry observations (nil disables them)
//
// Returns:
//   - device.Device: The retrying device
//   - error: Configuration or initialization error
func CreateDevice(ctx context.Context, cfg *DeviceConfig, metrics device.Metrics) (device.Device, error) {
	family, err := device.ParseFamily(cfg.Family)
	if err != nil {
		return nil, err
	}
	capacity, err := units.RAMInBytes(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("invalid device capacity %q: %w", cfg.Capacity, err)
	}
	blocks := uint64(capacity) / uint64(cfg.BlockSize)

	var dev device.Device
	switch cfg.Type {
	case "memory":
		dev, err = deviceMemory.New(ctx, cfg.BlockSize, blocks)
	case "file":
		dev, err = createFileDevice(ctx, cfg.File, family, cfg.BlockSize, blocks)
	case "s3":
		dev, err = createS3Device(ctx, cfg.S3, family, cfg.BlockSize, blocks)
	default:
		return nil, fmt.Errorf("unknown device type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	info := dev.Info()
	logger.Info("Device initialized: type=%s family=%s model=%s capacity=%s",
		cfg.Type, info.Family, info.Model, units.BytesSize(float64(info.Capacity())))

	return device.NewRetrying(dev, device.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, metrics), nil
}

// createFileDevice creates an image-file device.
func createFileDevice(ctx context.Context, options map[string]any, family device.Family, blockSize int, blocks uint64) (device.Device, error) {
	type FileDeviceConfig struct {
		Path string `mapstructure:"path"`
	}

	var devCfg FileDeviceConfig
	if err := mapstructure.Decode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode file device config: %w", err)
	}
	if devCfg.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}

	dev, err := deviceFile.Open(ctx, deviceFile.Config{
		Path:      devCfg.Path,
		Family:    family,
		BlockSize: blockSize,
		Blocks:    blocks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open file device: %w", err)
	}
	return dev, nil
}

// createS3Device creates an S3-backed device.
func createS3Device(ctx context.Context, options map[string]any, family device.Family, blockSize int, blocks uint64) (device.Device, error) {
	type S3DeviceConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		ForcePathStyle  bool   `mapstructure:"force_path_style"`
		MaxRetries      int    `mapstructure:"max_retries"`
		Parallelism     int    `mapstructure:"parallelism"`
	}

	var devCfg S3DeviceConfig
	if err := mapstructure.Decode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 device config: %w", err)
	}
	if devCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 device: bucket is required")
	}
	if devCfg.Region == "" {
		devCfg.Region = "us-east-1"
	}
	if devCfg.KeyPrefix == "" {
		logger.Warn("S3 device: no key_prefix configured, blocks will not be found again after a restart")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(devCfg.Region),
	}

	// Static credentials if provided, otherwise the default credential chain
	if devCfg.AccessKeyID != "" && devCfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(devCfg.AccessKeyID, devCfg.SecretAccessKey, ""),
		))
	}

	// The SDK retries throttling and 5xx; device.Retrying handles the rest
	maxRetries := devCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and Localstack need a custom endpoint and path-style addressing
		if devCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(devCfg.Endpoint)
			o.UsePathStyle = true
		}
		if devCfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Device
	// ========================================================================

	dev, err := deviceS3.New(ctx, deviceS3.Config{
		Client:      client,
		Bucket:      devCfg.Bucket,
		KeyPrefix:   devCfg.KeyPrefix,
		Family:      family,
		BlockSize:   blockSize,
		Blocks:      blocks,
		Parallelism: devCfg.Parallelism,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 device: %w", err)
	}

	logger.Info("S3 device initialized: bucket=%s, region=%s, prefix=%s",
		devCfg.Bucket, devCfg.Region, devCfg.KeyPrefix)

	return dev, nil
}

// ============================================================================
// Metadata
// ============================================================================

// CreateMetadataStore creates the store persisting the content index, the
// logical map, the bitmap and the superblock.
//
// Supported types:
//   - "memory": in-memory (state is lost on exit)
//   - "badger": BadgerDB on local disk
func CreateMetadataStore(ctx context.Context, cfg *MetadataConfig) (metadata.Store, error) {
	switch cfg.Type {
	case "memory":
		return metadataMemory.New(), nil
	case "badger":
		return createBadgerMetadataStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown metadata store type: %q", cfg.Type)
	}
}

// createBadgerMetadataStore creates a BadgerDB metadata store.
func createBadgerMetadataStore(ctx context.Context, options map[string]any) (metadata.Store, error) {
	type BadgerMetadataStoreConfig struct {
		Path         string `mapstructure:"path"`
		BlockCacheMB int64  `mapstructure:"block_cache_mb"`
		IndexCacheMB int64  `mapstructure:"index_cache_mb"`
	}

	var storeCfg BadgerMetadataStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger metadata store config: %w", err)
	}
	if storeCfg.Path == "" {
		return nil, fmt.Errorf("badger metadata store: path is required")
	}

	store, err := metadataBadger.New(ctx, metadataBadger.Config{
		DBPath:           storeCfg.Path,
		BlockCacheSizeMB: storeCfg.BlockCacheMB,
		IndexCacheSizeMB: storeCfg.IndexCacheMB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger metadata store: %w", err)
	}
	return store, nil
}

// ============================================================================
// Cache tiers
// ============================================================================

// CreateTierStore creates the payload store of one cache tier.
//
// Supported types:
//   - "memory": process memory (L1)
//   - "fs": one file per block under Path (flash L2)
//   - "badger": BadgerDB under Path (L2/L3)
func CreateTierStore(ctx context.Context, cfg *TierStoreConfig) (tier.Store, error) {
	switch cfg.Type {
	case "memory":
		return tierMemory.New(), nil
	case "fs":
		s, err := tierFs.New(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := tierBadger.New(ctx, tierBadger.Config{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown tier store type: %q", cfg.Type)
	}
}

// createCacheConfig translates the cache section into a cache.Config,
// opening the store of every enabled tier. On error the stores opened so
// far are closed.
func createCacheConfig(ctx context.Context, cfg *CacheConfig, metrics cache.Metrics) (cache.Config, error) {
	promotion, err := cache.ParsePromotion(cfg.Promotion)
	if err != nil {
		return cache.Config{}, err
	}

	out := cache.Config{
		Promotion:      promotion,
		FlushQueueSize: cfg.FlushQueueSize,
		FlushWorkers:   cfg.FlushWorkers,
		Overcommit:     cfg.Overcommit,
		Metrics:        metrics,
	}
	if cfg.Overcommit == 0 {
		// Synchronous dirty evictions
		out.Overcommit = -1
	}

	var opened []tier.Store
	closeOpened := func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}

	for i, tc := range []TierConfig{cfg.L1, cfg.L2, cfg.L3} {
		if !tc.Enabled {
			continue
		}
		level := cache.Levels[i]

		eviction, err := cache.ParseEviction(tc.Eviction)
		if err != nil {
			closeOpened()
			return cache.Config{}, fmt.Errorf("%s: %w", level, err)
		}
		policy, err := cache.ParseWritePolicy(tc.WritePolicy)
		if err != nil {
			closeOpened()
			return cache.Config{}, fmt.Errorf("%s: %w", level, err)
		}
		var maxBytes int64
		if tc.MaxBytes != "" {
			if maxBytes, err = units.RAMInBytes(tc.MaxBytes); err != nil {
				closeOpened()
				return cache.Config{}, fmt.Errorf("%s: invalid max_bytes %q: %w", level, tc.MaxBytes, err)
			}
		}

		store, err := CreateTierStore(ctx, &tc.Store)
		if err != nil {
			closeOpened()
			return cache.Config{}, fmt.Errorf("%s: failed to create tier store: %w", level, err)
		}
		opened = append(opened, store)

		out.Tiers[i] = cache.TierConfig{
			Enabled:     true,
			MaxEntries:  tc.MaxEntries,
			MaxBytes:    maxBytes,
			Eviction:    eviction,
			WritePolicy: policy,
			Store:       store,
		}
		logger.Debug("Cache tier %s: store=%s eviction=%s policy=%s max_entries=%d max_bytes=%d",
			level, tc.Store.Type, eviction, policy, tc.MaxEntries, maxBytes)
	}

	return out, nil
}

// ============================================================================
// Engine
// ============================================================================

// CreateEngine builds the device, the metadata store and the cache tiers
// and returns an engine ready to Open.
func CreateEngine(ctx context.Context, cfg *Config, m *MetricsResult) (*engine.Engine, error) {
	if m == nil {
		m = &MetricsResult{}
	}

	dev, err := CreateDevice(ctx, &cfg.Device, m.DeviceMetrics)
	if err != nil {
		return nil, err
	}

	md, err := CreateMetadataStore(ctx, &cfg.Metadata)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	engineCfg, err := CreateEngineConfig(ctx, cfg, m)
	if err != nil {
		_ = md.Close()
		_ = dev.Close()
		return nil, err
	}

	eng, err := engine.New(dev, md, engineCfg)
	if err != nil {
		for _, t := range engineCfg.Cache.Tiers {
			if t.Store != nil {
				_ = t.Store.Close()
			}
		}
		_ = md.Close()
		_ = dev.Close()
		return nil, err
	}
	return eng, nil
}

// CreateEngineConfig translates the configuration into an engine.Config.
// Cache tier stores are opened here and owned by the engine afterwards.
func CreateEngineConfig(ctx context.Context, cfg *Config, m *MetricsResult) (engine.Config, error) {
	alg, err := compress.ParseAlgorithm(cfg.Compression.Algorithm)
	if err != nil {
		return engine.Config{}, err
	}

	var cacheMetrics cache.Metrics
	if m != nil {
		cacheMetrics = m.CacheMetrics
	}
	cacheCfg, err := createCacheConfig(ctx, &cfg.Cache, cacheMetrics)
	if err != nil {
		return engine.Config{}, err
	}

	out := engine.Config{
		BlockSize:       cfg.Engine.BlockSize,
		HashAlgorithm:   hash.Algorithm(cfg.Engine.HashAlgorithm),
		VerifyOnHit:     cfg.Engine.VerifyOnHit,
		VerifyReads:     cfg.Engine.VerifyReads,
		MaxAllocRetries: cfg.Engine.MaxAllocRetries,
		ShutdownTimeout: cfg.Engine.ShutdownTimeout,
		GraceWindow:     cfg.Optimizer.GraceWindow,
		Compression: compress.Config{
			Enabled:   cfg.Compression.Enabled,
			Algorithm: alg,
			MinRatio:  cfg.Compression.MinRatio,
			MinSize:   cfg.Compression.MinSize,
		},
		Cache: cacheCfg,
		Optimizer: optimizer.Config{
			Enabled:         cfg.Optimizer.Enabled,
			Interval:        cfg.Optimizer.Interval,
			PassTimeout:     cfg.Optimizer.PassTimeout,
			BatchSize:       cfg.Optimizer.BatchSize,
			DefragThreshold: cfg.Optimizer.DefragThreshold,
			ChunksPerSecond: cfg.Optimizer.ChunksPerSecond,
			DryRun:          cfg.Optimizer.DryRun,
			Tuning: optimizer.TuningConfig{
				Enabled:      cfg.Optimizer.Tuning.Enabled,
				LowHitRatio:  cfg.Optimizer.Tuning.LowHitRatio,
				HighHitRatio: cfg.Optimizer.Tuning.HighHitRatio,
				CapacityStep: cfg.Optimizer.Tuning.CapacityStep,
				MaxEntries:   cfg.Optimizer.Tuning.MaxEntries,
			},
		},
	}
	if m != nil {
		out.Metrics = m.EngineMetrics
	}
	return out, nil
}
