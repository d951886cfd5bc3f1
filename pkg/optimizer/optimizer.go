// Package optimizer runs the background maintenance of the engine.
//
// Each pass performs, in order:
//   - Garbage collection of blocks whose references dropped to zero longer
//     than the grace window ago
//   - Defragmentation of the block store when free space is scattered
//   - Cache tier tuning from the hit ratios observed since the last pass
//
// Every phase works in chunks paced by a token bucket and checks its context
// between chunks, so a pass never holds engine locks for long and can be
// interrupted by shutdown.
package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/index"
	"github.com/marmos91/dittoblk/pkg/monitor"
	"github.com/marmos91/dittoblk/pkg/refcount"
)

// Tuner is the cache surface used by tier tuning.
type Tuner interface {
	TierStats() []cache.TierStats
	SetCapacity(ctx context.Context, level cache.Level, entries int) error
}

// Gate brackets a pass. The engine uses it to enter and leave its
// Optimizing state; Enter fails when the engine no longer accepts work.
type Gate interface {
	Enter() error
	Exit()
}

// Deps are the engine components the optimizer works on.
type Deps struct {
	Index   *index.Index
	Counter *refcount.Counter
	Blocks  *blockstore.Store

	// Cache is tuned after each pass. Nil disables tuning.
	Cache Tuner

	// Relocation serializes payload moves with readers resolving locations.
	// Nil means no coordination is needed.
	Relocation sync.Locker

	// Gate is optional.
	Gate Gate

	// Monitor is told about reclaimed space. Optional.
	Monitor *monitor.Monitor
}

// Config contains configuration for the optimizer.
type Config struct {
	// Enabled controls whether the background loop runs (default: true)
	Enabled bool

	// Interval is how often a pass runs (default: 1h)
	Interval time.Duration

	// PassTimeout bounds a background pass (default: 10m)
	PassTimeout time.Duration

	// BatchSize is how many index entries each chunk handles (default: 1000)
	BatchSize int

	// DefragThreshold is the fragmentation above which blocks are moved
	// (default: 0.3)
	DefragThreshold float64

	// ChunksPerSecond paces chunks; 0 disables pacing
	ChunksPerSecond float64

	// DryRun reports what a pass would do without changing anything
	DryRun bool

	Tuning TuningConfig
}

// TuningConfig controls cache capacity adjustments.
type TuningConfig struct {
	Enabled bool

	// LowHitRatio below which a full tier grows (default: 0.5)
	LowHitRatio float64

	// HighHitRatio above which a half-empty tier shrinks (default: 0.9)
	HighHitRatio float64

	// CapacityStep is the entry delta per adjustment (default: 64)
	CapacityStep int

	// MaxEntries caps growth (0 = twice the initial capacity)
	MaxEntries int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.DefragThreshold <= 0 {
		c.DefragThreshold = 0.3
	}
	if c.Tuning.LowHitRatio <= 0 {
		c.Tuning.LowHitRatio = 0.5
	}
	if c.Tuning.HighHitRatio <= 0 {
		c.Tuning.HighHitRatio = 0.9
	}
	if c.Tuning.CapacityStep <= 0 {
		c.Tuning.CapacityStep = 64
	}
}

// Optimizer performs periodic maintenance passes.
//
// Thread Safety: Safe for concurrent use. Passes are serialized.
type Optimizer struct {
	deps   Deps
	config Config

	runMu sync.Mutex
	prev  []cache.TierStats
	base  map[cache.Level]int

	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates an optimizer. Call Start to begin background passes.
func New(deps Deps, config Config) (*Optimizer, error) {
	if deps.Index == nil || deps.Counter == nil || deps.Blocks == nil {
		return nil, fmt.Errorf("optimizer requires an index, a reference counter and a block store")
	}
	config.applyDefaults()
	return &Optimizer{
		deps:   deps,
		config: config,
		base:   make(map[cache.Level]int),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config {
	return o.config
}

// Start begins background passes. Calling it on a disabled optimizer is a
// no-op.
func (o *Optimizer) Start() {
	if !o.config.Enabled {
		logger.Info("Optimizer disabled")
		return
	}
	o.startMu.Lock()
	if o.started {
		o.startMu.Unlock()
		return
	}
	o.started = true
	o.startMu.Unlock()

	logger.Info("Starting optimizer: interval=%s batch_size=%d defrag_threshold=%.2f dry_run=%v",
		o.config.Interval, o.config.BatchSize, o.config.DefragThreshold, o.config.DryRun)

	go o.worker()
}

// Stop stops the background loop and waits for an in-progress pass, or for
// ctx to expire. Safe to call multiple times.
func (o *Optimizer) Stop(ctx context.Context) error {
	o.startMu.Lock()
	started := o.started
	o.startMu.Unlock()
	if !started {
		return nil
	}

	logger.Info("Stopping optimizer...")
	o.stopOnce.Do(func() { close(o.stopCh) })

	select {
	case <-o.doneCh:
		logger.Info("Optimizer stopped successfully")
		return nil
	case <-ctx.Done():
		logger.Warn("Optimizer shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one pass immediately and blocks until it completes.
func (o *Optimizer) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running optimizer pass (manual trigger)...")
	return o.run(ctx)
}

func (o *Optimizer) worker() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()

	// Cancel a pass in progress on Stop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			passCtx, passCancel := context.WithTimeout(ctx, o.config.PassTimeout)
			stats, err := o.run(passCtx)
			passCancel()

			if err != nil {
				logger.Error("Optimizer pass failed: %v", err)
			} else {
				logger.Info("Optimizer pass completed: %s", stats.Summary())
			}

		case <-o.stopCh:
			return
		}
	}
}

func (o *Optimizer) run(ctx context.Context) (*Stats, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	stats := &Stats{StartTime: time.Now(), DryRun: o.config.DryRun}

	if o.deps.Gate != nil {
		if err := o.deps.Gate.Enter(); err != nil {
			stats.EndTime = time.Now()
			return stats, err
		}
		defer o.deps.Gate.Exit()
	}

	// Phase 1
	res, err := o.collect(ctx, o.deps.Counter.Cutoff(), o.config.DryRun)
	stats.addCollect(res)
	if err != nil {
		stats.EndTime = time.Now()
		return stats, fmt.Errorf("garbage collection: %w", err)
	}

	// Phase 2
	if err := o.defragment(ctx, stats, false); err != nil {
		stats.EndTime = time.Now()
		return stats, fmt.Errorf("defragmentation: %w", err)
	}

	// Phase 3
	if o.config.Tuning.Enabled && o.deps.Cache != nil {
		if err := o.tune(ctx, stats); err != nil {
			stats.EndTime = time.Now()
			return stats, fmt.Errorf("tier tuning: %w", err)
		}
	}

	stats.EndTime = time.Now()
	return stats, nil
}

func (o *Optimizer) limiter() *rate.Limiter {
	if o.config.ChunksPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(o.config.ChunksPerSecond), 1)
}

func (o *Optimizer) collect(ctx context.Context, cutoff time.Time, dryRun bool) (refcount.CollectResult, error) {
	logger.Debug("Optimizer: collecting blocks released before %s", cutoff.Format(time.RFC3339))
	res, err := o.deps.Counter.CollectExpired(ctx, refcount.CollectOptions{
		Cutoff:    cutoff,
		BatchSize: o.config.BatchSize,
		Limiter:   o.limiter(),
		DryRun:    dryRun,
	})
	if o.deps.Monitor != nil {
		o.deps.Monitor.RecordCollected(res.Reclaimed, res.BytesFreed)
	}
	return res, err
}

// Reclaim is the out-of-space recovery path: it reclaims every pending
// block regardless of the grace window, then compacts the block store. It
// runs outside the background schedule, may overlap a pass and ignores
// DryRun.
func (o *Optimizer) Reclaim(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	res, err := o.collect(ctx, time.Now(), false)
	stats.addCollect(res)
	if err != nil {
		stats.EndTime = time.Now()
		return stats, err
	}
	err = o.defragment(ctx, stats, true)
	stats.EndTime = time.Now()
	return stats, err
}
