// Package engine is the DittoBLK context object. It owns every storage
// component (hasher, content index, logical map, block store, reference
// counter, compression, tiered cache, optimizer and monitor), drives their
// lifecycle and exposes the logical block API.
//
// Data flow:
//
//	Read(lba)  → cache tiers → miss → logical map → index → block store → decompress
//	Write(lba) → cache (write policy) → hash → dedup against index → compress → block store
//
// The engine is the cache.Backend: whatever the cache writes through or
// flushes lands in WriteBlock, which performs the deduplication.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/compress"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/index"
	"github.com/marmos91/dittoblk/pkg/monitor"
	"github.com/marmos91/dittoblk/pkg/optimizer"
	"github.com/marmos91/dittoblk/pkg/refcount"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
)

// Supported logical block sizes.
var BlockSizes = []int{4 << 10, 8 << 10, 16 << 10, 32 << 10}

// DefaultBlockSize is used when no block size is configured or persisted.
const DefaultBlockSize = 4 << 10

// ValidBlockSize reports whether size is a supported logical block size.
func ValidBlockSize(size int) bool {
	for _, s := range BlockSizes {
		if s == size {
			return true
		}
	}
	return false
}

// lbaStripes is the number of per-address locks guarding the backing path.
const lbaStripes = 1024

// Config configures an Engine.
type Config struct {
	// BlockSize is the logical block size. 0 adopts the persisted size, or
	// DefaultBlockSize on a fresh volume.
	BlockSize int

	// HashAlgorithm fingerprints blocks (default: sha256).
	HashAlgorithm hash.Algorithm

	// VerifyOnHit compares bytes on every dedup hit to rule out collisions.
	VerifyOnHit bool

	// VerifyReads rehashes blocks read from the block store.
	VerifyReads bool

	// MaxAllocRetries bounds out-of-space recovery attempts (default: 3).
	MaxAllocRetries int

	// ShutdownTimeout bounds Shutdown when its context has no deadline
	// (default: 30s).
	ShutdownTimeout time.Duration

	// GraceWindow keeps zero-reference blocks around before reclamation.
	GraceWindow time.Duration

	Compression compress.Config
	Cache       cache.Config
	Optimizer   optimizer.Config

	// Metrics receives engine observations. Nil disables them.
	Metrics monitor.Metrics
}

func (c *Config) applyDefaults() {
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = hash.SHA256
	}
	if c.MaxAllocRetries <= 0 {
		c.MaxAllocRetries = 3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// ReadOptions tunes a Read.
type ReadOptions struct {
	// Tier receives the block on a cache miss (default: L1).
	Tier cache.Level
}

// WriteOptions tunes a Write.
type WriteOptions struct {
	// Policy overrides the target tier's write policy.
	Policy cache.WritePolicy

	// Tier receives the block (default: L1).
	Tier cache.Level
}

// Engine is the deduplicating block engine.
//
// Thread Safety:
// All exported methods are safe for concurrent use. Operations on the same
// logical address are serialized by the cache; the backing path is guarded
// by per-address stripes, and payload relocation by relocMu.
type Engine struct {
	cfg Config
	dev device.Device
	md  metadata.Store

	hasher     hash.Hasher
	blocks     *blockstore.Store
	idx        *index.Index
	logical    *index.LogicalMap
	counter    *refcount.Counter
	compressor *compress.Manager
	cache      *cache.Manager
	optimizer  *optimizer.Optimizer
	monitor    *monitor.Monitor

	blockSize  atomic.Int64
	ctlMu      sync.Mutex
	superblock metadata.Superblock

	lbaLocks [lbaStripes]sync.Mutex
	relocMu  sync.RWMutex

	stateMu  sync.Mutex
	state    State
	depth    int
	inflight sync.WaitGroup
}

// New creates an engine over dev and md. The engine takes ownership of both
// and closes them on Shutdown. Call Open before issuing I/O.
func New(dev device.Device, md metadata.Store, cfg Config) (*Engine, error) {
	if dev == nil || md == nil {
		return nil, fmt.Errorf("engine requires a device and a metadata store: %w", store.ErrInvalidArgument)
	}
	cfg.applyDefaults()
	if cfg.BlockSize != 0 && !ValidBlockSize(cfg.BlockSize) {
		return nil, fmt.Errorf("block size %d: %w", cfg.BlockSize, store.ErrInvalidArgument)
	}
	hasher, err := hash.New(cfg.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}

	e := &Engine{
		cfg:        cfg,
		dev:        dev,
		md:         md,
		hasher:     hasher,
		blocks:     blockstore.New(dev),
		idx:        index.New(md),
		logical:    index.NewLogicalMap(md),
		compressor: compress.NewManager(cfg.Compression),
		monitor:    monitor.New(cfg.Metrics),
		state:      StateUninitialized,
	}
	e.counter = refcount.New(e.idx, e.blocks, cfg.GraceWindow)
	return e, nil
}

// Open loads persisted state and brings the engine to Ready.
func (e *Engine) Open(ctx context.Context) error {
	e.stateMu.Lock()
	if e.state != StateUninitialized {
		e.stateMu.Unlock()
		return fmt.Errorf("open in state %s: %w", e.state, store.ErrInvalidState)
	}
	e.state = StateInitializing
	e.stateMu.Unlock()

	if err := e.open(ctx); err != nil {
		e.setState(StateUninitialized)
		return err
	}

	e.setState(StateReady)
	logger.Info("Engine ready: id=%s block_size=%d hash=%s blocks=%d mapped=%d",
		e.superblock.ID, e.BlockSize(), e.hasher.Algorithm(), e.idx.Len(), e.logical.Len())
	return nil
}

func (e *Engine) open(ctx context.Context) error {
	start := time.Now()

	if err := e.md.Healthcheck(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	if err := e.loadSuperblock(ctx); err != nil {
		return err
	}
	if err := e.idx.Load(ctx); err != nil {
		return err
	}
	if err := e.logical.Load(ctx); err != nil {
		return err
	}
	if err := e.loadBitmap(ctx); err != nil {
		return err
	}
	e.seedMonitor(ctx)

	e.cache = cache.New(e, e.cfg.Cache)
	e.monitor.AttachCache(e.cache)

	opt, err := optimizer.New(optimizer.Deps{
		Index:      e.idx,
		Counter:    e.counter,
		Blocks:     e.blocks,
		Cache:      e.cache,
		Relocation: &e.relocMu,
		Gate:       gate{e},
		Monitor:    e.monitor,
	}, e.cfg.Optimizer)
	if err != nil {
		return err
	}
	e.optimizer = opt
	e.optimizer.Start()

	logger.Debug("Engine: opened in %s", time.Since(start))
	return nil
}

// loadBitmap restores the persisted allocation bitmap, falling back to a
// rebuild from the index when it is absent or stale.
func (e *Engine) loadBitmap(ctx context.Context) error {
	locs, err := e.idx.Locations(ctx)
	if err != nil {
		return err
	}

	words, err := e.md.GetBitmap(ctx)
	switch {
	case err == nil:
		if rerr := e.blocks.Restore(words); rerr != nil {
			logger.Warn("Engine: discarding persisted bitmap: %v", rerr)
		} else if e.blocks.Matches(locs) {
			return nil
		} else {
			logger.Warn("Engine: persisted bitmap is stale, rebuilding from %d index records", len(locs))
		}
	case store.CodeOf(err) == store.CodeNotFound:
		logger.Debug("Engine: no persisted bitmap, rebuilding from %d index records", len(locs))
	default:
		return fmt.Errorf("load bitmap: %w", err)
	}

	e.blocks.Rebuild(locs)
	return nil
}

// seedMonitor initializes the stored bytes gauge from the loaded index.
func (e *Engine) seedMonitor(ctx context.Context) {
	var stored uint64
	it := e.idx.Snapshot(ctx)
	for {
		m, ok := it.Next()
		if !ok {
			break
		}
		stored += uint64(m.StoredSize())
	}
	e.monitor.SeedStored(stored)
}

// BlockSize returns the logical block size.
func (e *Engine) BlockSize() int {
	return int(e.blockSize.Load())
}

// ID returns the volume identifier from the superblock.
func (e *Engine) ID() string {
	return e.superblock.ID
}

// Space returns block store usage.
func (e *Engine) Space() blockstore.Stats {
	return e.blocks.Stats()
}

// Cache returns the cache manager. It is nil before Open.
func (e *Engine) Cache() *cache.Manager {
	return e.cache
}

func (e *Engine) lockLBA(lba uint64) func() {
	mu := &e.lbaLocks[lba%lbaStripes]
	mu.Lock()
	return mu.Unlock
}
