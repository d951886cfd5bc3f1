package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/compress"
	"github.com/marmos91/dittoblk/pkg/monitor"
	"github.com/marmos91/dittoblk/pkg/optimizer"
	"github.com/marmos91/dittoblk/pkg/store"
)

// Flush writes every dirty cached block through the dedup path, persists
// the allocation bitmap and flushes the device.
func (e *Engine) Flush(ctx context.Context) (err error) {
	if err := e.begin("flush"); err != nil {
		return err
	}
	defer e.end()

	start := time.Now()
	defer func() { e.monitor.ObserveOperation(monitor.OpFlush, time.Since(start), err) }()

	if err := e.cache.Flush(ctx); err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}
	return e.sync(ctx)
}

// sync persists the bitmap and flushes the device.
func (e *Engine) sync(ctx context.Context) error {
	if err := e.md.PutBitmap(ctx, e.blocks.Bitmap()); err != nil {
		return fmt.Errorf("persist bitmap: %w", err)
	}
	if err := e.blocks.Flush(ctx); err != nil {
		return fmt.Errorf("flush device: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() monitor.Snapshot {
	return e.monitor.Snapshot()
}

// CacheHitRatio returns the aggregate cache hit ratio across tiers.
func (e *Engine) CacheHitRatio() float64 {
	return e.monitor.Snapshot().CacheHitRatio()
}

// Optimize runs one optimizer pass now. The engine is Optimizing for its
// duration.
func (e *Engine) Optimize(ctx context.Context) (*optimizer.Stats, error) {
	if err := e.begin("optimize"); err != nil {
		return nil, err
	}
	defer e.end()
	return e.optimizer.RunNow(ctx)
}

// SetBlockSize changes the logical block size. It is only allowed while no
// logical address is mapped and no block is stored.
func (e *Engine) SetBlockSize(ctx context.Context, size int) error {
	if err := e.begin("set block size"); err != nil {
		return err
	}
	defer e.end()

	if !ValidBlockSize(size) {
		return fmt.Errorf("block size %d: %w", size, store.ErrInvalidArgument)
	}
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if size == e.BlockSize() {
		return nil
	}
	if e.logical.Len() > 0 || e.idx.Len() > 0 || e.cache.DirtyCount() > 0 {
		return fmt.Errorf("block size cannot change with %d mapped blocks: %w", e.logical.Len(), store.ErrInvalidState)
	}

	sb := e.superblock
	sb.BlockSize = size
	if err := e.md.PutSuperblock(ctx, sb); err != nil {
		return fmt.Errorf("persist block size: %w", err)
	}
	e.superblock = sb
	e.blockSize.Store(int64(size))
	logger.Info("Engine: block size set to %d", size)
	return nil
}

// SetCompression selects the algorithm applied to new blocks by name
// ("none", "lz4", "zstd", "gzip", "snappy"). Stored blocks keep theirs.
func (e *Engine) SetCompression(name string) error {
	alg, err := compress.ParseAlgorithm(name)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}
	if err := e.compressor.SetAlgorithm(alg); err != nil {
		return err
	}
	logger.Info("Engine: compression algorithm set to %s", alg)
	return nil
}

// EnableCompression toggles compression of new blocks.
func (e *Engine) EnableCompression(enabled bool) {
	e.compressor.SetEnabled(enabled)
	logger.Info("Engine: compression enabled=%v", enabled)
}

// Compression returns the active algorithm and whether it is enabled.
func (e *Engine) Compression() (compress.Algorithm, bool) {
	return e.compressor.Algorithm(), e.compressor.Enabled()
}
