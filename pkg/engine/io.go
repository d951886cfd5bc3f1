package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/cache"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/index"
	"github.com/marmos91/dittoblk/pkg/monitor"
	"github.com/marmos91/dittoblk/pkg/store"
)

// maxInsertRaces bounds how often a write retries after losing an insert
// race or meeting a block that is being reclaimed.
const maxInsertRaces = 16

// ============================================================================
// Logical API
// ============================================================================

// Read returns the content of lba. Reading an address that was never
// written fails with store.ErrNotFound.
func (e *Engine) Read(ctx context.Context, lba uint64, opts ReadOptions) (data []byte, err error) {
	if err := e.begin("read"); err != nil {
		return nil, err
	}
	defer e.end()

	start := time.Now()
	defer func() { e.monitor.ObserveOperation(monitor.OpRead, time.Since(start), err) }()

	data, err = e.cache.Get(ctx, lba, cache.ReadOptions{Tier: opts.Tier})
	if err != nil {
		return nil, fmt.Errorf("read lba %d: %w", lba, err)
	}
	return data, nil
}

// Write stores data at lba. data must be exactly one block.
func (e *Engine) Write(ctx context.Context, lba uint64, data []byte, opts WriteOptions) (err error) {
	if err := e.begin("write"); err != nil {
		return err
	}
	defer e.end()

	start := time.Now()
	defer func() { e.monitor.ObserveOperation(monitor.OpWrite, time.Since(start), err) }()

	if size := e.BlockSize(); len(data) != size {
		return fmt.Errorf("write lba %d: %d bytes, block size is %d: %w",
			lba, len(data), size, store.ErrInvalidArgument)
	}
	if err := e.cache.Put(ctx, lba, data, cache.WriteOptions{Policy: opts.Policy, Tier: opts.Tier}); err != nil {
		return fmt.Errorf("write lba %d: %w", lba, err)
	}
	return nil
}

// Delete trims lba: cached copies are dropped, dirty ones included, and the
// reference to the stored block is released. Trimming an unmapped address
// is a no-op.
func (e *Engine) Delete(ctx context.Context, lba uint64) (err error) {
	if err := e.begin("delete"); err != nil {
		return err
	}
	defer e.end()

	start := time.Now()
	defer func() { e.monitor.ObserveOperation(monitor.OpDelete, time.Since(start), err) }()

	if err := e.cache.Trim(ctx, lba); err != nil {
		return fmt.Errorf("delete lba %d: %w", lba, err)
	}
	return nil
}

// Mapping returns the metadata of the block lba maps to.
func (e *Engine) Mapping(lba uint64) (index.BlockMetadata, error) {
	h, ok := e.logical.Get(lba)
	if !ok {
		return index.BlockMetadata{}, fmt.Errorf("lba %d: %w", lba, store.ErrNotFound)
	}
	meta, ok := e.idx.Lookup(h)
	if !ok {
		return index.BlockMetadata{}, fmt.Errorf("lba %d maps to unknown block %s: %w", lba, h.Short(), store.ErrCorruption)
	}
	return meta, nil
}

// ============================================================================
// Backing path (cache.Backend)
// ============================================================================

// ReadBlock resolves lba through the logical map and the index and returns
// the decompressed payload.
func (e *Engine) ReadBlock(ctx context.Context, lba uint64) ([]byte, error) {
	unlock := e.lockLBA(lba)
	defer unlock()

	h, ok := e.logical.Get(lba)
	if !ok {
		return nil, fmt.Errorf("lba %d: %w", lba, store.ErrNotFound)
	}
	data, err := e.readStored(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("lba %d: %w", lba, err)
	}
	e.idx.Touch(h)
	return data, nil
}

// readStored returns the logical content of block h.
func (e *Engine) readStored(ctx context.Context, h hash.BlockHash) ([]byte, error) {
	e.relocMu.RLock()
	meta, ok := e.idx.Lookup(h)
	if !ok {
		e.relocMu.RUnlock()
		return nil, fmt.Errorf("block %s not indexed: %w", h.Short(), store.ErrCorruption)
	}
	raw, err := e.blocks.Read(ctx, meta.Location)
	e.relocMu.RUnlock()
	if err != nil {
		return nil, err
	}

	data, err := e.compressor.Decompress(raw, meta.Compression)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", h.Short(), err)
	}
	if len(data) != int(meta.Size) {
		return nil, fmt.Errorf("block %s has %d bytes, expected %d: %w", h.Short(), len(data), meta.Size, store.ErrCorruption)
	}
	if e.cfg.VerifyReads {
		e.monitor.RecordHash()
		if got := e.hasher.Fingerprint(data); got != h {
			return nil, fmt.Errorf("block %s content hashes to %s: %w", h.Short(), got.Short(), store.ErrCorruption)
		}
	}
	return data, nil
}

// WriteBlock deduplicates data against the index, stores it if it is new
// and maps lba to it, releasing the block lba mapped to before.
func (e *Engine) WriteBlock(ctx context.Context, lba uint64, data []byte) error {
	if size := e.BlockSize(); len(data) != size {
		return fmt.Errorf("lba %d: %d bytes, block size is %d: %w", lba, len(data), size, store.ErrInvalidArgument)
	}

	unlock := e.lockLBA(lba)
	defer unlock()

	h := e.hasher.Fingerprint(data)
	e.monitor.RecordHash()

	old, had := e.logical.Get(lba)
	if had && old == h {
		return nil
	}

	if err := e.reference(ctx, h, data); err != nil {
		return fmt.Errorf("lba %d: %w", lba, err)
	}

	if _, _, err := e.logical.Set(ctx, lba, h); err != nil {
		if rerr := e.release(ctx, h); rerr != nil {
			logger.Warn("Engine: release %s after failed mapping: %v", h.Short(), rerr)
		}
		return fmt.Errorf("lba %d: %w", lba, err)
	}
	if had {
		if err := e.release(ctx, old); err != nil {
			logger.Warn("Engine: release %s replaced at lba %d: %v", old.Short(), lba, err)
		}
	}
	return nil
}

// TrimBlock unmaps lba and releases the block it mapped to. The cache calls
// it under the key's stripe lock.
func (e *Engine) TrimBlock(ctx context.Context, lba uint64) error {
	unlock := e.lockLBA(lba)
	defer unlock()

	old, had, err := e.logical.Delete(ctx, lba)
	if err != nil {
		return fmt.Errorf("lba %d: %w", lba, err)
	}
	if !had {
		return nil
	}
	return e.release(ctx, old)
}

// reference takes one reference to the block holding data, storing it first
// if the content is new.
func (e *Engine) reference(ctx context.Context, h hash.BlockHash, data []byte) error {
	for attempt := 0; attempt < maxInsertRaces; attempt++ {
		_, err := e.counter.Acquire(ctx, h)
		if err == nil {
			return e.deduplicated(ctx, h, data)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		err = e.storeNew(ctx, h, data)
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
		// Another writer inserted h, or it is still being reclaimed.
	}
	return fmt.Errorf("block %s: too many concurrent insert races: %w", h.Short(), store.ErrInvalidState)
}

// deduplicated accounts a dedup hit, verifying the stored bytes if enabled.
func (e *Engine) deduplicated(ctx context.Context, h hash.BlockHash, data []byte) error {
	meta, _ := e.idx.Lookup(h)
	if e.cfg.VerifyOnHit {
		stored, err := e.readStored(ctx, h)
		if err == nil && !bytes.Equal(stored, data) {
			err = fmt.Errorf("hash collision on %s: %w", h.Short(), store.ErrCorruption)
		}
		if err != nil {
			if _, _, rerr := e.counter.Release(ctx, h); rerr != nil {
				logger.Warn("Engine: release %s after failed verification: %v", h.Short(), rerr)
			}
			return err
		}
	}
	e.monitor.RecordWrite(true, len(data), int(meta.StoredSize()))
	logger.Debug("Engine: dedup hit %s refs=%d", h.Short(), meta.RefCount)
	return nil
}

// storeNew compresses, allocates, writes and indexes a first-seen block.
func (e *Engine) storeNew(ctx context.Context, h hash.BlockHash, data []byte) error {
	payload, info, err := e.compressor.Compress(data)
	if err != nil {
		return err
	}

	loc, err := e.allocate(ctx, len(payload))
	if err != nil {
		return err
	}
	if err := e.blocks.Write(ctx, loc, payload); err != nil {
		e.blocks.Free(loc)
		return err
	}

	now := time.Now()
	err = e.idx.InsertNew(ctx, index.BlockMetadata{
		Hash:        h,
		Size:        uint32(len(data)),
		RefCount:    1,
		Location:    loc,
		Compression: info,
		CreatedAt:   now,
		LastAccess:  now,
	})
	if err != nil {
		e.blocks.Free(loc)
		return err
	}

	e.monitor.RecordWrite(false, len(data), len(payload))
	return nil
}

// allocate reserves space for size bytes. On ErrOutOfSpace it reclaims
// unreferenced blocks and compacts the store before retrying, up to
// MaxAllocRetries times.
func (e *Engine) allocate(ctx context.Context, size int) (blockstore.Location, error) {
	for attempt := 0; ; attempt++ {
		loc, err := e.blocks.Allocate(size)
		if err == nil || !errors.Is(err, store.ErrOutOfSpace) || attempt >= e.cfg.MaxAllocRetries {
			return loc, err
		}

		logger.Warn("Engine: out of space allocating %d bytes, recovering (attempt %d/%d)",
			size, attempt+1, e.cfg.MaxAllocRetries)
		stats, rerr := e.optimizer.Reclaim(ctx)
		if rerr != nil {
			return blockstore.Location{}, fmt.Errorf("%w (recovery failed: %v)", err, rerr)
		}
		if stats.Reclaimed == 0 && stats.Relocated == 0 {
			return loc, err
		}
	}
}

// release drops one reference to h and accounts the reclamation if the
// block's storage was released.
func (e *Engine) release(ctx context.Context, h hash.BlockHash) error {
	meta, _ := e.idx.Lookup(h)
	_, reclaimed, err := e.counter.Release(ctx, h)
	if err != nil {
		return err
	}
	if reclaimed {
		e.monitor.RecordReclaim(int(meta.StoredSize()))
	}
	return nil
}
