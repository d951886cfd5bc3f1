// Package refcount drives the reference count lifecycle of stored blocks:
// acquiring and releasing references, and reclaiming the storage of blocks
// nobody references anymore.
//
// Reclamation is at-most-once per block. Only the caller that wins
// index.BeginReclaim touches the block store, so concurrent releases, the
// optimizer and out-of-space recovery can all attempt reclamation of the same
// hash safely.
package refcount

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/index"
)

// Counter couples the content index with the block store.
type Counter struct {
	idx    *index.Index
	blocks *blockstore.Store
	grace  time.Duration
	now    func() time.Time
}

// New creates a Counter. A zero grace window reclaims blocks as soon as their
// last reference is released; otherwise zero-reference blocks stay pending
// until CollectExpired runs past their window.
func New(idx *index.Index, blocks *blockstore.Store, grace time.Duration) *Counter {
	return &Counter{
		idx:    idx,
		blocks: blocks,
		grace:  grace,
		now:    time.Now,
	}
}

// GraceWindow returns the configured grace window.
func (c *Counter) GraceWindow() time.Duration {
	return c.grace
}

// Cutoff returns the latest zero time a pending block may have to be
// reclaimed now.
func (c *Counter) Cutoff() time.Time {
	return c.now().Add(-c.grace)
}

// Acquire adds a reference to h.
func (c *Counter) Acquire(ctx context.Context, h hash.BlockHash) (uint64, error) {
	return c.idx.IncrementRef(ctx, h)
}

// Release drops a reference to h. When this call observes the transition to
// zero and there is no grace window, the block is reclaimed immediately and
// reclaimed reports true.
func (c *Counter) Release(ctx context.Context, h hash.BlockHash) (remaining uint64, reclaimed bool, err error) {
	remaining, err = c.idx.DecrementRef(ctx, h)
	if err != nil {
		return 0, false, err
	}
	if remaining > 0 || c.grace > 0 {
		return remaining, false, nil
	}
	reclaimed, _, err = c.Reclaim(ctx, h, c.now())
	return 0, reclaimed, err
}

// Reclaim releases the storage of h if it is pending and reached zero
// references at or before cutoff. It returns false without error when another
// caller claimed the block first or the block was revived.
func (c *Counter) Reclaim(ctx context.Context, h hash.BlockHash, cutoff time.Time) (bool, uint32, error) {
	meta, ok := c.idx.BeginReclaim(h, cutoff)
	if !ok {
		return false, 0, nil
	}
	// The record goes first so a failure leaves the space allocated.
	if err := c.idx.CompleteReclaim(ctx, h); err != nil {
		c.idx.AbortReclaim(h)
		return false, 0, fmt.Errorf("reclaim %s: %w", h.Short(), err)
	}
	c.blocks.Free(meta.Location)
	logger.Debug("refcount: reclaimed %s at %s", h.Short(), meta.Location)
	return true, meta.StoredSize(), nil
}

// CollectOptions controls a CollectExpired sweep.
type CollectOptions struct {
	// Cutoff is the latest zero time eligible for reclamation.
	Cutoff time.Time

	// BatchSize is the number of index entries examined per chunk.
	BatchSize int

	// Limiter paces chunks. Nil means unpaced.
	Limiter *rate.Limiter

	// DryRun counts eligible blocks without reclaiming them.
	DryRun bool
}

// CollectResult summarizes a CollectExpired sweep.
type CollectResult struct {
	Scanned    int
	Eligible   int
	Reclaimed  int
	Failed     int
	BytesFreed uint64
}

// CollectExpired sweeps the index and reclaims every pending block whose
// grace window elapsed before opts.Cutoff. The context is checked between
// chunks; a cancelled sweep returns what it accomplished so far.
func (c *Counter) CollectExpired(ctx context.Context, opts CollectOptions) (CollectResult, error) {
	var res CollectResult
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	it := c.idx.Snapshot(ctx)
	for {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		batch := it.NextBatch(opts.BatchSize)
		if len(batch) == 0 {
			return res, it.Err()
		}

		for _, meta := range batch {
			res.Scanned++
			if meta.State != index.StatePending || meta.ZeroSince.After(opts.Cutoff) {
				continue
			}
			res.Eligible++
			if opts.DryRun {
				continue
			}
			ok, freed, err := c.Reclaim(ctx, meta.Hash, opts.Cutoff)
			if err != nil {
				res.Failed++
				logger.Warn("refcount: %v", err)
				continue
			}
			if ok {
				res.Reclaimed++
				res.BytesFreed += uint64(freed)
			}
		}
	}
}
