package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/index"
	"github.com/marmos91/dittoblk/pkg/store"
)

// defragment compacts the block store by moving the highest-offset payloads
// into the lowest free run that fits below them. It runs when fragmentation
// exceeds the threshold, or unconditionally when force is set.
func (o *Optimizer) defragment(ctx context.Context, stats *Stats, force bool) error {
	blocks := o.deps.Blocks
	before := blocks.Fragmentation()
	stats.FragmentationBefore = before
	stats.FragmentationAfter = before

	if before == 0 || (!force && before <= o.config.DefragThreshold) {
		return nil
	}

	logger.Info("Optimizer: defragmenting, fragmentation=%.3f threshold=%.3f", before, o.config.DefragThreshold)

	var candidates []index.BlockMetadata
	it := o.deps.Index.Snapshot(ctx)
	for {
		batch := it.NextBatch(o.config.BatchSize)
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			if m.State != index.StateReclaiming {
				candidates = append(candidates, m)
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Location.Offset > candidates[j].Location.Offset
	})
	stats.DefragCandidates = len(candidates)

	if o.config.DryRun && !force {
		logger.Info("Optimizer: DRY RUN - would consider %d blocks for relocation", len(candidates))
		return nil
	}

	limiter := o.limiter()
	for i := 0; i < len(candidates); i += o.config.BatchSize {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(i+o.config.BatchSize, len(candidates))
		for _, m := range candidates[i:end] {
			if blocks.Fragmentation() == 0 {
				stats.FragmentationAfter = 0
				return nil
			}
			moved, err := o.move(ctx, m)
			if err != nil {
				stats.RelocateFailed++
				logger.Warn("Optimizer: relocate %s: %v", m.Hash.Short(), err)
				continue
			}
			if moved {
				stats.Relocated++
				stats.BytesMoved += uint64(m.Location.Length)
			}
		}
	}

	stats.FragmentationAfter = blocks.Fragmentation()
	logger.Info("Optimizer: relocated %d blocks (%d bytes), fragmentation %.3f -> %.3f",
		stats.Relocated, stats.BytesMoved, stats.FragmentationBefore, stats.FragmentationAfter)
	return nil
}

// move copies one payload below its current offset and repoints the index.
// It reports false without error when the block changed underneath or no
// lower run fits.
func (o *Optimizer) move(ctx context.Context, m index.BlockMetadata) (bool, error) {
	if l := o.deps.Relocation; l != nil {
		l.Lock()
		defer l.Unlock()
	}

	cur, ok := o.deps.Index.Lookup(m.Hash)
	if !ok || cur.State == index.StateReclaiming || cur.Location != m.Location {
		return false, nil
	}

	blocks := o.deps.Blocks
	to, err := blocks.AllocateBelow(int(cur.Location.Length), cur.Location.Offset)
	if err != nil {
		if errors.Is(err, store.ErrOutOfSpace) {
			return false, nil
		}
		return false, err
	}

	data, err := blocks.Read(ctx, cur.Location)
	if err != nil {
		blocks.Free(to)
		return false, fmt.Errorf("read payload: %w", err)
	}
	if err := blocks.Write(ctx, to, data); err != nil {
		blocks.Free(to)
		return false, fmt.Errorf("write payload: %w", err)
	}
	if err := o.deps.Index.Relocate(ctx, m.Hash, cur.Location, to); err != nil {
		blocks.Free(to)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidState) {
			return false, nil
		}
		return false, err
	}
	blocks.Free(cur.Location)
	logger.Debug("Optimizer: moved %s %s -> %s", m.Hash.Short(), cur.Location, to)
	return true, nil
}
