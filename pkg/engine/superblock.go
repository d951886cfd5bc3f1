package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
)

// loadSuperblock checks the persisted volume description against the
// configuration, or formats a fresh volume.
func (e *Engine) loadSuperblock(ctx context.Context) error {
	info := e.dev.Info()

	sb, err := e.md.GetSuperblock(ctx)
	if store.CodeOf(err) == store.CodeNotFound {
		size := e.cfg.BlockSize
		if size == 0 {
			size = DefaultBlockSize
		}
		sb = metadata.Superblock{
			ID:            uuid.NewString(),
			BlockSize:     size,
			HashAlgorithm: string(e.hasher.Algorithm()),
			DeviceBlocks:  info.Blocks,
			CreatedAt:     time.Now().UTC(),
		}
		if err := e.md.PutSuperblock(ctx, sb); err != nil {
			return fmt.Errorf("format volume: %w", err)
		}
		logger.Info("Engine: formatted volume %s (block_size=%d device=%s %d blocks)",
			sb.ID, sb.BlockSize, info.Family, info.Blocks)
		e.superblock = sb
		e.blockSize.Store(int64(sb.BlockSize))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load superblock: %w", err)
	}

	if sb.HashAlgorithm != string(e.hasher.Algorithm()) {
		return fmt.Errorf("volume %s uses hash %s, configured %s: %w",
			sb.ID, sb.HashAlgorithm, e.hasher.Algorithm(), store.ErrInvalidArgument)
	}
	if sb.DeviceBlocks != info.Blocks {
		return fmt.Errorf("volume %s was formatted on %d device blocks, device has %d: %w",
			sb.ID, sb.DeviceBlocks, info.Blocks, store.ErrInvalidArgument)
	}
	if e.cfg.BlockSize != 0 && e.cfg.BlockSize != sb.BlockSize {
		logger.Warn("Engine: volume %s has block size %d, ignoring configured %d",
			sb.ID, sb.BlockSize, e.cfg.BlockSize)
	}

	e.superblock = sb
	e.blockSize.Store(int64(sb.BlockSize))
	return nil
}
