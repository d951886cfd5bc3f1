// Package file implements a block device backed by an image file.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device"
)

// Config configures a file-backed device.
type Config struct {
	// Path is the image file. It is created and sized if missing.
	Path string

	// Family tags the device with the controller class it emulates.
	Family device.Family

	// BlockSize is the device block size in bytes.
	BlockSize int

	// Blocks is the device size in blocks.
	Blocks uint64
}

// Device stores blocks at offset lba*BlockSize of a single image file.
//
// Thread Safety:
// ReadAt and WriteAt on *os.File are safe for concurrent use; the mutex only
// guards Close against in-flight I/O.
type Device struct {
	info device.Info
	f    *os.File
	mu   sync.RWMutex
}

// Open opens or creates the image file and truncates it to the configured
// size. An existing larger file is left untouched.
func Open(ctx context.Context, cfg Config) (*Device, error) {
	// ========================================================================
	// Step 1: Validate configuration
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("device path is required")
	}
	if cfg.BlockSize <= 0 || cfg.Blocks == 0 {
		return nil, fmt.Errorf("invalid geometry: %d blocks of %d bytes", cfg.Blocks, cfg.BlockSize)
	}
	if cfg.Family == "" {
		cfg.Family = device.FamilyNVMe
	}

	// ========================================================================
	// Step 2: Open and size the image
	// ========================================================================

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device image: %w", err)
	}

	size := int64(cfg.BlockSize) * int64(cfg.Blocks)
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat device image: %w", err)
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to size device image: %w", err)
		}
	}

	return &Device{
		info: device.Info{
			Family:    cfg.Family,
			Model:     "file:" + filepath.Base(cfg.Path),
			BlockSize: cfg.BlockSize,
			Blocks:    cfg.Blocks,
		},
		f: f,
	}, nil
}

// Info returns the device geometry.
func (d *Device) Info() device.Info {
	return d.info
}

// ReadBlocks reads count blocks at lba.
func (d *Device) ReadBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := device.CheckRange(d.info, lba, count, buf); err != nil {
		return fmt.Errorf("read: %v: %w", err, store.ErrInvalidArgument)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return store.ErrClosed
	}

	if _, err := d.f.ReadAt(buf, int64(lba)*int64(d.info.BlockSize)); err != nil {
		return fmt.Errorf("read blocks [%d,+%d): %v: %w", lba, count, err, store.ErrIO)
	}
	return nil
}

// WriteBlocks writes count blocks at lba.
func (d *Device) WriteBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := device.CheckRange(d.info, lba, count, buf); err != nil {
		return fmt.Errorf("write: %v: %w", err, store.ErrInvalidArgument)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return store.ErrClosed
	}

	if _, err := d.f.WriteAt(buf, int64(lba)*int64(d.info.BlockSize)); err != nil {
		return fmt.Errorf("write blocks [%d,+%d): %v: %w", lba, count, err, store.ErrIO)
	}
	return nil
}

// Flush syncs the image file.
func (d *Device) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return store.ErrClosed
	}

	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("sync: %v: %w", err, store.ErrIO)
	}
	return nil
}

// Close syncs and closes the image file.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	syncErr := d.f.Sync()
	closeErr := d.f.Close()
	d.f = nil
	if syncErr != nil {
		return fmt.Errorf("failed to sync device image: %w", syncErr)
	}
	return closeErr
}
