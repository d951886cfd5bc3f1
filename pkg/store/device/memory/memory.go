// Package memory implements a RAM-backed block device.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device"
)

// Device is a sparse in-memory block device.
//
// Blocks are allocated on first write; never-written blocks read as zeros.
// It is designed for tests, development and the RAM tier of small
// deployments. All data is lost when the process exits.
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Data is copied in and out
// so callers may reuse their buffers.
type Device struct {
	info   device.Info
	blocks map[uint64][]byte
	mu     sync.RWMutex
	closed bool

	// faults makes the next N operations fail with store.ErrIO.
	faults atomic.Int64
}

// New creates an empty RAM device with the given geometry.
func New(ctx context.Context, blockSize int, blocks uint64) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blockSize <= 0 || blocks == 0 {
		return nil, fmt.Errorf("invalid geometry: %d blocks of %d bytes", blocks, blockSize)
	}

	return &Device{
		info: device.Info{
			Family:    device.FamilyRAM,
			Model:     "dittoblk-ramdisk",
			BlockSize: blockSize,
			Blocks:    blocks,
		},
		blocks: make(map[uint64][]byte),
	}, nil
}

// InjectFaults makes the next n operations fail with store.ErrIO.
func (d *Device) InjectFaults(n int) {
	d.faults.Store(int64(n))
}

func (d *Device) fault() error {
	for {
		n := d.faults.Load()
		if n <= 0 {
			return nil
		}
		if d.faults.CompareAndSwap(n, n-1) {
			return fmt.Errorf("injected fault: %w", store.ErrIO)
		}
	}
}

// Info returns the device geometry.
func (d *Device) Info() device.Info {
	return d.info
}

// ReadBlocks copies count blocks starting at lba into buf.
func (d *Device) ReadBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := device.CheckRange(d.info, lba, count, buf); err != nil {
		return fmt.Errorf("read: %v: %w", err, store.ErrInvalidArgument)
	}
	if err := d.fault(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return store.ErrClosed
	}

	bs := d.info.BlockSize
	for i := uint32(0); i < count; i++ {
		dst := buf[int(i)*bs : int(i+1)*bs]
		if src, ok := d.blocks[lba+uint64(i)]; ok {
			copy(dst, src)
		} else {
			clear(dst)
		}
	}
	return nil
}

// WriteBlocks copies count blocks from buf starting at lba.
func (d *Device) WriteBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := device.CheckRange(d.info, lba, count, buf); err != nil {
		return fmt.Errorf("write: %v: %w", err, store.ErrInvalidArgument)
	}
	if err := d.fault(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}

	bs := d.info.BlockSize
	for i := uint32(0); i < count; i++ {
		block, ok := d.blocks[lba+uint64(i)]
		if !ok {
			block = make([]byte, bs)
			d.blocks[lba+uint64(i)] = block
		}
		copy(block, buf[int(i)*bs:int(i+1)*bs])
	}
	return nil
}

// Flush is a no-op for RAM.
func (d *Device) Flush(ctx context.Context) error {
	if err := d.fault(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close releases all blocks.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.blocks = nil
	return nil
}
