// Package device defines the block device interface consumed by the block
// store, plus the retry policy wrapped around every device.
//
// The dedup core depends only on Device. Concrete drivers (AHCI, NVMe, SCSI,
// VirtIO controllers) live outside this module and are represented here by
// their Family tag; the memory, file and s3 sub-packages provide devices
// usable without hardware.
package device

import (
	"context"
	"fmt"
	"strings"
)

// Family identifies the class of controller a device sits behind.
type Family string

const (
	FamilyAHCI   Family = "ahci"
	FamilyNVMe   Family = "nvme"
	FamilySCSI   Family = "scsi"
	FamilyVirtIO Family = "virtio"
	FamilyRAM    Family = "ram"
)

// ParseFamily parses a family name. Matching is case-insensitive.
func ParseFamily(name string) (Family, error) {
	switch f := Family(strings.ToLower(name)); f {
	case FamilyAHCI, FamilyNVMe, FamilySCSI, FamilyVirtIO, FamilyRAM:
		return f, nil
	case "":
		return FamilyRAM, nil
	default:
		return "", fmt.Errorf("unknown device family: %q", name)
	}
}

// Info describes an opened device.
type Info struct {
	// Family is the controller class.
	Family Family

	// Model is a free-form identifier reported by the device.
	Model string

	// BlockSize is the size of one addressable device block in bytes.
	BlockSize int

	// Blocks is the number of addressable blocks.
	Blocks uint64
}

// Capacity returns the device size in bytes.
func (i Info) Capacity() uint64 {
	return uint64(i.BlockSize) * i.Blocks
}

// Device is a block-addressed storage device.
//
// Addresses are device block numbers. buf must hold exactly count*BlockSize
// bytes. Implementations return errors wrapping store.ErrIO for device-level
// failures and store.ErrInvalidArgument for out-of-range requests.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Concurrent writes to the
// same block have last-writer-wins semantics.
type Device interface {
	// Info returns the device geometry.
	Info() Info

	// ReadBlocks reads count blocks starting at lba into buf.
	ReadBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error

	// WriteBlocks writes count blocks from buf starting at lba.
	WriteBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error

	// Flush makes all completed writes durable.
	Flush(ctx context.Context) error

	// Close releases device resources.
	Close() error
}

// CheckRange validates a request against the device geometry. It is shared by
// the device implementations.
func CheckRange(info Info, lba uint64, count uint32, buf []byte) error {
	if count == 0 {
		return fmt.Errorf("zero block count")
	}
	if lba+uint64(count) > info.Blocks || lba+uint64(count) < lba {
		return fmt.Errorf("blocks [%d, %d) beyond device end %d", lba, lba+uint64(count), info.Blocks)
	}
	if want := int(count) * info.BlockSize; len(buf) != want {
		return fmt.Errorf("buffer is %d bytes, expected %d", len(buf), want)
	}
	return nil
}
