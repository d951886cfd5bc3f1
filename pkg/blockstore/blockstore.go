// Package blockstore allocates physical space for unique block payloads on a
// block device and moves bytes to and from it.
//
// Space is managed in units of the device block size with a free-space
// bitmap and first-fit contiguous allocation. The store knows nothing about
// hashes or reference counts; the content index owns that metadata and only
// hands locations to the store.
package blockstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device"
)

// Location addresses a stored payload: a run of units starting at Offset
// holding Length meaningful bytes.
type Location struct {
	// Offset is the first unit (device block) of the run.
	Offset uint64

	// Length is the payload size in bytes.
	Length uint32
}

// Units returns the number of units the payload occupies.
func (l Location) Units(unitSize int) uint64 {
	return (uint64(l.Length) + uint64(unitSize) - 1) / uint64(unitSize)
}

// End returns the first unit past the run.
func (l Location) End(unitSize int) uint64 {
	return l.Offset + l.Units(unitSize)
}

func (l Location) String() string {
	return fmt.Sprintf("%d+%dB", l.Offset, l.Length)
}

// Stats summarizes space usage.
type Stats struct {
	UnitSize       int
	TotalUnits     uint64
	UsedUnits      uint64
	FreeUnits      uint64
	LargestFreeRun uint64
	Utilization    float64
	Fragmentation  float64
}

// Store hands out contiguous unit runs on a device.
//
// Thread Safety:
// Allocation state is guarded by a mutex held only for bitmap updates; device
// I/O in Read and Write runs without it.
type Store struct {
	dev      device.Device
	unitSize int
	bm       *bitmap
	mu       sync.Mutex
}

// New creates a store covering the whole device with every unit free.
func New(dev device.Device) *Store {
	info := dev.Info()
	return &Store{
		dev:      dev,
		unitSize: info.BlockSize,
		bm:       newBitmap(info.Blocks),
	}
}

// UnitSize returns the allocation granularity in bytes.
func (s *Store) UnitSize() int {
	return s.unitSize
}

// Device returns the underlying device.
func (s *Store) Device() device.Device {
	return s.dev
}

// Allocate reserves a contiguous run large enough for size bytes. It returns
// store.ErrOutOfSpace when no free run fits; nothing is reserved in that case.
func (s *Store) Allocate(size int) (Location, error) {
	return s.AllocateBelow(size, ^uint64(0))
}

// AllocateBelow is Allocate restricted to runs ending at or before limit.
// Defragmentation uses it to move payloads toward the start of the device.
func (s *Store) AllocateBelow(size int, limit uint64) (Location, error) {
	if size <= 0 {
		return Location{}, fmt.Errorf("allocate %d bytes: %w", size, store.ErrInvalidArgument)
	}
	loc := Location{Length: uint32(size)}
	n := loc.Units(s.unitSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n > s.bm.units-s.bm.used {
		return Location{}, fmt.Errorf("allocate %d units, %d free: %w", n, s.bm.units-s.bm.used, store.ErrOutOfSpace)
	}
	start, ok := s.bm.firstFit(n, limit)
	if !ok {
		return Location{}, fmt.Errorf("allocate %d contiguous units: %w", n, store.ErrOutOfSpace)
	}
	s.bm.set(start, n)
	loc.Offset = start
	return loc, nil
}

// Free releases the units of loc. Freeing an already free location is a
// no-op. Callers must only free locations whose reference count reached zero.
func (s *Store) Free(loc Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bm.clear(loc.Offset, loc.Units(s.unitSize))
}

// Write stores data at loc, zero-padding the final unit.
func (s *Store) Write(ctx context.Context, loc Location, data []byte) error {
	if len(data) != int(loc.Length) {
		return fmt.Errorf("write %d bytes into %s: %w", len(data), loc, store.ErrInvalidArgument)
	}
	n := loc.Units(s.unitSize)
	buf := make([]byte, int(n)*s.unitSize)
	copy(buf, data)

	if err := s.dev.WriteBlocks(ctx, loc.Offset, uint32(n), buf); err != nil {
		return fmt.Errorf("write %s: %w", loc, err)
	}
	return nil
}

// Read returns the Length bytes stored at loc.
func (s *Store) Read(ctx context.Context, loc Location) ([]byte, error) {
	n := loc.Units(s.unitSize)
	if n == 0 {
		return nil, fmt.Errorf("read empty location %s: %w", loc, store.ErrInvalidArgument)
	}
	buf := make([]byte, int(n)*s.unitSize)
	if err := s.dev.ReadBlocks(ctx, loc.Offset, uint32(n), buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	return buf[:loc.Length], nil
}

// Flush flushes the underlying device.
func (s *Store) Flush(ctx context.Context) error {
	return s.dev.Flush(ctx)
}

// Fragmentation returns 1 - largestFreeRun/freeUnits: 0 when all free space
// is one run, approaching 1 as free space scatters.
func (s *Store) Fragmentation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragmentationLocked()
}

func (s *Store) fragmentationLocked() float64 {
	free := s.bm.units - s.bm.used
	if free == 0 {
		return 0
	}
	return 1 - float64(s.bm.largestFreeRun())/float64(free)
}

// Stats returns current space usage.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		UnitSize:       s.unitSize,
		TotalUnits:     s.bm.units,
		UsedUnits:      s.bm.used,
		FreeUnits:      s.bm.units - s.bm.used,
		LargestFreeRun: s.bm.largestFreeRun(),
		Fragmentation:  s.fragmentationLocked(),
	}
	if st.TotalUnits > 0 {
		st.Utilization = float64(st.UsedUnits) / float64(st.TotalUnits)
	}
	return st
}

// Bitmap returns a copy of the allocation bitmap for persistence.
func (s *Store) Bitmap() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bm.snapshot()
}

// Restore replaces the allocation bitmap with a persisted copy.
func (s *Store) Restore(words []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(words) != len(s.bm.words) {
		return fmt.Errorf("bitmap has %d words, device needs %d", len(words), len(s.bm.words))
	}
	s.bm.restore(words)
	return nil
}

// Rebuild resets the bitmap to exactly the given locations. It is used when
// no persisted bitmap exists.
func (s *Store) Rebuild(locs []Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bm = newBitmap(s.bm.units)
	for _, loc := range locs {
		s.bm.set(loc.Offset, loc.Units(s.unitSize))
	}
}

// Matches reports whether the bitmap marks exactly the units of locs. The
// engine uses it to validate a persisted bitmap against the index, which is
// authoritative.
func (s *Store) Matches(locs []Location) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var want uint64
	for _, loc := range locs {
		n := loc.Units(s.unitSize)
		for i := loc.Offset; i < loc.Offset+n; i++ {
			if i >= s.bm.units || !s.bm.isSet(i) {
				return false
			}
		}
		want += n
	}
	return want == s.bm.used
}
