package blockstore

import "math/bits"

// bitmap tracks allocated units, one bit per unit. It is not safe for
// concurrent use; Store serializes access.
type bitmap struct {
	words []uint64
	units uint64
	used  uint64
}

func newBitmap(units uint64) *bitmap {
	return &bitmap{
		words: make([]uint64, (units+63)/64),
		units: units,
	}
}

func (b *bitmap) isSet(i uint64) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

func (b *bitmap) set(start, n uint64) {
	for i := start; i < start+n; i++ {
		if !b.isSet(i) {
			b.words[i/64] |= 1 << (i % 64)
			b.used++
		}
	}
}

// clear releases units. Already free units are skipped, which makes Free
// idempotent.
func (b *bitmap) clear(start, n uint64) {
	for i := start; i < start+n && i < b.units; i++ {
		if b.isSet(i) {
			b.words[i/64] &^= 1 << (i % 64)
			b.used--
		}
	}
}

// firstFit returns the start of the first free run of n units that ends at or
// before limit.
func (b *bitmap) firstFit(n, limit uint64) (uint64, bool) {
	if limit > b.units {
		limit = b.units
	}
	var run uint64
	for i := uint64(0); i < limit; i++ {
		// Skip fully allocated words quickly.
		if i%64 == 0 && b.words[i/64] == ^uint64(0) && i+64 <= limit {
			run = 0
			i += 63
			continue
		}
		if b.isSet(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			return i + 1 - n, true
		}
	}
	return 0, false
}

// largestFreeRun returns the length of the longest run of free units.
func (b *bitmap) largestFreeRun() uint64 {
	var best, run uint64
	for i := uint64(0); i < b.units; i++ {
		if b.isSet(i) {
			run = 0
			continue
		}
		run++
		if run > best {
			best = run
		}
	}
	return best
}

func (b *bitmap) snapshot() []uint64 {
	out := make([]uint64, len(b.words))
	copy(out, b.words)
	return out
}

func (b *bitmap) restore(words []uint64) {
	copy(b.words, words)
	// Bits past the end of the device are never valid.
	if rem := b.units % 64; rem != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (1 << rem) - 1
	}
	b.used = 0
	for _, w := range b.words {
		b.used += uint64(bits.OnesCount64(w))
	}
}
