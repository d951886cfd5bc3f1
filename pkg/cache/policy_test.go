package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(key uint64, seq uint64) *entry {
	return &entry{key: key, insertSeq: seq, lastAccess: time.Unix(int64(seq), 0)}
}

func noSkip(*entry) bool { return false }

func TestLRUVictimOrder(t *testing.T) {
	p := newLRU()
	a, b, c := newEntry(1, 1), newEntry(2, 2), newEntry(3, 3)
	p.add(a)
	p.add(b)
	p.add(c)

	assert.Equal(t, a, p.victim(noSkip))
	p.access(a)
	assert.Equal(t, b, p.victim(noSkip))

	b.pins = 1
	assert.Equal(t, c, p.victim(skipUnevictable))

	p.remove(c, true)
	assert.Equal(t, a, p.victim(skipUnevictable))
}

func TestLFUTieBreaks(t *testing.T) {
	p := newLFU()
	a, b, c := newEntry(1, 1), newEntry(2, 2), newEntry(3, 3)
	a.freq, b.freq, c.freq = 2, 1, 1
	c.lastAccess = b.lastAccess
	p.add(a)
	p.add(b)
	p.add(c)

	assert.Equal(t, b, p.victim(noSkip), "same frequency and access time: oldest insertion")
	b.freq = 5
	assert.Equal(t, c, p.victim(noSkip))
}

func TestAdaptiveGhostHits(t *testing.T) {
	p := newAdaptive(2)
	a, b := newEntry(1, 1), newEntry(2, 2)
	p.add(a)
	p.add(b)

	// Both are in the recency list; the oldest goes first.
	require.Equal(t, a, p.victim(noSkip))
	p.remove(a, true)

	// Re-adding a recently evicted key is a b1 ghost hit: it lands in the
	// frequency list and the recency target grows.
	p.add(newEntry(1, 3))
	assert.True(t, p.inT2[1])
	assert.Equal(t, 1, p.p)

	// Re-access moves b into the frequency list as well.
	p.access(b)
	assert.True(t, p.inT2[2])
	assert.Zero(t, p.t1.Len())

	v := p.victim(noSkip)
	require.NotNil(t, v)
	p.remove(v, true)
	assert.Equal(t, 1, p.b2.Len())

	// Invalidations leave no ghost behind.
	other := p.victim(noSkip)
	p.remove(other, false)
	assert.Equal(t, 1, p.b2.Len())
	assert.Zero(t, len(p.resident))
}

func TestParseNames(t *testing.T) {
	ev, err := ParseEviction("adaptive")
	require.NoError(t, err)
	assert.Equal(t, Adaptive, ev)

	wp, err := ParseWritePolicy("write_back")
	require.NoError(t, err)
	assert.Equal(t, WriteBack, wp)

	pr, err := ParsePromotion("copy")
	require.NoError(t, err)
	assert.Equal(t, PromoteCopy, pr)

	lv, err := ParseLevel("L2")
	require.NoError(t, err)
	assert.Equal(t, L2, lv)

	_, err = ParseEviction("random")
	assert.Error(t, err)
}
