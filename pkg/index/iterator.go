package index

import "context"

// Iterator walks the index one shard at a time. Each shard is copied under a
// short read lock, so writers are never blocked for the whole scan and the
// sequence is lazy. An entry changed after its shard was copied is reported
// as it was at copy time.
//
// An Iterator is not safe for concurrent use.
type Iterator struct {
	ctx   context.Context
	idx   *Index
	shard int
	buf   []BlockMetadata
	pos   int
	err   error
}

// Snapshot returns an iterator positioned before the first entry. The
// iteration stops early when ctx is cancelled; Err reports why.
func (idx *Index) Snapshot(ctx context.Context) *Iterator {
	return &Iterator{ctx: ctx, idx: idx}
}

// Next returns the next entry, or false when the index is exhausted or the
// iteration was cancelled.
func (it *Iterator) Next() (BlockMetadata, bool) {
	for it.pos >= len(it.buf) {
		if it.err != nil || it.shard >= shardCount {
			return BlockMetadata{}, false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return BlockMetadata{}, false
		}
		it.load(it.shard)
		it.shard++
	}
	m := it.buf[it.pos]
	it.pos++
	return m, true
}

// NextBatch returns up to n entries. An empty result means the index is
// exhausted.
func (it *Iterator) NextBatch(n int) []BlockMetadata {
	batch := make([]BlockMetadata, 0, n)
	for len(batch) < n {
		m, ok := it.Next()
		if !ok {
			break
		}
		batch = append(batch, m)
	}
	return batch
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Reset restarts the iteration from the first shard.
func (it *Iterator) Reset() {
	it.err = nil
	it.shard = 0
	it.buf = it.buf[:0]
	it.pos = 0
}

func (it *Iterator) load(i int) {
	sh := &it.idx.shards[i]
	sh.mu.RLock()
	it.buf = it.buf[:0]
	for _, e := range sh.entries {
		it.buf = append(it.buf, e.snapshot())
	}
	sh.mu.RUnlock()
	it.pos = 0
}
