// Package index is the content index: the deduplication authority mapping
// block fingerprints to the metadata of their single stored copy.
//
// Entries are spread over 256 shards keyed by the first hash byte, each with
// its own lock, so operations on unrelated hashes never contend. Reference
// count transitions for one hash are serialized by its shard lock, which makes
// them linearizable. Every mutation is written through to a metadata.Store
// before it becomes visible.
package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/blockstore"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
)

const shardCount = 256

// entry is the index-owned record. refs and lastAccess are atomic so Lookup
// can read them under the shard read lock; everything else changes only under
// the shard write lock.
type entry struct {
	meta       BlockMetadata
	refs       atomic.Uint64
	lastAccess atomic.Int64
	state      State
	zeroSince  time.Time
}

func (e *entry) snapshot() BlockMetadata {
	m := e.meta
	m.RefCount = e.refs.Load()
	m.LastAccess = time.Unix(0, e.lastAccess.Load())
	m.State = e.state
	m.ZeroSince = e.zeroSince
	if m.Compression != nil {
		info := *m.Compression
		m.Compression = &info
	}
	return m
}

type shard struct {
	mu      sync.RWMutex
	entries map[hash.BlockHash]*entry
}

// Index maps BlockHash to BlockMetadata.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Index struct {
	shards  [shardCount]shard
	store   metadata.Store
	now     func() time.Time
	live    atomic.Int64
	pending atomic.Int64
}

// New creates an empty index persisting through st.
func New(st metadata.Store) *Index {
	idx := &Index{store: st, now: time.Now}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[hash.BlockHash]*entry)
	}
	return idx
}

func (idx *Index) shardFor(h hash.BlockHash) *shard {
	return &idx.shards[h[0]]
}

// Load rebuilds the index from the metadata store. Records persisted with a
// zero reference count come back pending, with their grace window restarted.
func (idx *Index) Load(ctx context.Context) error {
	now := idx.now()
	loaded := 0
	err := idx.store.ForEachBlock(ctx, func(rec metadata.BlockRecord) error {
		e := &entry{meta: fromRecord(rec)}
		e.refs.Store(rec.RefCount)
		e.lastAccess.Store(rec.CreatedAt.UnixNano())
		if rec.RefCount == 0 {
			e.state = StatePending
			e.zeroSince = now
			idx.pending.Add(1)
		} else {
			idx.live.Add(1)
		}
		sh := idx.shardFor(rec.Hash)
		sh.mu.Lock()
		sh.entries[rec.Hash] = e
		sh.mu.Unlock()
		loaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	logger.Debug("index: loaded %d block records", loaded)
	return nil
}

// Lookup returns a copy of the metadata for h. Pending entries are returned
// too; callers inspect State.
func (idx *Index) Lookup(h hash.BlockHash) (BlockMetadata, bool) {
	sh := idx.shardFor(h)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[h]
	if !ok {
		return BlockMetadata{}, false
	}
	return e.snapshot(), true
}

// Touch records a read access to h.
func (idx *Index) Touch(h hash.BlockHash) {
	sh := idx.shardFor(h)
	sh.mu.RLock()
	if e, ok := sh.entries[h]; ok {
		e.lastAccess.Store(idx.now().UnixNano())
	}
	sh.mu.RUnlock()
}

// InsertNew adds the metadata for a block seen for the first time. It fails
// with store.ErrAlreadyExists if h is already indexed in any state; the
// caller must deduplicate through IncrementRef instead.
func (idx *Index) InsertNew(ctx context.Context, meta BlockMetadata) error {
	if meta.RefCount == 0 {
		meta.RefCount = 1
	}
	now := idx.now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}

	sh := idx.shardFor(meta.Hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[meta.Hash]; ok {
		return fmt.Errorf("hash %s: %w", meta.Hash.Short(), store.ErrAlreadyExists)
	}
	if err := idx.store.PutBlock(ctx, meta.record()); err != nil {
		return fmt.Errorf("persist block %s: %w", meta.Hash.Short(), err)
	}

	e := &entry{meta: meta, state: StateLive}
	e.refs.Store(meta.RefCount)
	e.lastAccess.Store(now.UnixNano())
	sh.entries[meta.Hash] = e
	idx.live.Add(1)
	return nil
}

// IncrementRef adds a reference to h and returns the new count. A pending
// entry is revived. Entries being reclaimed, and absent hashes, fail with
// store.ErrNotFound.
func (idx *Index) IncrementRef(ctx context.Context, h hash.BlockHash) (uint64, error) {
	sh := idx.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[h]
	if !ok || e.state == StateReclaiming {
		return 0, fmt.Errorf("hash %s: %w", h.Short(), store.ErrNotFound)
	}

	next := e.refs.Load() + 1
	if err := idx.persist(ctx, e, next); err != nil {
		return 0, err
	}
	e.refs.Store(next)
	e.lastAccess.Store(idx.now().UnixNano())
	if e.state == StatePending {
		e.state = StateLive
		e.zeroSince = time.Time{}
		idx.pending.Add(-1)
		idx.live.Add(1)
	}
	return next, nil
}

// DecrementRef drops a reference to h and returns the new count. When the
// count reaches zero the entry becomes pending; it stays indexed until its
// storage is released through BeginReclaim and CompleteReclaim.
func (idx *Index) DecrementRef(ctx context.Context, h hash.BlockHash) (uint64, error) {
	sh := idx.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[h]
	if !ok || e.state != StateLive {
		return 0, fmt.Errorf("hash %s: %w", h.Short(), store.ErrNotFound)
	}

	next := e.refs.Load() - 1
	if err := idx.persist(ctx, e, next); err != nil {
		return 0, err
	}
	e.refs.Store(next)
	if next == 0 {
		e.state = StatePending
		e.zeroSince = idx.now()
		idx.live.Add(-1)
		idx.pending.Add(1)
	}
	return next, nil
}

// persist writes e with refs as its reference count. Callers hold the shard
// write lock.
func (idx *Index) persist(ctx context.Context, e *entry, refs uint64) error {
	m := e.meta
	m.RefCount = refs
	if err := idx.store.PutBlock(ctx, m.record()); err != nil {
		return fmt.Errorf("persist block %s: %w", m.Hash.Short(), err)
	}
	return nil
}

// BeginReclaim claims a pending entry for physical release. It succeeds only
// if h is pending, still has zero references and reached zero at or before
// cutoff. At most one caller can claim an entry.
func (idx *Index) BeginReclaim(h hash.BlockHash, cutoff time.Time) (BlockMetadata, bool) {
	sh := idx.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[h]
	if !ok || e.state != StatePending || e.refs.Load() != 0 || e.zeroSince.After(cutoff) {
		return BlockMetadata{}, false
	}
	e.state = StateReclaiming
	return e.snapshot(), true
}

// CompleteReclaim removes a reclaiming entry once its storage was released.
func (idx *Index) CompleteReclaim(ctx context.Context, h hash.BlockHash) error {
	sh := idx.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[h]
	if !ok || e.state != StateReclaiming {
		return fmt.Errorf("hash %s not reclaiming: %w", h.Short(), store.ErrInvalidState)
	}
	if err := idx.store.DeleteBlock(ctx, h); err != nil {
		return fmt.Errorf("delete block %s: %w", h.Short(), err)
	}
	delete(sh.entries, h)
	idx.pending.Add(-1)
	return nil
}

// AbortReclaim returns a reclaiming entry to pending after a failed release.
func (idx *Index) AbortReclaim(h hash.BlockHash) {
	sh := idx.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[h]; ok && e.state == StateReclaiming {
		e.state = StatePending
	}
}

// Relocate moves h from one location to another. It fails with
// store.ErrInvalidState if the entry is no longer at from, which happens when
// it was reclaimed or moved concurrently.
func (idx *Index) Relocate(ctx context.Context, h hash.BlockHash, from, to blockstore.Location) error {
	sh := idx.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[h]
	if !ok {
		return fmt.Errorf("hash %s: %w", h.Short(), store.ErrNotFound)
	}
	if e.meta.Location != from || e.state == StateReclaiming {
		return fmt.Errorf("hash %s moved from %s: %w", h.Short(), from, store.ErrInvalidState)
	}

	m := e.meta
	m.Location = to
	m.RefCount = e.refs.Load()
	if err := idx.store.PutBlock(ctx, m.record()); err != nil {
		return fmt.Errorf("persist block %s: %w", h.Short(), err)
	}
	e.meta.Location = to
	return nil
}

// Len returns the number of indexed hashes, pending entries included.
func (idx *Index) Len() int {
	return int(idx.live.Load() + idx.pending.Load())
}

// Live returns the number of entries with at least one reference.
func (idx *Index) Live() int {
	return int(idx.live.Load())
}

// Pending returns the number of entries waiting for reclamation.
func (idx *Index) Pending() int {
	return int(idx.pending.Load())
}

// Locations returns the location of every indexed entry. It is used to
// rebuild the block store bitmap.
func (idx *Index) Locations(ctx context.Context) ([]blockstore.Location, error) {
	var locs []blockstore.Location
	it := idx.Snapshot(ctx)
	for {
		m, ok := it.Next()
		if !ok {
			return locs, it.Err()
		}
		locs = append(locs, m.Location)
	}
}
