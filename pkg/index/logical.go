package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
)

// LogicalMap maps logical block addresses to content hashes. Writes to the
// same address are serialized by its shard lock, so the hash returned by Set
// is exactly the one the caller must dereference.
type LogicalMap struct {
	shards [shardCount]logicalShard
	store  metadata.Store
	size   atomic.Int64
}

type logicalShard struct {
	mu sync.RWMutex
	m  map[uint64]hash.BlockHash
}

// NewLogicalMap creates an empty map persisting through st.
func NewLogicalMap(st metadata.Store) *LogicalMap {
	lm := &LogicalMap{store: st}
	for i := range lm.shards {
		lm.shards[i].m = make(map[uint64]hash.BlockHash)
	}
	return lm
}

func (lm *LogicalMap) shardFor(lba uint64) *logicalShard {
	return &lm.shards[lba%shardCount]
}

// Load rebuilds the map from the metadata store.
func (lm *LogicalMap) Load(ctx context.Context) error {
	return lm.store.ForEachMapping(ctx, func(lba uint64, h hash.BlockHash) error {
		sh := lm.shardFor(lba)
		sh.mu.Lock()
		if _, ok := sh.m[lba]; !ok {
			lm.size.Add(1)
		}
		sh.m[lba] = h
		sh.mu.Unlock()
		return nil
	})
}

// Get returns the hash mapped at lba.
func (lm *LogicalMap) Get(lba uint64) (hash.BlockHash, bool) {
	sh := lm.shardFor(lba)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	h, ok := sh.m[lba]
	return h, ok
}

// Set maps lba to h and returns the previous hash, if any.
func (lm *LogicalMap) Set(ctx context.Context, lba uint64, h hash.BlockHash) (hash.BlockHash, bool, error) {
	sh := lm.shardFor(lba)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := lm.store.PutMapping(ctx, lba, h); err != nil {
		return hash.BlockHash{}, false, fmt.Errorf("persist mapping %d: %w", lba, err)
	}
	old, had := sh.m[lba]
	sh.m[lba] = h
	if !had {
		lm.size.Add(1)
	}
	return old, had, nil
}

// Delete removes the mapping at lba and returns the hash it pointed to.
func (lm *LogicalMap) Delete(ctx context.Context, lba uint64) (hash.BlockHash, bool, error) {
	sh := lm.shardFor(lba)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, had := sh.m[lba]
	if !had {
		return hash.BlockHash{}, false, nil
	}
	if err := lm.store.DeleteMapping(ctx, lba); err != nil {
		return hash.BlockHash{}, false, fmt.Errorf("delete mapping %d: %w", lba, err)
	}
	delete(sh.m, lba)
	lm.size.Add(-1)
	return old, true, nil
}

// Len returns the number of mapped addresses.
func (lm *LogicalMap) Len() int {
	return int(lm.size.Load())
}
