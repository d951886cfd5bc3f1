package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/tier"
	"github.com/marmos91/dittoblk/pkg/store/tier/memory"
)

// entry is the bookkeeping of one cached block. The payload lives in the
// tier's store. All fields are guarded by the owning cacheTier's mutex.
type entry struct {
	key        uint64
	size       int
	dirty      bool
	pins       int
	version    uint64
	freq       uint64
	insertSeq  uint64
	lastAccess time.Time

	// evicting marks a chosen victim so concurrent evictors skip it.
	evicting bool

	// flushing is set while the payload is being written to the backend.
	flushing bool

	// queued is set while a flush job for the entry sits in the queue.
	queued bool

	// overcommitted marks a dirty victim counted against the tier's
	// overcommit allowance until its asynchronous flush evicts it.
	overcommitted bool
}

func (e *entry) view(level Level) Entry {
	return Entry{
		Key:        e.key,
		Level:      level,
		Size:       e.size,
		Dirty:      e.dirty,
		Pins:       e.pins,
		Version:    e.version,
		Frequency:  e.freq,
		InsertSeq:  e.insertSeq,
		LastAccess: e.lastAccess,
	}
}

// cacheTier is one level of the hierarchy.
//
// Thread Safety:
// mu guards the entry map, the policy and the occupancy fields; it is held
// across payload store calls so a reader never sees an entry whose payload
// is being replaced. Counters are atomic.
type cacheTier struct {
	level       Level
	enabled     bool
	eviction    Eviction
	writePolicy WritePolicy
	store       tier.Store

	mu         sync.Mutex
	entries    map[uint64]*entry
	order      policy
	seq        uint64
	bytes      int64
	maxEntries int
	maxBytes   int64

	// overEntries and overBytes account for overcommitted victims.
	overEntries int
	overBytes   int64

	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	flushes    atomic.Uint64
	promotions atomic.Uint64
	demotions  atomic.Uint64
}

func newCacheTier(level Level, cfg TierConfig) *cacheTier {
	st := cfg.Store
	if st == nil {
		st = memory.New()
	}
	wp := cfg.WritePolicy
	if wp == PolicyDefault {
		wp = WriteThrough
	}
	return &cacheTier{
		level:       level,
		enabled:     cfg.Enabled,
		eviction:    cfg.Eviction,
		writePolicy: wp,
		store:       st,
		entries:     make(map[uint64]*entry),
		order:       newPolicy(cfg.Eviction, cfg.MaxEntries),
		maxEntries:  cfg.MaxEntries,
		maxBytes:    cfg.MaxBytes,
	}
}

// evictable reports whether e may be chosen as a victim.
func evictable(e *entry) bool {
	return e.pins == 0 && !e.evicting && !e.flushing
}

func skipUnevictable(e *entry) bool {
	return !evictable(e)
}

// overLocked reports whether the tier exceeds its capacity, not counting
// overcommitted victims already on their way out.
func (t *cacheTier) overLocked() bool {
	n := len(t.entries) - t.overEntries
	b := t.bytes - t.overBytes
	return (t.maxEntries > 0 && n > t.maxEntries) || (t.maxBytes > 0 && b > t.maxBytes)
}

// admitsLocked reports whether key can be inserted with size bytes without
// exceeding capacity for good: either there is room, the key is already
// cached, or some entry can be evicted.
func (t *cacheTier) admitsLocked(key uint64, size int) bool {
	if t.maxBytes > 0 && int64(size) > t.maxBytes {
		return false
	}
	if _, ok := t.entries[key]; ok {
		return true
	}
	n := len(t.entries) - t.overEntries
	b := t.bytes - t.overBytes
	full := (t.maxEntries > 0 && n >= t.maxEntries) || (t.maxBytes > 0 && b+int64(size) > t.maxBytes)
	if !full {
		return true
	}
	return t.order.victim(skipUnevictable) != nil
}

// get returns a copy of the payload for key and records the access.
func (t *cacheTier) get(ctx context.Context, key uint64) ([]byte, Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil, Entry{}, fmt.Errorf("key %d: %w", key, store.ErrNotFound)
	}
	data, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("%s payload %d: %w", t.level, key, err)
	}
	e.freq++
	e.lastAccess = time.Now()
	t.order.access(e)
	return data, e.view(t.level), nil
}

func (t *cacheTier) admits(key uint64, size int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitsLocked(key, size)
}

// markQueued flags key as having a pending flush job. It returns false if a
// job is already queued or the key is not cached dirty.
func (t *cacheTier) markQueued(key uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || !e.dirty || e.queued {
		return false
	}
	e.queued = true
	return true
}

func (t *cacheTier) clearQueued(key uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.queued = false
	}
}

func (t *cacheTier) occupancy() (int, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries), t.bytes
}

// put stores data under key. Existing entries keep their position and pins;
// dirty entries get a new version.
func (t *cacheTier) put(ctx context.Context, key uint64, data []byte, dirty bool) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putLocked(ctx, key, data, dirty)
}

func (t *cacheTier) putLocked(ctx context.Context, key uint64, data []byte, dirty bool) (*entry, error) {
	if err := t.store.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("%s payload %d: %w", t.level, key, err)
	}
	now := time.Now()
	e, ok := t.entries[key]
	if ok {
		t.bytes += int64(len(data) - e.size)
		if e.overcommitted {
			t.overBytes += int64(len(data) - e.size)
		}
		e.size = len(data)
		e.freq++
		e.lastAccess = now
		t.order.access(e)
	} else {
		t.seq++
		e = &entry{
			key:        key,
			size:       len(data),
			freq:       1,
			insertSeq:  t.seq,
			lastAccess: now,
		}
		t.entries[key] = e
		t.bytes += int64(len(data))
		t.order.add(e)
	}
	e.version++
	e.dirty = dirty
	return e, nil
}

// removeLocked drops key from the tier. With keep set, the payload is
// returned so it can be demoted.
func (t *cacheTier) removeLocked(ctx context.Context, key uint64, evicted, keep bool) ([]byte, error) {
	e, ok := t.entries[key]
	if !ok {
		return nil, nil
	}
	var data []byte
	if keep {
		var err error
		data, err = t.store.Get(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s payload %d: %w", t.level, key, err)
		}
	}
	if err := t.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("%s payload %d: %w", t.level, key, err)
	}
	if e.overcommitted {
		t.overEntries--
		t.overBytes -= int64(e.size)
	}
	delete(t.entries, key)
	t.bytes -= int64(e.size)
	t.order.remove(e, evicted)
	return data, nil
}

func (t *cacheTier) remove(ctx context.Context, key uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.removeLocked(ctx, key, false, false)
	return err
}

// selectVictim picks and marks the next victim while the tier is over
// capacity. It returns false when no eviction is needed or possible.
func (t *cacheTier) selectVictim() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.overLocked() {
		return 0, false
	}
	e := t.order.victim(skipUnevictable)
	if e == nil {
		return 0, false
	}
	e.evicting = true
	return e.key, true
}

// clearEvicting unmarks victims that could not be evicted.
func (t *cacheTier) clearEvicting(keys []uint64) {
	if len(keys) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		if e, ok := t.entries[key]; ok && !e.overcommitted {
			e.evicting = false
		}
	}
}

func (t *cacheTier) lookup(key uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.view(t.level), true
}

func (t *cacheTier) dirtyKeys() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []uint64
	for k, e := range t.entries {
		if e.dirty {
			keys = append(keys, k)
		}
	}
	return keys
}

func (t *cacheTier) setCapacity(entries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxEntries = entries
	t.order.setCapacity(entries)
}

func (t *cacheTier) stats() TierStats {
	t.mu.Lock()
	st := TierStats{
		Level:      t.level,
		Enabled:    t.enabled,
		Eviction:   t.eviction,
		Entries:    len(t.entries),
		Bytes:      t.bytes,
		MaxEntries: t.maxEntries,
		MaxBytes:   t.maxBytes,
	}
	for _, e := range t.entries {
		if e.dirty {
			st.Dirty++
		}
	}
	t.mu.Unlock()

	st.Hits = t.hits.Load()
	st.Misses = t.misses.Load()
	st.Evictions = t.evictions.Load()
	st.Flushes = t.flushes.Load()
	st.Promotions = t.promotions.Load()
	st.Demotions = t.demotions.Load()
	return st
}
