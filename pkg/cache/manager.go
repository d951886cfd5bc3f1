package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/store"
)

// keyStripes is the number of per-key locks. Operations on keys mapping to
// the same stripe are serialized.
const keyStripes = 1024

// Manager is the tiered cache.
//
// Every operation on a key runs under that key's stripe lock, which makes
// per-key operations linearizable across tiers. Tier locks are taken one at
// a time underneath it. Eviction runs after the caller's stripe is released
// and locks each victim's stripe in turn, so no goroutine ever holds two
// stripes.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	backend Backend
	tiers   [NumLevels]*cacheTier

	keyLocks [keyStripes]sync.Mutex

	async  bool
	queue  chan uint64
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	lifeMu sync.RWMutex
	closed bool
}

// New creates a manager in front of backend and starts the flush workers.
func New(backend Backend, cfg Config) *Manager {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		backend: backend,
		async:   cfg.FlushWorkers > 0,
		queue:   make(chan uint64, cfg.FlushQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i, level := range Levels {
		m.tiers[i] = newCacheTier(level, cfg.Tiers[i])
	}

	for i := 0; i < cfg.FlushWorkers; i++ {
		m.wg.Add(1)
		go m.flushWorker()
	}

	logger.Debug("cache: started with %d flush workers, promotion=%s", cfg.FlushWorkers, cfg.Promotion)
	return m
}

func (m *Manager) lockKey(key uint64) func() {
	mu := &m.keyLocks[key%keyStripes]
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) checkOpen() error {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.closed {
		return store.ErrClosed
	}
	return nil
}

// enabled returns the enabled tiers top-down.
func (m *Manager) enabled() []*cacheTier {
	tiers := make([]*cacheTier, 0, NumLevels)
	for _, t := range m.tiers {
		if t.enabled {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// resolve returns the tier for level, or the top enabled tier when level is
// LevelAuto or disabled. It returns nil when no tier is enabled.
func (m *Manager) resolve(level Level) *cacheTier {
	if level >= L1 && level <= L3 {
		if t := m.tiers[level-1]; t.enabled {
			return t
		}
	}
	for _, t := range m.tiers {
		if t.enabled {
			return t
		}
	}
	return nil
}

// below returns the next enabled tier under t.
func (m *Manager) below(t *cacheTier) *cacheTier {
	for i := int(t.level); i < NumLevels; i++ {
		if m.tiers[i].enabled {
			return m.tiers[i]
		}
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// Get returns the block at key, checking L1, L2 and L3 in order and reading
// through to the backend on a full miss. The returned slice is owned by the
// caller.
func (m *Manager) Get(ctx context.Context, key uint64, opts ReadOptions) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	unlock := m.lockKey(key)
	data, filled, err := m.getLocked(ctx, key, opts)
	unlock()

	if filled != nil {
		m.evict(ctx, filled)
	}
	return data, err
}

func (m *Manager) getLocked(ctx context.Context, key uint64, opts ReadOptions) ([]byte, *cacheTier, error) {
	tiers := m.enabled()
	for i, t := range tiers {
		data, view, err := t.get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			t.misses.Add(1)
			m.cfg.Metrics.ObserveMiss(t.level)
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		t.hits.Add(1)
		m.cfg.Metrics.ObserveHit(t.level)
		if i == 0 {
			return data, nil, nil
		}
		return data, m.promote(ctx, t, tiers[0], key, data, view), nil
	}

	data, err := m.backend.ReadBlock(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	t := m.resolve(opts.Tier)
	if t == nil || !t.admits(key, len(data)) {
		return data, nil, nil
	}
	if _, err := t.put(ctx, key, data, false); err != nil {
		logger.Warn("cache: fill of block %d into %s failed: %v", key, t.level, err)
		_ = t.remove(ctx, key)
		return data, nil, nil
	}
	return data, t, nil
}

// promote copies a lower-tier hit into the top tier, removing the source
// copy in move mode. Dirty and pinned entries stay where they are. Only one
// tier lock is held at a time.
func (m *Manager) promote(ctx context.Context, from, to *cacheTier, key uint64, data []byte, view Entry) *cacheTier {
	if view.Dirty || view.Pins > 0 || !to.admits(key, len(data)) {
		return nil
	}
	if _, err := to.put(ctx, key, data, false); err != nil {
		logger.Warn("cache: promotion of block %d to %s failed: %v", key, to.level, err)
		_ = to.remove(ctx, key)
		return nil
	}
	if m.cfg.Promotion == PromoteMove {
		if err := from.remove(ctx, key); err != nil {
			logger.Warn("cache: removing promoted block %d from %s: %v", key, from.level, err)
		}
	}
	from.promotions.Add(1)
	m.cfg.Metrics.ObservePromotion(from.level, to.level)
	return to
}

// ============================================================================
// Writes
// ============================================================================

// Put writes data at key following the write policy in opts.
func (m *Manager) Put(ctx context.Context, key uint64, data []byte, opts WriteOptions) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	t := m.resolve(opts.Tier)
	policy := opts.Policy
	if policy == PolicyDefault {
		policy = WriteThrough
		if t != nil {
			policy = t.writePolicy
		}
	}

	unlock := m.lockKey(key)
	filled, err := m.putLocked(ctx, key, data, t, policy)
	unlock()

	if filled != nil {
		m.evict(ctx, filled)
	}
	return err
}

func (m *Manager) putLocked(ctx context.Context, key uint64, data []byte, t *cacheTier, policy WritePolicy) (*cacheTier, error) {
	switch policy {
	case WriteAround:
		if err := m.backend.WriteBlock(ctx, key, data); err != nil {
			return nil, err
		}
		return nil, m.dropLocked(ctx, key, nil)

	case WriteBack:
		if t == nil || !t.admits(key, len(data)) {
			logger.Debug("cache: no room for dirty block %d, writing through", key)
			return m.writeThroughLocked(ctx, key, data, nil)
		}
		if err := m.dropLocked(ctx, key, t); err != nil {
			return nil, err
		}
		if _, err := t.put(ctx, key, data, true); err != nil {
			_ = t.remove(ctx, key)
			return nil, err
		}
		if m.async && t.markQueued(key) && !m.enqueue(key) {
			t.clearQueued(key)
			if err := m.flushLocked(ctx, key); err != nil {
				return t, err
			}
		}
		return t, nil

	default:
		return m.writeThroughLocked(ctx, key, data, t)
	}
}

// writeThroughLocked writes the backend, then caches data clean in t. A nil
// t, or one without room, only drops stale copies.
func (m *Manager) writeThroughLocked(ctx context.Context, key uint64, data []byte, t *cacheTier) (*cacheTier, error) {
	if err := m.backend.WriteBlock(ctx, key, data); err != nil {
		return nil, err
	}
	if err := m.dropLocked(ctx, key, t); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	if !t.admits(key, len(data)) {
		return nil, t.remove(ctx, key)
	}
	if _, err := t.put(ctx, key, data, false); err != nil {
		logger.Warn("cache: caching block %d in %s failed: %v", key, t.level, err)
		return nil, t.remove(ctx, key)
	}
	return t, nil
}

// dropLocked removes key from every tier except keep.
func (m *Manager) dropLocked(ctx context.Context, key uint64, keep *cacheTier) error {
	var result *multierror.Error
	for _, t := range m.enabled() {
		if t == keep {
			continue
		}
		if err := t.remove(ctx, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Invalidate removes key from all tiers without flushing. A dirty entry is
// only dropped when discard is set; otherwise ErrDirtyEntry is returned and
// nothing changes.
func (m *Manager) Invalidate(ctx context.Context, key uint64, discard bool) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	unlock := m.lockKey(key)
	defer unlock()

	if !discard {
		for _, t := range m.enabled() {
			if view, ok := t.lookup(key); ok && view.Dirty {
				return fmt.Errorf("key %d in %s: %w", key, t.level, ErrDirtyEntry)
			}
		}
	}
	return m.dropLocked(ctx, key, nil)
}

// Trim drops every cached copy of key, dirty ones included, and discards
// the block in the backend. Both happen under the key's stripe lock, so no
// concurrent Put can cache data for the key in between.
func (m *Manager) Trim(ctx context.Context, key uint64) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	unlock := m.lockKey(key)
	defer unlock()

	if err := m.dropLocked(ctx, key, nil); err != nil {
		return err
	}
	return m.backend.TrimBlock(ctx, key)
}

// Pin protects the cached entry for key from eviction until Unpin. Pins
// nest. It fails with store.ErrNotFound when key is not cached.
func (m *Manager) Pin(key uint64) error {
	return m.adjustPins(key, 1)
}

// Unpin releases one pin taken by Pin.
func (m *Manager) Unpin(key uint64) error {
	return m.adjustPins(key, -1)
}

func (m *Manager) adjustPins(key uint64, delta int) error {
	unlock := m.lockKey(key)
	defer unlock()

	for _, t := range m.enabled() {
		t.mu.Lock()
		e, ok := t.entries[key]
		if ok {
			if delta < 0 && e.pins == 0 {
				t.mu.Unlock()
				return fmt.Errorf("key %d is not pinned: %w", key, store.ErrInvalidState)
			}
			e.pins += delta
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
	}
	return fmt.Errorf("key %d: %w", key, store.ErrNotFound)
}

// ============================================================================
// Eviction
// ============================================================================

type evictResult int

const (
	evictDone evictResult = iota
	evictDemoted
	evictDeferred
	evictBusy
	evictFailed
)

// evict brings t back under capacity, cascading into lower tiers that
// received demoted entries.
func (m *Manager) evict(ctx context.Context, t *cacheTier) {
	for t != nil {
		demoted := false
		var busy []uint64
		for {
			key, ok := t.selectVictim()
			if !ok {
				break
			}
			res := m.evictOne(ctx, t, key)
			if res == evictFailed {
				break
			}
			if res == evictBusy {
				// Stays marked so the next selection skips it
				busy = append(busy, key)
			}
			if res == evictDemoted {
				demoted = true
			}
		}
		t.clearEvicting(busy)
		entries, bytes := t.occupancy()
		m.cfg.Metrics.RecordOccupancy(t.level, entries, bytes)

		if !demoted {
			return
		}
		t = m.below(t)
	}
}

// evictOne evicts the marked victim key from t. Dirty victims are flushed
// first: asynchronously while the tier has overcommit allowance left,
// synchronously otherwise. The entry stays readable until it is clean.
//
// A victim whose stripe is held by another operation, such as a background
// flush writing it to the backend, is reported busy instead of waited for.
func (m *Manager) evictOne(ctx context.Context, t *cacheTier, key uint64) evictResult {
	mu := &m.keyLocks[key%keyStripes]
	if !mu.TryLock() {
		return evictBusy
	}
	defer mu.Unlock()

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || !e.evicting {
		t.mu.Unlock()
		return evictDone
	}
	if e.pins > 0 || e.flushing {
		e.evicting = false
		t.mu.Unlock()
		return evictFailed
	}

	dirty := e.dirty
	if dirty {
		if m.async && t.overEntries < m.cfg.Overcommit && (e.queued || m.enqueue(key)) {
			e.queued = true
			e.overcommitted = true
			t.overEntries++
			t.overBytes += int64(e.size)
			t.mu.Unlock()
			return evictDeferred
		}
		t.mu.Unlock()

		if err := m.flushLocked(ctx, key); err != nil {
			logger.Error("cache: flush of dirty victim %d in %s failed: %v", key, t.level, err)
			t.mu.Lock()
			e.evicting = false
			t.mu.Unlock()
			return evictFailed
		}
		t.mu.Lock()
	}

	next := m.below(t)
	data, err := t.removeLocked(ctx, key, true, next != nil)
	if err != nil {
		e.evicting = false
		t.mu.Unlock()
		logger.Warn("cache: evicting block %d from %s: %v", key, t.level, err)
		return evictFailed
	}
	t.mu.Unlock()

	t.evictions.Add(1)
	m.cfg.Metrics.ObserveEviction(t.level, dirty)
	return m.demote(ctx, next, key, data)
}

// demote hands a clean evicted payload to the next tier.
func (m *Manager) demote(ctx context.Context, next *cacheTier, key uint64, data []byte) evictResult {
	if next == nil || data == nil || !next.admits(key, len(data)) {
		return evictDone
	}
	if _, err := next.put(ctx, key, data, false); err != nil {
		logger.Warn("cache: demotion of block %d to %s failed: %v", key, next.level, err)
		_ = next.remove(ctx, key)
		return evictDone
	}
	next.demotions.Add(1)
	return evictDemoted
}

// ============================================================================
// Control
// ============================================================================

// SetCapacity changes the entry capacity of level and evicts down to it.
func (m *Manager) SetCapacity(ctx context.Context, level Level, entries int) error {
	if level < L1 || level > L3 {
		return fmt.Errorf("cache level %s: %w", level, store.ErrInvalidArgument)
	}
	t := m.tiers[level-1]
	t.setCapacity(entries)
	logger.Info("cache: %s capacity set to %d entries", level, entries)
	m.evict(ctx, t)
	return nil
}

// TierStats returns the state of every tier, L1 first.
func (m *Manager) TierStats() []TierStats {
	stats := make([]TierStats, 0, NumLevels)
	for _, t := range m.tiers {
		stats = append(stats, t.stats())
	}
	return stats
}

// Lookup returns the highest-tier entry cached for key.
func (m *Manager) Lookup(key uint64) (Entry, bool) {
	for _, t := range m.enabled() {
		if view, ok := t.lookup(key); ok {
			return view, true
		}
	}
	return Entry{}, false
}

// DirtyCount returns the number of dirty entries across all tiers.
func (m *Manager) DirtyCount() int {
	n := 0
	for _, t := range m.enabled() {
		n += len(t.dirtyKeys())
	}
	return n
}
