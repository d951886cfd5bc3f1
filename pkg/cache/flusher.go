package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittoblk/internal/logger"
	"github.com/marmos91/dittoblk/pkg/store"
)

// enqueue schedules an asynchronous flush of key. It never blocks and
// returns false when the queue is full or the manager is closing.
func (m *Manager) enqueue(key uint64) bool {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.queue <- key:
		return true
	default:
		return false
	}
}

func (m *Manager) flushWorker() {
	defer m.wg.Done()
	for key := range m.queue {
		m.processFlush(m.ctx, key)
	}
}

// processFlush flushes key and completes a deferred eviction if the entry
// was overcommitted.
func (m *Manager) processFlush(ctx context.Context, key uint64) {
	unlock := m.lockKey(key)
	err := m.flushLocked(ctx, key)
	if err != nil {
		logger.Error("cache: background flush of block %d failed: %v", key, err)
	}

	var cascade *cacheTier
	for _, t := range m.enabled() {
		t.mu.Lock()
		e, ok := t.entries[key]
		if !ok || !e.overcommitted {
			t.mu.Unlock()
			continue
		}
		if err != nil || e.dirty || e.pins > 0 {
			// Give the slot back; a later eviction pass retries.
			e.overcommitted = false
			e.evicting = false
			t.overEntries--
			t.overBytes -= int64(e.size)
			t.mu.Unlock()
			break
		}
		next := m.below(t)
		data, rerr := t.removeLocked(ctx, key, true, next != nil)
		t.mu.Unlock()
		if rerr != nil {
			logger.Warn("cache: evicting flushed block %d from %s: %v", key, t.level, rerr)
			break
		}
		t.evictions.Add(1)
		m.cfg.Metrics.ObserveEviction(t.level, true)
		if m.demote(ctx, next, key, data) == evictDemoted {
			cascade = next
		}
		break
	}
	unlock()

	if cascade != nil {
		m.evict(ctx, cascade)
	}
}

// flushLocked writes the dirty payload of key to the backend. The caller
// holds the key's stripe lock. The entry is marked clean only if it was not
// rewritten while the write was in flight.
func (m *Manager) flushLocked(ctx context.Context, key uint64) error {
	for _, t := range m.enabled() {
		t.mu.Lock()
		e, ok := t.entries[key]
		if !ok {
			t.mu.Unlock()
			continue
		}
		e.queued = false
		if !e.dirty {
			t.mu.Unlock()
			return nil
		}
		data, err := t.store.Get(ctx, key)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("%s payload %d: %w", t.level, key, err)
		}
		version := e.version
		e.flushing = true
		t.mu.Unlock()

		werr := m.backend.WriteBlock(ctx, key, data)

		t.mu.Lock()
		e.flushing = false
		if werr == nil && e.version == version {
			e.dirty = false
		}
		t.mu.Unlock()

		m.cfg.Metrics.ObserveFlush(t.level, werr)
		if werr != nil {
			return fmt.Errorf("flush block %d: %w", key, werr)
		}
		t.flushes.Add(1)
		return nil
	}
	return nil
}

// Flush writes every dirty entry to the backend, FlushWorkers at a time.
// All entries are attempted; the errors of the failed ones are combined.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.flushAll(ctx)
}

func (m *Manager) flushAll(ctx context.Context) error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	g.SetLimit(max(m.cfg.FlushWorkers, 1))

	for _, t := range m.enabled() {
		for _, key := range t.dirtyKeys() {
			key := key
			g.Go(func() error {
				unlock := m.lockKey(key)
				defer unlock()
				if err := m.flushLocked(ctx, key); err != nil {
					mu.Lock()
					result = multierror.Append(result, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// Close stops the flush workers, flushes every dirty entry and closes the
// tier stores. Keys whose writes could not reach the backend before ctx
// expired are returned as lost.
func (m *Manager) Close(ctx context.Context) ([]uint64, error) {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil, store.ErrClosed
	}
	m.closed = true
	close(m.queue)
	m.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}

	var result *multierror.Error
	if err := m.flushAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	var lost []uint64
	for _, t := range m.enabled() {
		lost = append(lost, t.dirtyKeys()...)
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	for _, key := range lost {
		logger.Error("cache: block %d lost, dirty data never reached the backend", key)
	}

	m.cancel()
	for _, t := range m.tiers {
		if err := t.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s store: %w", t.level, err))
		}
	}
	return lost, result.ErrorOrNil()
}
