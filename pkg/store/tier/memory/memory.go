// Package memory implements an in-memory tier.Store, used for the L1 tier.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/tier"
)

// Store keeps payloads in a map.
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Payloads are copied on the
// way in and out so callers never share buffers with the store.
type Store struct {
	mu     sync.RWMutex
	data   map[uint64][]byte
	bytes  uint64
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[uint64][]byte)}
}

func (s *Store) Get(ctx context.Context, key uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("key %d: %w", key, store.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) Put(ctx context.Context, key uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if old, ok := s.data[key]; ok {
		s.bytes -= uint64(len(old))
	}
	s.data[key] = buf
	s.bytes += uint64(len(buf))
	return nil
}

func (s *Store) Delete(ctx context.Context, key uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if old, ok := s.data[key]; ok {
		s.bytes -= uint64(len(old))
		delete(s.data, key)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (tier.Stats, error) {
	if err := ctx.Err(); err != nil {
		return tier.Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return tier.Stats{}, store.ErrClosed
	}
	return tier.Stats{Entries: uint64(len(s.data)), Bytes: s.bytes}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}
