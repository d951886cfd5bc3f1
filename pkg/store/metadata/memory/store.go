// Package memory implements an in-memory metadata store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
)

// Store keeps deduplication state in maps.
//
// It is designed for tests and volatile volumes (RAM devices), where state
// does not need to outlive the process.
//
// Thread Safety:
// All operations are protected by a sync.RWMutex.
type Store struct {
	mu       sync.RWMutex
	blocks   map[hash.BlockHash]metadata.BlockRecord
	mappings map[uint64]hash.BlockHash
	bitmap   []uint64
	super    *metadata.Superblock
	closed   bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		blocks:   make(map[hash.BlockHash]metadata.BlockRecord),
		mappings: make(map[uint64]hash.BlockHash),
	}
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) PutBlock(ctx context.Context, rec metadata.BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.blocks[rec.Hash] = rec
	return nil
}

func (s *Store) DeleteBlock(ctx context.Context, h hash.BlockHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.blocks, h)
	return nil
}

func (s *Store) ForEachBlock(ctx context.Context, fn func(metadata.BlockRecord) error) error {
	s.mu.RLock()
	if err := s.check(ctx); err != nil {
		s.mu.RUnlock()
		return err
	}
	recs := make([]metadata.BlockRecord, 0, len(s.blocks))
	for _, rec := range s.blocks {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutMapping(ctx context.Context, lba uint64, h hash.BlockHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mappings[lba] = h
	return nil
}

func (s *Store) DeleteMapping(ctx context.Context, lba uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.mappings, lba)
	return nil
}

func (s *Store) ForEachMapping(ctx context.Context, fn func(uint64, hash.BlockHash) error) error {
	s.mu.RLock()
	if err := s.check(ctx); err != nil {
		s.mu.RUnlock()
		return err
	}
	snapshot := make(map[uint64]hash.BlockHash, len(s.mappings))
	for lba, h := range s.mappings {
		snapshot[lba] = h
	}
	s.mu.RUnlock()

	for lba, h := range snapshot {
		if err := fn(lba, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutBitmap(ctx context.Context, words []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.bitmap = append([]uint64(nil), words...)
	return nil
}

func (s *Store) GetBitmap(ctx context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if s.bitmap == nil {
		return nil, fmt.Errorf("bitmap: %w", store.ErrNotFound)
	}
	return append([]uint64(nil), s.bitmap...), nil
}

func (s *Store) PutSuperblock(ctx context.Context, sb metadata.Superblock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.super = &sb
	return nil
}

func (s *Store) GetSuperblock(ctx context.Context) (metadata.Superblock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return metadata.Superblock{}, err
	}
	if s.super == nil {
		return metadata.Superblock{}, fmt.Errorf("superblock: %w", store.ErrNotFound)
	}
	return *s.super, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
