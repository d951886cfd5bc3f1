// Package fs implements a filesystem tier.Store, typically pointed at a fast
// flash mount for the L2 tier or a bulk volume for L3.
//
// Each payload is one file named after its key in hex. Writes go to a
// temporary file that is renamed into place, so a crash never leaves a torn
// payload behind.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/tier"
)

const payloadExt = ".blk"

// Store keeps payloads as files under a base directory.
//
// Thread Safety:
// Filesystem operations are safe at the OS level. The cache serializes
// operations on a single key, so concurrent writes to the same file do not
// happen.
type Store struct {
	basePath string
	closed   atomic.Bool
}

// New creates a store rooted at basePath, creating the directory with
// permissions 0755 if needed.
func New(ctx context.Context, basePath string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tier directory: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// path returns the payload file for key. Keys are spread over 256
// subdirectories to keep directory sizes bounded.
func (s *Store) path(key uint64) string {
	name := fmt.Sprintf("%016x", key)
	return filepath.Join(s.basePath, name[14:], name+payloadExt)
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key uint64) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("key %d: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload %d: %v: %w", key, err, store.ErrIO)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key uint64, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create payload dir: %v: %w", err, store.ErrIO)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create payload %d: %v: %w", key, err, store.ErrIO)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write payload %d: %v: %w", key, werr, store.ErrIO)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit payload %d: %v: %w", key, err, store.ErrIO)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key uint64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete payload %d: %v: %w", key, err, store.ErrIO)
	}
	return nil
}

// Stats walks the base directory. It is proportional to the number of
// payloads and meant for occasional reporting.
func (s *Store) Stats(ctx context.Context) (tier.Stats, error) {
	if err := s.check(ctx); err != nil {
		return tier.Stats{}, err
	}
	var st tier.Stats
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPayload(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Entries++
		st.Bytes += uint64(info.Size())
		return ctx.Err()
	})
	if err != nil {
		return tier.Stats{}, fmt.Errorf("scan tier directory: %w", err)
	}
	return st, nil
}

func isPayload(name string) bool {
	base, ok := strings.CutSuffix(name, payloadExt)
	if !ok {
		return false
	}
	_, err := strconv.ParseUint(base, 16, 64)
	return err == nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
