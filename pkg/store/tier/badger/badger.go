// Package badger implements a tier.Store on BadgerDB. Badger's LSM layout
// suits flash, which makes it the default backend for the L2 tier.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/tier"
)

var payloadPrefix = []byte("p:")

// Config contains configuration for the BadgerDB tier store.
type Config struct {
	// Path is the directory holding the BadgerDB files.
	Path string

	// InMemory runs Badger without touching disk. Used by tests.
	InMemory bool

	// Compression enables Badger's zstd table compression. Payloads reaching
	// the cache are already decompressed block data.
	Compression bool
}

// Store keeps cache payloads in BadgerDB under "p:" + big-endian key.
//
// Thread Safety:
// BadgerDB transactions are safe for concurrent use.
type Store struct {
	db *badger.DB
}

// New opens (or creates) the database described by cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger tier path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	if cfg.Compression {
		opts = opts.WithCompression(options.ZSTD)
	} else {
		opts = opts.WithCompression(options.None)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open tier BadgerDB at %s: %w", cfg.Path, err)
	}
	return &Store{db: db}, nil
}

func payloadKey(key uint64) []byte {
	k := make([]byte, len(payloadPrefix)+8)
	copy(k, payloadPrefix)
	binary.BigEndian.PutUint64(k[len(payloadPrefix):], key)
	return k
}

func wrapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%v: %w", err, store.ErrClosed)
	}
	return err
}

func (s *Store) Get(ctx context.Context, key uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(payloadKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %d: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(payloadKey(key), buf)
	})
	return wrapErr(err)
}

func (s *Store) Delete(ctx context.Context, key uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(payloadKey(key))
	})
	return wrapErr(err)
}

// Stats runs a key-only scan; values are not loaded.
func (s *Store) Stats(ctx context.Context) (tier.Stats, error) {
	var st tier.Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = payloadPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(payloadPrefix); it.ValidForPrefix(payloadPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			st.Entries++
			st.Bytes += uint64(it.Item().ValueSize())
		}
		return nil
	})
	if err != nil {
		return tier.Stats{}, wrapErr(err)
	}
	return st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
