// Package badger implements a persistent metadata store on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
)

// Config contains configuration for the BadgerDB metadata store.
type Config struct {
	// DBPath is the directory holding the BadgerDB files.
	DBPath string

	// BlockCacheSizeMB sizes Badger's block cache (default: 64MB).
	BlockCacheSizeMB int64

	// IndexCacheSizeMB sizes Badger's index cache (default: 32MB).
	IndexCacheSizeMB int64

	// InMemory runs Badger without touching disk. Used by tests.
	InMemory bool
}

// Store persists deduplication state in BadgerDB.
//
// Key Features:
//   - Crash recovery through Badger's value log
//   - One transaction per mutation, so a record is never half written
//   - Prefix scans for index and logical map reloads (see keys.go)
//
// Thread Safety:
// BadgerDB transactions are safe for concurrent use; Store adds no locking of
// its own.
type Store struct {
	db *badger.DB
}

// New opens (or creates) the database at cfg.DBPath.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger path is required")
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Records are small and written often; Badger compression would only
	// add CPU.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) set(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return wrapErr(err)
}

func (s *Store) get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %q: %w", key, store.ErrNotFound)
	}
	return value, wrapErr(err)
}

func (s *Store) delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return wrapErr(err)
}

// scan calls fn with a copy of every key/value under prefix. The iteration
// runs in a read transaction, so it sees a consistent snapshot.
func (s *Store) scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         prefix,
		})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr(err)
}

func wrapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return store.ErrClosed
	}
	return err
}

func (s *Store) PutBlock(ctx context.Context, rec metadata.BlockRecord) error {
	value, err := encodeBlockRecord(rec)
	if err != nil {
		return err
	}
	return s.set(ctx, keyBlock(rec.Hash), value)
}

func (s *Store) DeleteBlock(ctx context.Context, h hash.BlockHash) error {
	return s.delete(ctx, keyBlock(h))
}

func (s *Store) ForEachBlock(ctx context.Context, fn func(metadata.BlockRecord) error) error {
	return s.scan(ctx, []byte(prefixBlock), func(_, value []byte) error {
		rec, err := decodeBlockRecord(value)
		if err != nil {
			return err
		}
		return fn(rec)
	})
}

func (s *Store) PutMapping(ctx context.Context, lba uint64, h hash.BlockHash) error {
	return s.set(ctx, keyMapping(lba), h[:])
}

func (s *Store) DeleteMapping(ctx context.Context, lba uint64) error {
	return s.delete(ctx, keyMapping(lba))
}

func (s *Store) ForEachMapping(ctx context.Context, fn func(uint64, hash.BlockHash) error) error {
	return s.scan(ctx, []byte(prefixMapping), func(key, value []byte) error {
		if len(value) != hash.Size {
			return fmt.Errorf("mapping value is %d bytes", len(value))
		}
		var h hash.BlockHash
		copy(h[:], value)
		return fn(lbaFromKey(key), h)
	})
}

func (s *Store) PutBitmap(ctx context.Context, words []uint64) error {
	return s.set(ctx, keyBitmap, encodeBitmap(words))
}

func (s *Store) GetBitmap(ctx context.Context) ([]uint64, error) {
	data, err := s.get(ctx, keyBitmap)
	if err != nil {
		return nil, err
	}
	return decodeBitmap(data)
}

func (s *Store) PutSuperblock(ctx context.Context, sb metadata.Superblock) error {
	data, err := encodeSuperblock(sb)
	if err != nil {
		return err
	}
	return s.set(ctx, keySuperblock, data)
}

func (s *Store) GetSuperblock(ctx context.Context) (metadata.Superblock, error) {
	data, err := s.get(ctx, keySuperblock)
	if err != nil {
		return metadata.Superblock{}, err
	}
	return decodeSuperblock(data)
}

// Healthcheck fails once the database is closed.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return store.ErrClosed
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}
