// Package badger implements the chunk store on top of BadgerDB.
package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/xibo-players/xiboplayer-sub005/internal/store"
)

// Config holds configuration for the badger-backed chunk store.
type Config struct {
	// Dir is the data directory. Empty means an in-memory database,
	// which tests rely on.
	Dir string
}

// Store is a badger-backed implementation of store.ChunkStore. Whole files
// live under their logical key; chunked files add one metadata record and
// one entry per chunk. An in-memory metadata mirror answers existence checks
// without touching badger, since those happen on every content request.
type Store struct {
	db *badgerdb.DB

	mu     sync.RWMutex
	mirror map[string]*store.ChunkMetadata
}

// New opens the chunk store and warms the metadata mirror from disk.
func New(cfg Config) (*Store, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir)
	opts = opts.WithLogger(nil)

	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	s := &Store{
		db:     db,
		mirror: make(map[string]*store.ChunkMetadata),
	}

	if err := s.warmMirror(); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to warm metadata mirror: %w", err)
	}

	return s, nil
}

// warmMirror loads every persisted metadata record so restarts keep the
// existence fast path intact.
func (s *Store) warmMirror() error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		suffix := []byte("/metadata")

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()

			if len(k) < len(suffix) || string(k[len(k)-len(suffix):]) != string(suffix) {
				continue
			}

			var meta store.ChunkMetadata

			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return err
			}

			key := string(k[:len(k)-len(suffix)])
			s.mirror[key] = &meta
		}

		return nil
	})
}

func (s *Store) Get(key string) ([]byte, error) {
	return s.read(key)
}

func (s *Store) Put(key string, data []byte, contentType string) error {
	_ = contentType // whole files keep a single durable entry; type is detected at serve time

	return s.write(key, data)
}

func (s *Store) GetChunk(key string, index int) ([]byte, error) {
	return s.read(store.ChunkKey(key, index))
}

func (s *Store) PutChunk(key string, index int, data []byte) error {
	return s.write(store.ChunkKey(key, index), data)
}

// PutChunked splits data and writes every chunk plus the metadata record.
// Complete is committed only after the last chunk is durably written.
func (s *Store) PutChunked(key string, data []byte, chunkSize int64, contentType string) error {
	if chunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	total := int64(len(data))
	numChunks := store.NumChunksFor(total, chunkSize)

	meta := store.ChunkMetadata{
		TotalSize:   total,
		ChunkSize:   chunkSize,
		NumChunks:   numChunks,
		ContentType: contentType,
		Chunked:     true,
	}

	if err := s.InitChunked(key, meta); err != nil {
		return err
	}

	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize

		end := start + chunkSize
		if end > total {
			end = total
		}

		if err := s.PutChunk(key, i, data[start:end]); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
	}

	return s.MarkComplete(key)
}

// InitChunked persists an incomplete metadata record and mirrors it.
func (s *Store) InitChunked(key string, meta store.ChunkMetadata) error {
	meta.Chunked = true
	meta.Complete = false

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	return s.writeMetadata(key, &meta)
}

// MarkComplete verifies every chunk is present before committing the record.
func (s *Store) MarkComplete(key string) error {
	meta, err := s.metadata(key)
	if err != nil {
		return err
	}

	for i := 0; i < meta.NumChunks; i++ {
		ok, err := s.ChunkExists(key, i)
		if err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("cannot mark %s complete: chunk %d missing", key, i)
		}
	}

	committed := *meta
	committed.Complete = true

	return s.writeMetadata(key, &committed)
}

// FileExists checks the metadata mirror first and only falls back to badger
// for keys the mirror has never seen.
func (s *Store) FileExists(key string) (store.Presence, error) {
	s.mu.RLock()
	meta, ok := s.mirror[key]
	s.mu.RUnlock()

	if ok {
		m := *meta

		return store.Presence{Exists: true, Chunked: true, Meta: &m}, nil
	}

	exists, err := s.has(key)
	if err != nil {
		return store.Presence{}, err
	}

	if exists {
		return store.Presence{Exists: true}, nil
	}

	// A metadata record may exist without being mirrored only if another
	// process wrote it; check durable storage before reporting absent.
	if m, err := s.readMetadata(key); err == nil {
		s.mu.Lock()
		s.mirror[key] = m
		s.mu.Unlock()

		mm := *m

		return store.Presence{Exists: true, Chunked: true, Meta: &mm}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Presence{}, err
	}

	return store.Presence{}, nil
}

func (s *Store) ChunkExists(key string, index int) (bool, error) {
	return s.has(store.ChunkKey(key, index))
}

// PresentChunks scans the declared chunk range and reports which indices are
// durably stored.
func (s *Store) PresentChunks(key string) (map[int]bool, error) {
	meta, err := s.metadata(key)
	if err != nil {
		return nil, err
	}

	present := make(map[int]bool, meta.NumChunks)

	err = s.db.View(func(txn *badgerdb.Txn) error {
		for i := 0; i < meta.NumChunks; i++ {
			_, err := txn.Get([]byte(store.ChunkKey(key, i)))
			if err == nil {
				present[i] = true

				continue
			}

			if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return present, nil
}

// Delete removes the whole-file entry or, for chunked files, every chunk
// index plus the metadata record.
func (s *Store) Delete(key string) error {
	presence, err := s.FileExists(key)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		if presence.Chunked && presence.Meta != nil {
			for i := 0; i < presence.Meta.NumChunks; i++ {
				if err := txn.Delete([]byte(store.ChunkKey(key, i))); err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
					return err
				}
			}

			return txn.Delete([]byte(store.MetadataKey(key)))
		}

		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	s.mu.Lock()
	delete(s.mirror, key)
	s.mu.Unlock()

	return nil
}

func (s *Store) Clear() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}

	s.mu.Lock()
	s.mirror = make(map[string]*store.ChunkMetadata)
	s.mu.Unlock()

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) metadata(key string) (*store.ChunkMetadata, error) {
	s.mu.RLock()
	meta, ok := s.mirror[key]
	s.mu.RUnlock()

	if ok {
		m := *meta

		return &m, nil
	}

	return s.readMetadata(key)
}

func (s *Store) readMetadata(key string) (*store.ChunkMetadata, error) {
	raw, err := s.read(store.MetadataKey(key))
	if err != nil {
		return nil, err
	}

	var meta store.ChunkMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", key, err)
	}

	return &meta, nil
}

// writeMetadata persists the record and updates the mirror in one critical
// section so the two never diverge.
func (s *Store) writeMetadata(key string, meta *store.ChunkMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(store.MetadataKey(key), raw); err != nil {
		return err
	}

	m := *meta
	s.mirror[key] = &m

	return nil
}

func (s *Store) read(key string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		out, err = item.ValueCopy(nil)

		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return out, nil
}

func (s *Store) write(key string, data []byte) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

func (s *Store) has(key string) (bool, error) {
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(key))

		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
