// Package storage provides the Pebble key/value store backing content and accumulator persistence.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Config controls where and how the database is opened
type Config struct {
	Path         string        // Path is the database directory (ignored when InMemory)
	InMemory     bool          // InMemory keeps everything in a memory filesystem
	CacheSize    int64         // CacheSize is the block cache size in bytes
	SyncInterval time.Duration // SyncInterval is the period between WAL syncs
	Logger       *zap.Logger
}

// Storage wraps a Pebble database. Writes are NoSync and a background
// goroutine periodically syncs the WAL to disk.
type Storage struct {
	db       *pebble.DB
	logger   *zap.Logger
	stopSync chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}

// Open creates or opens a Storage instance
func Open(cfg *Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage config is required")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 32 << 20
	}

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	path := cfg.Path
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		path = "historynet"
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	s := &Storage{
		db:       db,
		logger:   logger.With(zap.String("component", "storage")),
		stopSync: make(chan struct{}),
	}

	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	s.startSyncLoop(interval)

	return s, nil
}

// OpenInMemory opens a throwaway database, mostly for tests
func OpenInMemory() (*Storage, error) {
	return Open(&Config{InMemory: true})
}

// Get retrieves the value for the given key. Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Batch groups writes that commit atomically
type Batch struct {
	b *pebble.Batch
}

// NewBatch starts an atomic write batch
func (s *Storage) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// Set queues a write
func (b *Batch) Set(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

// Delete queues a delete
func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key, nil)
}

// Commit applies all queued operations and releases the batch
func (b *Batch) Commit() error {
	defer b.b.Close()
	return b.b.Commit(pebble.NoSync)
}

// Discard releases the batch without applying it
func (b *Batch) Discard() {
	_ = b.b.Close()
}

// IteratePrefix calls fn for each key-value pair with the given prefix in key order.
// The slices passed to fn are only valid for the duration of the call.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine, performs a final sync and closes the database
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		s.logger.Warn("final WAL sync failed", zap.Error(err))
	}

	return s.db.Close()
}

func (s *Storage) startSyncLoop(interval time.Duration) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.sync(); err != nil {
					s.logger.Debug("WAL sync failed", zap.Error(err))
				}
			case <-s.stopSync:
				return
			}
		}
	}()
}

func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
