package content

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/storage"
)

var (
	itemPrefix = []byte("c/")
	radiusKey  = []byte("m/radius")
)

const sizeHeaderLen = 8

// StoreConfig holds content store configuration
type StoreConfig struct {
	LocalID  [32]byte
	Capacity uint64 // byte budget for stored values (uncompressed)
	Storage  *storage.Storage
	Logger   *zap.Logger
}

// entry is one stored item in the distance index. Distance alone identifies the item
// because XOR with the local id is a bijection.
type entry struct {
	distance ID
	id       ID
	size     uint64
}

func entryLess(a, b entry) bool {
	return a.distance.Less(b.distance)
}

// Store keeps content ids near the local node id under a fixed byte budget.
// On overflow the farthest items are evicted and the radius shrinks to the farthest retained item.
type Store struct {
	mu       sync.Mutex
	localID  [32]byte
	capacity uint64
	used     uint64
	radius   ID
	index    *btree.BTreeG[entry]

	db     *storage.Storage
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *zap.Logger
}

// NewStore opens a store over db and rebuilds its distance index from persisted items
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Capacity == 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{
		localID:  cfg.LocalID,
		capacity: cfg.Capacity,
		radius:   MaxRadius,
		index:    btree.NewG[entry](32, entryLess),
		db:       cfg.Storage,
		enc:      enc,
		dec:      dec,
		logger:   logger.With(zap.String("component", "content-store")),
	}

	if err := s.load(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	err := s.db.IteratePrefix(itemPrefix, func(key, value []byte) error {
		if len(key) != len(itemPrefix)+len(ID{}) || len(value) < sizeHeaderLen {
			return fmt.Errorf("corrupt content record %x", key)
		}
		var id ID
		copy(id[:], key[len(itemPrefix):])
		size := binary.BigEndian.Uint64(value[:sizeHeaderLen])

		s.index.ReplaceOrInsert(entry{distance: id.Distance(s.localID), id: id, size: size})
		s.used += size
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load content index: %w", err)
	}

	raw, err := s.db.Get(radiusKey)
	if err != nil {
		return fmt.Errorf("failed to load radius: %w", err)
	}
	if len(raw) == len(ID{}) {
		copy(s.radius[:], raw)
	}

	// the budget may have shrunk since the last run
	if s.used > s.capacity {
		batch := s.db.NewBatch()
		evicted := s.evictLocked()
		for _, e := range evicted {
			if err := batch.Delete(itemKey(e.id)); err != nil {
				batch.Discard()
				return err
			}
		}
		s.radius = s.farthestLocked()
		if err := batch.Set(radiusKey, s.radius[:]); err != nil {
			batch.Discard()
			return err
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("failed to persist startup eviction: %w", err)
		}
		s.logger.Info("evicted content over budget at startup", zap.Int("evicted", len(evicted)))
	}

	s.logger.Debug("content index loaded",
		zap.Int("items", s.index.Len()),
		zap.Uint64("used", s.used),
		zap.Stringer("radius", s.radius))
	return nil
}

// Get returns the stored bytes for id. It never touches the network.
func (s *Store) Get(id ID) ([]byte, error) {
	raw, err := s.db.Get(itemKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if raw == nil {
		return nil, NewNotFoundError("not in local store", &id)
	}
	return s.decode(raw)
}

// Has reports whether id is stored locally
func (s *Store) Has(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Has(entry{distance: id.Distance(s.localID)})
}

// Put admits data under id. Admission and eviction happen atomically with respect to other puts.
//
// An item farther than the radius is only admitted when it fits without eviction, and the
// radius then grows to cover it. Otherwise the farthest items are evicted until the budget
// holds; if that evicts the new item the put fails with a capacity error.
func (s *Store) Put(id ID, data []byte) error {
	size := uint64(len(data))
	if size > s.capacity {
		return NewCapacityError(fmt.Sprintf("item of %d bytes exceeds budget of %d", size, s.capacity), &id)
	}

	encoded := s.encode(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	dist := id.Distance(s.localID)
	if s.index.Has(entry{distance: dist}) {
		return nil
	}

	outside := s.radius.Less(dist)
	if outside && s.used+size > s.capacity {
		return NewCapacityError("outside radius and store is full", &id)
	}

	added := entry{distance: dist, id: id, size: size}
	s.index.ReplaceOrInsert(added)
	s.used += size

	evicted := s.evictLocked()
	admitted := true
	for _, e := range evicted {
		if e.id == id {
			admitted = false
		}
	}

	radius := s.radius
	if len(evicted) > 0 {
		radius = s.farthestLocked()
	} else if outside {
		radius = dist
	}

	if err := s.commitLocked(added, admitted, encoded, evicted, radius); err != nil {
		for _, e := range evicted {
			s.index.ReplaceOrInsert(e)
			s.used += e.size
		}
		s.index.Delete(added)
		s.used -= size
		return fmt.Errorf("failed to persist content: %w", err)
	}

	if radius != s.radius {
		s.logger.Debug("radius changed",
			zap.Stringer("from", s.radius),
			zap.Stringer("to", radius),
			zap.Int("evicted", len(evicted)))
	}
	s.radius = radius

	if !admitted {
		return NewCapacityError("item is farther than all retained content", &id)
	}
	return nil
}

func (s *Store) commitLocked(added entry, admitted bool, encoded []byte, evicted []entry, radius ID) error {
	batch := s.db.NewBatch()
	if admitted {
		if err := batch.Set(itemKey(added.id), encoded); err != nil {
			batch.Discard()
			return err
		}
	}
	for _, e := range evicted {
		if e.id == added.id {
			continue
		}
		if err := batch.Delete(itemKey(e.id)); err != nil {
			batch.Discard()
			return err
		}
	}
	if radius != s.radius {
		if err := batch.Set(radiusKey, radius[:]); err != nil {
			batch.Discard()
			return err
		}
	}
	return batch.Commit()
}

// evictLocked removes the farthest entries from the index until the budget holds
func (s *Store) evictLocked() []entry {
	var evicted []entry
	for s.used > s.capacity {
		far, ok := s.index.DeleteMax()
		if !ok {
			break
		}
		s.used -= far.size
		evicted = append(evicted, far)
	}
	return evicted
}

func (s *Store) farthestLocked() ID {
	if far, ok := s.index.Max(); ok {
		return far.distance
	}
	return ID{}
}

// Delete removes id from the store. The radius is left unchanged.
func (s *Store) Delete(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index.Delete(entry{distance: id.Distance(s.localID)})
	if !ok {
		return nil
	}
	if err := s.db.Delete(itemKey(id)); err != nil {
		s.index.ReplaceOrInsert(e)
		return fmt.Errorf("failed to delete content: %w", err)
	}
	s.used -= e.size
	return nil
}

// Radius returns the current storage radius
func (s *Store) Radius() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radius
}

// InRadius reports whether id falls within the current radius
func (s *Store) InRadius(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.radius.Less(id.Distance(s.localID))
}

// Used returns the stored byte count
func (s *Store) Used() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Capacity returns the byte budget
func (s *Store) Capacity() uint64 {
	return s.capacity
}

// Len returns the number of stored items
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// IDs returns stored ids ordered by distance from the local id
func (s *Store) IDs() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ID, 0, s.index.Len())
	s.index.Ascend(func(e entry) bool {
		ids = append(ids, e.id)
		return true
	})
	return ids
}

// Stats returns a snapshot for status reporting
func (s *Store) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"items":    s.index.Len(),
		"used":     s.used,
		"capacity": s.capacity,
		"radius":   s.radius.String(),
	}
}

// Close releases the compression codecs. The underlying storage is owned by the caller.
func (s *Store) Close() {
	_ = s.enc.Close()
	s.dec.Close()
}

func (s *Store) encode(data []byte) []byte {
	out := make([]byte, sizeHeaderLen, sizeHeaderLen+len(data)/2)
	binary.BigEndian.PutUint64(out, uint64(len(data)))
	return s.enc.EncodeAll(data, out)
}

func (s *Store) decode(raw []byte) ([]byte, error) {
	if len(raw) < sizeHeaderLen {
		return nil, fmt.Errorf("corrupt content record")
	}
	size := binary.BigEndian.Uint64(raw[:sizeHeaderLen])
	out, err := s.dec.DecodeAll(raw[sizeHeaderLen:], make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress content: %w", err)
	}
	if uint64(len(out)) != size {
		return nil, fmt.Errorf("corrupt content record: size %d, expected %d", len(out), size)
	}
	return out, nil
}

func itemKey(id ID) []byte {
	key := make([]byte, 0, len(itemPrefix)+len(id))
	key = append(key, itemPrefix...)
	return append(key, id[:]...)
}
