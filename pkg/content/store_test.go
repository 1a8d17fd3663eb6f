package content

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/historynet/pkg/storage"
)

func newTestStore(t *testing.T, capacity uint64) (*Store, *storage.Storage) {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(&StoreConfig{Capacity: capacity, Storage: db})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, db
}

// idAt returns an id whose distance from the zero node id starts with b
func idAt(b byte, tail byte) ID {
	var id ID
	id[0] = b
	id[31] = tail
	return id
}

func TestStorePutGet(t *testing.T) {
	s, _ := newTestStore(t, 1000)
	id := idAt(0x10, 1)

	require.NoError(t, s.Put(id, []byte("header bytes")))
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("header bytes"), got)
	assert.True(t, s.Has(id))
	assert.Equal(t, uint64(len("header bytes")), s.Used())

	_, err = s.Get(idAt(0x20, 1))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStorePutIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, 1000)
	id := idAt(0x10, 1)

	require.NoError(t, s.Put(id, make([]byte, 100)))
	require.NoError(t, s.Put(id, make([]byte, 100)))
	assert.Equal(t, uint64(100), s.Used())
	assert.Equal(t, 1, s.Len())
}

func TestStoreRejectsOversizedItem(t *testing.T) {
	s, _ := newTestStore(t, 100)

	err := s.Put(idAt(0x01, 0), make([]byte, 101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacity))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, MaxRadius, s.Radius())
}

func TestStoreEvictsFarthestAndShrinksRadius(t *testing.T) {
	s, _ := newTestStore(t, 300)

	near := idAt(0x01, 0)
	mid := idAt(0x40, 0)
	far := idAt(0xf0, 0)
	for _, id := range []ID{near, mid, far} {
		require.NoError(t, s.Put(id, make([]byte, 100)))
	}
	assert.Equal(t, MaxRadius, s.Radius())

	closer := idAt(0x02, 0)
	require.NoError(t, s.Put(closer, make([]byte, 100)))

	assert.False(t, s.Has(far))
	assert.True(t, s.Has(closer))
	assert.Equal(t, uint64(300), s.Used())
	assert.Equal(t, mid, s.Radius())
}

func TestStoreEvictsNewItemWhenFarthest(t *testing.T) {
	s, _ := newTestStore(t, 200)

	require.NoError(t, s.Put(idAt(0x01, 0), make([]byte, 100)))
	require.NoError(t, s.Put(idAt(0x02, 0), make([]byte, 100)))

	// within MaxRadius but farthest of all
	err := s.Put(idAt(0x80, 0), make([]byte, 100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacity))
	assert.False(t, s.Has(idAt(0x80, 0)))
	assert.Equal(t, idAt(0x02, 0), s.Radius())
}

func TestStoreRejectsOutsideRadiusWhenFull(t *testing.T) {
	s, _ := newTestStore(t, 200)

	require.NoError(t, s.Put(idAt(0x01, 0), make([]byte, 100)))
	require.NoError(t, s.Put(idAt(0x02, 0), make([]byte, 100)))
	require.True(t, errors.Is(s.Put(idAt(0x03, 0), make([]byte, 100)), ErrCapacity))
	radius := s.Radius()
	require.Equal(t, idAt(0x02, 0), radius)

	err := s.Put(idAt(0x90, 0), make([]byte, 50))
	assert.True(t, errors.Is(err, ErrCapacity))
	assert.Equal(t, radius, s.Radius())
	assert.Equal(t, 2, s.Len())
}

func TestStoreRadiusGrowsWhenCapacityFrees(t *testing.T) {
	s, _ := newTestStore(t, 200)

	require.NoError(t, s.Put(idAt(0x01, 0), make([]byte, 100)))
	require.NoError(t, s.Put(idAt(0x02, 0), make([]byte, 100)))
	require.True(t, errors.Is(s.Put(idAt(0x03, 0), make([]byte, 100)), ErrCapacity))
	require.NoError(t, s.Delete(idAt(0x01, 0)))

	outside := idAt(0x90, 0)
	require.False(t, s.InRadius(outside))
	require.NoError(t, s.Put(outside, make([]byte, 100)))
	assert.Equal(t, outside, s.Radius())
	assert.True(t, s.InRadius(outside))
}

func TestStoreBudgetAndRadiusProperties(t *testing.T) {
	const capacity = 2000
	s, _ := newTestStore(t, capacity)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		var id ID
		rng.Read(id[:])
		err := s.Put(id, make([]byte, 1+rng.Intn(150)))
		if err != nil {
			require.True(t, errors.Is(err, ErrCapacity), "unexpected error: %v", err)
		}

		require.LessOrEqual(t, s.Used(), uint64(capacity))

		radius := s.Radius()
		for _, stored := range s.IDs() {
			require.False(t, radius.Less(stored.Distance([32]byte{})),
				"stored id %s beyond radius %s", stored, radius)
		}
	}
}

func TestStoreReloadsIndexAndRadius(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	s, err := NewStore(&StoreConfig{Capacity: 200, Storage: db})
	require.NoError(t, err)
	for _, b := range []byte{0x01, 0x02, 0x03} {
		_ = s.Put(idAt(b, 0), bytes.Repeat([]byte{b}, 100))
	}
	radius := s.Radius()
	ids := s.IDs()
	s.Close()

	reopened, err := NewStore(&StoreConfig{Capacity: 200, Storage: db})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, radius, reopened.Radius())
	assert.Equal(t, ids, reopened.IDs())
	assert.Equal(t, uint64(200), reopened.Used())

	got, err := reopened.Get(idAt(0x02, 0))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x02}, 100), got)
}

func TestStoreEvictsOnReopenWithSmallerBudget(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	s, err := NewStore(&StoreConfig{Capacity: 300, Storage: db})
	require.NoError(t, err)
	for _, b := range []byte{0x01, 0x02, 0x03} {
		require.NoError(t, s.Put(idAt(b, 0), make([]byte, 100)))
	}
	s.Close()

	smaller, err := NewStore(&StoreConfig{Capacity: 150, Storage: db})
	require.NoError(t, err)
	defer smaller.Close()

	assert.Equal(t, 1, smaller.Len())
	assert.Equal(t, idAt(0x01, 0), smaller.Radius())
	assert.True(t, smaller.Has(idAt(0x01, 0)))
}

func TestNewStoreValidatesConfig(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(&StoreConfig{Storage: db})
	assert.Error(t, err)
}
