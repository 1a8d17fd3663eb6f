package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	s := openTest(t)

	value, err := s.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Nil(t, value)

	require.NoError(t, s.Set([]byte("k"), []byte("v")))
	value, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, s.Delete([]byte("k")))
	value, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestBatchCommitsAtomically(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Set([]byte("old"), []byte("1")))

	b := s.NewBatch()
	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	require.NoError(t, b.Set([]byte("b"), []byte("2")))
	require.NoError(t, b.Delete([]byte("old")))
	require.NoError(t, b.Commit())

	for k, want := range map[string][]byte{"a": []byte("1"), "b": []byte("2"), "old": nil} {
		got, err := s.Get([]byte(k))
		require.NoError(t, err)
		assert.Equal(t, want, got, k)
	}
}

func TestDiscardedBatchLeavesNoTrace(t *testing.T) {
	s := openTest(t)

	b := s.NewBatch()
	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	b.Discard()

	got, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIteratePrefix(t *testing.T) {
	s := openTest(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set([]byte(fmt.Sprintf("c/%d", i)), []byte{byte(i)}))
	}
	require.NoError(t, s.Set([]byte("d/0"), []byte{9}))

	var keys []string
	err := s.IteratePrefix([]byte("c/"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c/0", "c/1", "c/2", "c/3", "c/4"}, keys)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("d"), prefixUpperBound([]byte("c")))
	assert.Equal(t, []byte{0x01}, prefixUpperBound([]byte{0x00, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
