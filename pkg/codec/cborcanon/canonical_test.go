package cborcanon

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var canonicalTestVectors = []struct {
	name     string
	input    interface{}
	expected string
}{
	{
		name:     "map_keys_sorted",
		input:    map[string]interface{}{"b": 2, "a": 1},
		expected: "a2616101616202",
	},
	{
		name:     "array_order_preserved",
		input:    []interface{}{3, 1, 2},
		expected: "83030102",
	},
	{
		name:     "empty_map",
		input:    map[string]interface{}{},
		expected: "a0",
	},
	{
		name:     "byte_string",
		input:    []byte{0xde, 0xad},
		expected: "42dead",
	},
}

func TestCanonicalEncoding(t *testing.T) {
	for _, tv := range canonicalTestVectors {
		t.Run(tv.name, func(t *testing.T) {
			encoded, err := Marshal(tv.input)
			require.NoError(t, err)
			assert.Equal(t, tv.expected, hex.EncodeToString(encoded))
			assert.True(t, IsCanonical(encoded))
		})
	}
}

func TestStructFieldOrderIsDeterministic(t *testing.T) {
	type frame struct {
		Seq  uint64 `cbor:"seq"`
		Kind uint16 `cbor:"kind"`
		V    uint16 `cbor:"v"`
	}

	first, err := Marshal(frame{Seq: 7, Kind: 3, V: 1})
	require.NoError(t, err)
	second, err := Marshal(frame{Seq: 7, Kind: 3, V: 1})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoError(t, ValidateCanonical(first))
}

func TestNonCanonicalDetected(t *testing.T) {
	// {"b": 2, "a": 1} with keys out of order
	data, err := hex.DecodeString("a2616202616101")
	require.NoError(t, err)

	assert.False(t, IsCanonical(data))
	assert.Error(t, ValidateCanonical(data))
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data, err := hex.DecodeString("a2616101616102")
	require.NoError(t, err)

	var out map[string]int
	assert.Error(t, Unmarshal(data, &out))
}

func TestUnmarshalRejectsIndefiniteLength(t *testing.T) {
	// [_ 1, 2]
	data, err := hex.DecodeString("9f0102ff")
	require.NoError(t, err)

	var out []int
	assert.Error(t, Unmarshal(data, &out))
}

func TestMarshalToBytesPanicsOnUnsupported(t *testing.T) {
	assert.Panics(t, func() {
		MarshalToBytes(make(chan int))
	})
}
