package content

import (
	"bytes"
	"encoding/hex"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

// ID is the 256-bit content identifier derived from an encoded content key.
// Distances and radii live in the same space and use the same type.
type ID [32]byte

// MaxRadius claims every id in the keyspace
var MaxRadius = func() ID {
	var r ID
	for i := range r {
		r[i] = 0xff
	}
	return r
}()

// NewID hashes an encoded content key
func NewID(encodedKey []byte) ID {
	return ID(sha256.Sum256(encodedKey))
}

// ParseID decodes a hex content id
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid content id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid content id length: %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Distance returns the XOR distance between id and a node id
func (id ID) Distance(nodeID [32]byte) ID {
	var d ID
	for i := range d {
		d[i] = id[i] ^ nodeID[i]
	}
	return d
}

// Less compares ids as big-endian unsigned integers
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Cmp returns -1, 0 or 1 comparing id with other
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Bytes returns the ID as a byte slice
func (id ID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the id is all zeros
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the hex representation of the ID
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Item pairs a content key with its bytes
type Item struct {
	Key   Key
	Value []byte
}
