// Package content implements history content addressing and the radius-bounded content store.
package content

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// KeyType is the selector byte that prefixes every encoded content key
type KeyType byte

// Content key selectors
const (
	KeyBlockHeader       KeyType = 0x00
	KeyBlockBody         KeyType = 0x01
	KeyReceipts          KeyType = 0x02
	KeyEpochAccumulator  KeyType = 0x03
	KeyMasterAccumulator KeyType = 0x04
)

const (
	hashSize = 32

	blockKeySize   = 1 + 2 + hashSize
	epochKeySize   = 1 + hashSize
	latestKeySize  = 2
	masterKeySize  = 2 + hashSize
	masterLatest   = 0x00
	masterByHash   = 0x01
	maxEncodedSize = blockKeySize
)

// Key addresses one piece of history content. Which fields are meaningful depends on Type:
// block keys use ChainID and Hash (block hash), epoch keys use Hash (epoch root) and
// master accumulator keys use Latest or Hash.
type Key struct {
	Type    KeyType
	ChainID uint16
	Hash    [32]byte
	Latest  bool
}

// BlockHeaderKey addresses a block header by its hash
func BlockHeaderKey(chainID uint16, blockHash [32]byte) Key {
	return Key{Type: KeyBlockHeader, ChainID: chainID, Hash: blockHash}
}

// BlockBodyKey addresses a block body by its block hash
func BlockBodyKey(chainID uint16, blockHash [32]byte) Key {
	return Key{Type: KeyBlockBody, ChainID: chainID, Hash: blockHash}
}

// ReceiptsKey addresses a block's receipts by its block hash
func ReceiptsKey(chainID uint16, blockHash [32]byte) Key {
	return Key{Type: KeyReceipts, ChainID: chainID, Hash: blockHash}
}

// EpochAccumulatorKey addresses an epoch accumulator by its root
func EpochAccumulatorKey(root [32]byte) Key {
	return Key{Type: KeyEpochAccumulator, Hash: root}
}

// LatestMasterAccumulatorKey addresses the most recent master accumulator a peer knows
func LatestMasterAccumulatorKey() Key {
	return Key{Type: KeyMasterAccumulator, Latest: true}
}

// MasterAccumulatorKey addresses a master accumulator by its hash
func MasterAccumulatorKey(hash [32]byte) Key {
	return Key{Type: KeyMasterAccumulator, Hash: hash}
}

// Encode serializes the key as a selector byte followed by fixed-width fields
func (k Key) Encode() []byte {
	switch k.Type {
	case KeyBlockHeader, KeyBlockBody, KeyReceipts:
		out := make([]byte, blockKeySize)
		out[0] = byte(k.Type)
		binary.LittleEndian.PutUint16(out[1:3], k.ChainID)
		copy(out[3:], k.Hash[:])
		return out
	case KeyEpochAccumulator:
		out := make([]byte, epochKeySize)
		out[0] = byte(k.Type)
		copy(out[1:], k.Hash[:])
		return out
	case KeyMasterAccumulator:
		if k.Latest {
			return []byte{byte(k.Type), masterLatest}
		}
		out := make([]byte, masterKeySize)
		out[0] = byte(k.Type)
		out[1] = masterByHash
		copy(out[2:], k.Hash[:])
		return out
	default:
		panic(fmt.Sprintf("content: unknown key type %d", k.Type))
	}
}

// DecodeKey parses an encoded key. Unknown selectors, wrong lengths and trailing bytes are rejected.
func DecodeKey(data []byte) (Key, error) {
	if len(data) == 0 {
		return Key{}, NewProtocolError("empty content key", "", nil)
	}
	if len(data) > maxEncodedSize {
		return Key{}, NewProtocolError(fmt.Sprintf("content key too long: %d bytes", len(data)), "", nil)
	}

	var k Key
	k.Type = KeyType(data[0])

	switch k.Type {
	case KeyBlockHeader, KeyBlockBody, KeyReceipts:
		if len(data) != blockKeySize {
			return Key{}, keyLengthError(k.Type, len(data))
		}
		k.ChainID = binary.LittleEndian.Uint16(data[1:3])
		copy(k.Hash[:], data[3:])
	case KeyEpochAccumulator:
		if len(data) != epochKeySize {
			return Key{}, keyLengthError(k.Type, len(data))
		}
		copy(k.Hash[:], data[1:])
	case KeyMasterAccumulator:
		if len(data) < latestKeySize {
			return Key{}, keyLengthError(k.Type, len(data))
		}
		switch data[1] {
		case masterLatest:
			if len(data) != latestKeySize {
				return Key{}, keyLengthError(k.Type, len(data))
			}
			k.Latest = true
		case masterByHash:
			if len(data) != masterKeySize {
				return Key{}, keyLengthError(k.Type, len(data))
			}
			copy(k.Hash[:], data[2:])
		default:
			return Key{}, NewProtocolError(fmt.Sprintf("unknown master accumulator selector %d", data[1]), "", nil)
		}
	default:
		return Key{}, NewProtocolError(fmt.Sprintf("unknown content key type %d", data[0]), "", nil)
	}

	return k, nil
}

// ID returns the content id the key maps to
func (k Key) ID() ID {
	return NewID(k.Encode())
}

// IsBlockKey reports whether the key addresses per-block content
func (k Key) IsBlockKey() bool {
	return k.Type == KeyBlockHeader || k.Type == KeyBlockBody || k.Type == KeyReceipts
}

// String returns the key type and its hex encoding
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Type, hex.EncodeToString(k.Encode()))
}

// String returns the selector name
func (t KeyType) String() string {
	switch t {
	case KeyBlockHeader:
		return "header"
	case KeyBlockBody:
		return "body"
	case KeyReceipts:
		return "receipts"
	case KeyEpochAccumulator:
		return "epoch-accumulator"
	case KeyMasterAccumulator:
		return "master-accumulator"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

func keyLengthError(t KeyType, n int) error {
	return NewProtocolError(fmt.Sprintf("invalid %s key length: %d bytes", t, n), "", nil)
}
