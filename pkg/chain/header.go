// Package chain defines the block header, body and receipt types carried as history content.
package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/WebFirstLanguage/historynet/pkg/codec/cborcanon"
)

// Hash is a 32-byte keccak digest
type Hash [32]byte

// String returns the hex representation of the hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Keccak256 hashes data with legacy Keccak-256
func Keccak256(data ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}

// Header is a block header
type Header struct {
	ParentHash  Hash
	UncleHash   Hash
	Coinbase    [20]byte
	StateRoot   Hash
	TxHash      Hash
	ReceiptHash Hash
	Difficulty  *big.Int
	Number      uint64
	GasLimit    uint64
	GasUsed     uint64
	Time        uint64
	Extra       []byte
	MixDigest   Hash
	Nonce       [8]byte
}

// headerEnc is the wire layout of a Header; difficulty travels as big-endian bytes
type headerEnc struct {
	_           struct{} `cbor:",toarray"`
	ParentHash  Hash
	UncleHash   Hash
	Coinbase    [20]byte
	StateRoot   Hash
	TxHash      Hash
	ReceiptHash Hash
	Difficulty  []byte
	Number      uint64
	GasLimit    uint64
	GasUsed     uint64
	Time        uint64
	Extra       []byte
	MixDigest   Hash
	Nonce       [8]byte
}

// maxExtraSize bounds the extra-data field
const maxExtraSize = 1024

// Encode returns the canonical encoding of the header
func (h *Header) Encode() ([]byte, error) {
	enc := headerEnc{
		ParentHash:  h.ParentHash,
		UncleHash:   h.UncleHash,
		Coinbase:    h.Coinbase,
		StateRoot:   h.StateRoot,
		TxHash:      h.TxHash,
		ReceiptHash: h.ReceiptHash,
		Number:      h.Number,
		GasLimit:    h.GasLimit,
		GasUsed:     h.GasUsed,
		Time:        h.Time,
		Extra:       h.Extra,
		MixDigest:   h.MixDigest,
		Nonce:       h.Nonce,
		Difficulty:  []byte{},
	}
	if h.Difficulty != nil {
		if h.Difficulty.Sign() < 0 {
			return nil, fmt.Errorf("negative difficulty")
		}
		enc.Difficulty = h.Difficulty.Bytes()
	}
	return cborcanon.Marshal(&enc)
}

// DecodeHeader parses an encoded header, rejecting non-canonical input
func DecodeHeader(data []byte) (*Header, error) {
	var enc headerEnc
	if err := cborcanon.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if len(enc.Extra) > maxExtraSize {
		return nil, fmt.Errorf("header extra data too large: %d bytes", len(enc.Extra))
	}
	if len(enc.Difficulty) > 0 && enc.Difficulty[0] == 0 {
		return nil, fmt.Errorf("non-canonical difficulty encoding")
	}

	h := &Header{
		ParentHash:  enc.ParentHash,
		UncleHash:   enc.UncleHash,
		Coinbase:    enc.Coinbase,
		StateRoot:   enc.StateRoot,
		TxHash:      enc.TxHash,
		ReceiptHash: enc.ReceiptHash,
		Difficulty:  new(big.Int).SetBytes(enc.Difficulty),
		Number:      enc.Number,
		GasLimit:    enc.GasLimit,
		GasUsed:     enc.GasUsed,
		Time:        enc.Time,
		Extra:       enc.Extra,
		MixDigest:   enc.MixDigest,
		Nonce:       enc.Nonce,
	}

	// the hash covers the encoding, so reject anything that does not re-encode identically
	reencoded, err := h.Encode()
	if err != nil {
		return nil, err
	}
	if string(reencoded) != string(data) {
		return nil, fmt.Errorf("non-canonical header encoding")
	}
	return h, nil
}

// Hash returns the keccak256 of the header encoding
func (h *Header) Hash() Hash {
	data, err := h.Encode()
	if err != nil {
		// only a negative difficulty fails to encode; it hashes to nothing valid
		return Hash{}
	}
	return Keccak256(data)
}

// DifficultyOrZero returns the header difficulty, treating nil as zero
func (h *Header) DifficultyOrZero() *big.Int {
	if h.Difficulty == nil {
		return new(big.Int)
	}
	return h.Difficulty
}
