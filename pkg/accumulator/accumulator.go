// Package accumulator builds the master/epoch commitment over the canonical header chain
// and verifies historical headers against it.
package accumulator

import (
	"encoding/binary"
	"fmt"
	"math/big"

	sha256 "github.com/minio/sha256-simd"

	"github.com/WebFirstLanguage/historynet/pkg/chain"
	"github.com/WebFirstLanguage/historynet/pkg/constants"
	"github.com/WebFirstLanguage/historynet/pkg/content"
)

// EpochSize is the number of header records per epoch accumulator
const EpochSize = constants.EpochSize

const (
	encodingVersion byte = 0x01
	countSize            = 4
	recordSize           = 32 + 32
	epochHeaderSize      = 1 + countSize
)

// HeaderRecord commits to one header
type HeaderRecord struct {
	BlockHash       chain.Hash
	TotalDifficulty *big.Int
}

// EpochAccumulator holds the records of one epoch in height order
type EpochAccumulator []HeaderRecord

// Encode returns the versioned encoding: version byte, u32 LE record count, then per record
// the block hash and the total difficulty as 32 little-endian bytes.
func (e EpochAccumulator) Encode() []byte {
	out := make([]byte, epochHeaderSize, epochHeaderSize+len(e)*recordSize)
	out[0] = encodingVersion
	binary.LittleEndian.PutUint32(out[1:epochHeaderSize], uint32(len(e)))
	for _, r := range e {
		out = append(out, r.BlockHash[:]...)
		out = appendUint256LE(out, r.TotalDifficulty)
	}
	return out
}

// Root returns the commitment to the epoch
func (e EpochAccumulator) Root() [32]byte {
	return sha256.Sum256(e.Encode())
}

// DecodeEpochAccumulator parses the versioned epoch encoding
func DecodeEpochAccumulator(data []byte) (EpochAccumulator, error) {
	e, rest, err := decodeEpoch(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing %d bytes after epoch accumulator", len(rest))
	}
	return e, nil
}

func decodeEpoch(data []byte) (EpochAccumulator, []byte, error) {
	if len(data) < epochHeaderSize {
		return nil, nil, fmt.Errorf("epoch accumulator too short: %d bytes", len(data))
	}
	if data[0] != encodingVersion {
		return nil, nil, fmt.Errorf("unsupported epoch accumulator version %d", data[0])
	}
	count := binary.LittleEndian.Uint32(data[1:epochHeaderSize])
	if count > EpochSize {
		return nil, nil, fmt.Errorf("epoch accumulator has %d records, max %d", count, EpochSize)
	}
	body := data[epochHeaderSize:]
	need := int(count) * recordSize
	if len(body) < need {
		return nil, nil, fmt.Errorf("epoch accumulator truncated: %d of %d bytes", len(body), need)
	}

	e := make(EpochAccumulator, count)
	for i := range e {
		rec := body[i*recordSize : (i+1)*recordSize]
		copy(e[i].BlockHash[:], rec[:32])
		e[i].TotalDifficulty = uint256FromLE(rec[32:])
	}
	return e, body[need:], nil
}

// Accumulator is the master accumulator: roots of completed epochs plus the open epoch.
// An epoch is completed lazily, when the first header of the following epoch is added.
type Accumulator struct {
	HistoricalEpochs [][32]byte
	CurrentEpoch     EpochAccumulator
}

// New returns an empty accumulator
func New() *Accumulator {
	return &Accumulator{}
}

// Height returns the number of headers committed
func (a *Accumulator) Height() uint64 {
	return uint64(len(a.HistoricalEpochs))*EpochSize + uint64(len(a.CurrentEpoch))
}

// Update appends the next header. Headers must arrive in height order starting at zero.
func (a *Accumulator) Update(header *chain.Header) error {
	if header.Number != a.Height() {
		return fmt.Errorf("expected header %d, got %d", a.Height(), header.Number)
	}

	td := new(big.Int)
	if n := len(a.CurrentEpoch); n > 0 {
		td.Set(a.CurrentEpoch[n-1].TotalDifficulty)
	}
	td.Add(td, header.DifficultyOrZero())
	if td.BitLen() > 256 {
		return fmt.Errorf("total difficulty overflows 256 bits at header %d", header.Number)
	}

	if len(a.CurrentEpoch) == EpochSize {
		a.HistoricalEpochs = append(a.HistoricalEpochs, a.CurrentEpoch.Root())
		a.CurrentEpoch = make(EpochAccumulator, 0, EpochSize)
	}

	a.CurrentEpoch = append(a.CurrentEpoch, HeaderRecord{BlockHash: header.Hash(), TotalDifficulty: td})
	return nil
}

// Clone returns a deep copy
func (a *Accumulator) Clone() *Accumulator {
	c := &Accumulator{
		HistoricalEpochs: append([][32]byte(nil), a.HistoricalEpochs...),
		CurrentEpoch:     make(EpochAccumulator, len(a.CurrentEpoch)),
	}
	for i, r := range a.CurrentEpoch {
		c.CurrentEpoch[i] = HeaderRecord{BlockHash: r.BlockHash, TotalDifficulty: new(big.Int).Set(r.TotalDifficulty)}
	}
	return c
}

// Encode returns the versioned encoding: version byte, u32 LE root count, the roots,
// then the current epoch encoding.
func (a *Accumulator) Encode() []byte {
	out := make([]byte, epochHeaderSize, epochHeaderSize+len(a.HistoricalEpochs)*32)
	out[0] = encodingVersion
	binary.LittleEndian.PutUint32(out[1:epochHeaderSize], uint32(len(a.HistoricalEpochs)))
	for _, root := range a.HistoricalEpochs {
		out = append(out, root[:]...)
	}
	return append(out, a.CurrentEpoch.Encode()...)
}

// Hash returns the commitment to the whole accumulator
func (a *Accumulator) Hash() [32]byte {
	return sha256.Sum256(a.Encode())
}

// Decode parses the versioned accumulator encoding
func Decode(data []byte) (*Accumulator, error) {
	if len(data) < epochHeaderSize {
		return nil, fmt.Errorf("accumulator too short: %d bytes", len(data))
	}
	if data[0] != encodingVersion {
		return nil, fmt.Errorf("unsupported accumulator version %d", data[0])
	}
	count := binary.LittleEndian.Uint32(data[1:epochHeaderSize])
	rest := data[epochHeaderSize:]
	if uint64(len(rest)) < uint64(count)*32 {
		return nil, fmt.Errorf("accumulator truncated: %d roots declared", count)
	}

	a := &Accumulator{HistoricalEpochs: make([][32]byte, count)}
	for i := range a.HistoricalEpochs {
		copy(a.HistoricalEpochs[i][:], rest[i*32:(i+1)*32])
	}

	current, trailing, err := decodeEpoch(rest[int(count)*32:])
	if err != nil {
		return nil, fmt.Errorf("invalid current epoch: %w", err)
	}
	if len(trailing) != 0 {
		return nil, fmt.Errorf("trailing %d bytes after accumulator", len(trailing))
	}
	if count > 0 && len(current) == 0 {
		return nil, fmt.Errorf("completed epochs without an open epoch")
	}
	a.CurrentEpoch = current
	return a, nil
}

// EpochData is a completed epoch keyed for storage as content
type EpochData struct {
	Key   content.Key
	Epoch EpochAccumulator
}

// BuildMasterAccumulator commits to headers, which must be consecutive from height zero
func BuildMasterAccumulator(headers []*chain.Header) (*Accumulator, error) {
	a := New()
	for _, h := range headers {
		if err := a.Update(h); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// BuildAccumulatorData returns every epoch that headers complete, along with its content key.
// As in Update, an epoch completes when the header after its last one arrives.
func BuildAccumulatorData(headers []*chain.Header) ([]EpochData, error) {
	a := New()
	var data []EpochData
	for _, h := range headers {
		full := a.CurrentEpoch
		if err := a.Update(h); err != nil {
			return nil, err
		}
		if len(full) == EpochSize {
			data = append(data, EpochData{
				Key:   content.EpochAccumulatorKey(full.Root()),
				Epoch: full,
			})
		}
	}
	return data, nil
}

func appendUint256LE(out []byte, v *big.Int) []byte {
	var be [32]byte
	if v != nil {
		v.FillBytes(be[:])
	}
	for i := len(be) - 1; i >= 0; i-- {
		out = append(out, be[i])
	}
	return out
}

func uint256FromLE(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	return new(big.Int).SetBytes(be)
}
