package accumulator

import (
	"fmt"
	"math/big"

	"github.com/WebFirstLanguage/historynet/pkg/chain"
	"github.com/WebFirstLanguage/historynet/pkg/content"
)

// EpochIndex returns the epoch that holds height
func EpochIndex(height uint64) uint64 {
	return height / EpochSize
}

// NeedsEpochProof reports whether verifying height requires the epoch accumulator
// of a completed epoch rather than the master's open epoch
func (a *Accumulator) NeedsEpochProof(height uint64) bool {
	return height < a.Height() && EpochIndex(height) < uint64(len(a.HistoricalEpochs))
}

// EpochRoot returns the committed root of the completed epoch holding height
func (a *Accumulator) EpochRoot(height uint64) ([32]byte, bool) {
	idx := EpochIndex(height)
	if idx >= uint64(len(a.HistoricalEpochs)) {
		return [32]byte{}, false
	}
	return a.HistoricalEpochs[idx], true
}

// VerifyHeader checks header against the master accumulator. Headers in completed epochs
// need the epoch accumulator as proof; headers in the open epoch verify against the master
// directly and proof is ignored.
func VerifyHeader(master *Accumulator, header *chain.Header, proof EpochAccumulator) error {
	hash := header.Hash()
	id := content.BlockHeaderKey(0, hash).ID()

	records, offset, err := master.recordsFor(header.Number, proof)
	if err != nil {
		return content.NewVerificationError(err.Error(), &id, err)
	}

	rec := records[offset]
	if rec.BlockHash != hash {
		return content.NewVerificationError(
			fmt.Sprintf("header %d hash %s not committed (expected %s)", header.Number, hash, rec.BlockHash), &id, nil)
	}

	if offset > 0 {
		delta := new(big.Int).Sub(rec.TotalDifficulty, records[offset-1].TotalDifficulty)
		if delta.Cmp(header.DifficultyOrZero()) != 0 {
			return content.NewVerificationError(
				fmt.Sprintf("header %d difficulty %s does not match committed delta %s", header.Number, header.DifficultyOrZero(), delta), &id, nil)
		}
	}
	return nil
}

// VerifyHeaderBool is VerifyHeader reduced to a yes/no answer
func VerifyHeaderBool(master *Accumulator, header *chain.Header, proof EpochAccumulator) bool {
	return VerifyHeader(master, header, proof) == nil
}

// BlockHashAt returns the committed block hash at height
func BlockHashAt(master *Accumulator, height uint64, proof EpochAccumulator) (chain.Hash, error) {
	records, offset, err := master.recordsFor(height, proof)
	if err != nil {
		return chain.Hash{}, err
	}
	return records[offset].BlockHash, nil
}

func (a *Accumulator) recordsFor(height uint64, proof EpochAccumulator) (EpochAccumulator, int, error) {
	if height >= a.Height() {
		return nil, 0, fmt.Errorf("height %d beyond accumulator height %d", height, a.Height())
	}

	idx := EpochIndex(height)
	offset := int(height % EpochSize)

	records := a.CurrentEpoch
	if idx < uint64(len(a.HistoricalEpochs)) {
		if proof == nil {
			return nil, 0, fmt.Errorf("epoch accumulator %d required for height %d", idx, height)
		}
		if proof.Root() != a.HistoricalEpochs[idx] {
			return nil, 0, fmt.Errorf("epoch accumulator does not match root of epoch %d", idx)
		}
		records = proof
	}

	if offset >= len(records) {
		return nil, 0, fmt.Errorf("epoch accumulator has %d records, need offset %d", len(records), offset)
	}
	return records, offset, nil
}
