package history

import (
	"context"
	"fmt"

	"github.com/WebFirstLanguage/historynet/pkg/accumulator"
	"github.com/WebFirstLanguage/historynet/pkg/chain"
	"github.com/WebFirstLanguage/historynet/pkg/content"
)

// ValidateContent checks data against key without trusting whoever supplied it. Headers are
// verified against the master accumulator, bodies and receipts against their verified header and
// epoch accumulators by root membership in the master. Master accumulator content is refused.
func (n *Network) ValidateContent(ctx context.Context, key content.Key, data []byte) error {
	err := n.validate(ctx, key, data)
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	n.metrics.Validations.WithLabelValues(key.Type.String(), result).Inc()
	return err
}

func (n *Network) validate(ctx context.Context, key content.Key, data []byte) error {
	id := key.ID()
	master, err := n.MasterAccumulator()
	if err != nil {
		return content.NewVerificationError("cannot verify without master accumulator", &id, err)
	}

	switch key.Type {
	case content.KeyBlockHeader:
		header, err := chain.DecodeHeader(data)
		if err != nil {
			return content.NewVerificationError("undecodable header", &id, err)
		}
		return n.verifyHeader(ctx, master, key, header)

	case content.KeyBlockBody:
		body, err := chain.DecodeBody(data)
		if err != nil {
			return content.NewVerificationError("undecodable body", &id, err)
		}
		header, err := n.headerByHash(ctx, key.ChainID, key.Hash)
		if err != nil {
			return content.NewVerificationError("header for body unavailable", &id, err)
		}
		if err := chain.ValidateBody(header, body); err != nil {
			return content.NewVerificationError(err.Error(), &id, err)
		}
		return nil

	case content.KeyReceipts:
		receipts, err := chain.DecodeReceipts(data)
		if err != nil {
			return content.NewVerificationError("undecodable receipts", &id, err)
		}
		header, err := n.headerByHash(ctx, key.ChainID, key.Hash)
		if err != nil {
			return content.NewVerificationError("header for receipts unavailable", &id, err)
		}
		if err := chain.ValidateReceipts(header, receipts); err != nil {
			return content.NewVerificationError(err.Error(), &id, err)
		}
		return nil

	case content.KeyEpochAccumulator:
		epoch, err := accumulator.DecodeEpochAccumulator(data)
		if err != nil {
			return content.NewVerificationError("undecodable epoch accumulator", &id, err)
		}
		root := epoch.Root()
		if root != key.Hash {
			return content.NewVerificationError("epoch accumulator does not hash to its key", &id, nil)
		}
		for _, known := range master.HistoricalEpochs {
			if known == root {
				return nil
			}
		}
		return content.NewVerificationError("epoch accumulator root not in master accumulator", &id, nil)

	case content.KeyMasterAccumulator:
		return content.NewVerificationError("master accumulators are not accepted as content", &id, nil)

	default:
		return content.NewProtocolError(fmt.Sprintf("unknown content type %d", key.Type), "", nil)
	}
}

func (n *Network) verifyHeader(ctx context.Context, master *accumulator.Accumulator, key content.Key, header *chain.Header) error {
	id := key.ID()
	if header.Hash() != chain.Hash(key.Hash) {
		return content.NewVerificationError(
			fmt.Sprintf("header hashes to %s, key names %x", header.Hash(), key.Hash), &id, nil)
	}

	proof, err := n.proofFor(ctx, master, header.Number)
	if err != nil {
		return content.NewVerificationError(
			fmt.Sprintf("epoch accumulator for header %d unavailable", header.Number), &id, err)
	}
	return accumulator.VerifyHeader(master, header, proof)
}
