package chain

import (
	"fmt"

	"github.com/WebFirstLanguage/historynet/pkg/codec/cborcanon"
)

// Body holds a block's transactions and uncle headers as opaque encodings
type Body struct {
	_            struct{} `cbor:",toarray"`
	Transactions [][]byte
	Uncles       [][]byte
}

// Receipts holds a block's receipts as opaque encodings
type Receipts [][]byte

// DeriveListHash commits to an ordered list of opaque items
func DeriveListHash(items [][]byte) Hash {
	if items == nil {
		items = [][]byte{}
	}
	return Keccak256(cborcanon.MarshalToBytes(items))
}

// EmptyListHash is the commitment of an empty list
var EmptyListHash = DeriveListHash(nil)

// Encode returns the canonical encoding of the body
func (b *Body) Encode() ([]byte, error) {
	enc := Body{Transactions: b.Transactions, Uncles: b.Uncles}
	if enc.Transactions == nil {
		enc.Transactions = [][]byte{}
	}
	if enc.Uncles == nil {
		enc.Uncles = [][]byte{}
	}
	return cborcanon.Marshal(&enc)
}

// DecodeBody parses an encoded body
func DecodeBody(data []byte) (*Body, error) {
	var b Body
	if err := cborcanon.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	return &b, nil
}

// Encode returns the canonical encoding of the receipts
func (r Receipts) Encode() ([]byte, error) {
	if r == nil {
		r = Receipts{}
	}
	return cborcanon.Marshal([][]byte(r))
}

// DecodeReceipts parses encoded receipts
func DecodeReceipts(data []byte) (Receipts, error) {
	var r [][]byte
	if err := cborcanon.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode receipts: %w", err)
	}
	return Receipts(r), nil
}

// ValidateBody checks the body against the transaction and uncle commitments in header
func ValidateBody(header *Header, body *Body) error {
	if got := DeriveListHash(body.Transactions); got != header.TxHash {
		return fmt.Errorf("transactions hash mismatch: got %s, header has %s", got, header.TxHash)
	}
	if got := DeriveListHash(body.Uncles); got != header.UncleHash {
		return fmt.Errorf("uncles hash mismatch: got %s, header has %s", got, header.UncleHash)
	}
	return nil
}

// ValidateReceipts checks receipts against the receipt commitment in header
func ValidateReceipts(header *Header, receipts Receipts) error {
	if got := DeriveListHash(receipts); got != header.ReceiptHash {
		return fmt.Errorf("receipts hash mismatch: got %s, header has %s", got, header.ReceiptHash)
	}
	return nil
}

// NewHeaderForBody fills in the body and receipt commitments of a header template
func NewHeaderForBody(template Header, body *Body, receipts Receipts) *Header {
	h := template
	h.TxHash = DeriveListHash(body.Transactions)
	h.UncleHash = DeriveListHash(body.Uncles)
	h.ReceiptHash = DeriveListHash(receipts)
	return &h
}
