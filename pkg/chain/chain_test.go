package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() *Header {
	return &Header{
		ParentHash: Keccak256([]byte("parent")),
		UncleHash:  EmptyListHash,
		TxHash:     EmptyListHash,
		Difficulty: big.NewInt(17179869184),
		Number:     42,
		GasLimit:   5000,
		Time:       1438269988,
		Extra:      []byte("geth"),
		Nonce:      [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
}

func TestKeccak256KnownVector(t *testing.T) {
	assert.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		Keccak256(nil).String())
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	data, err := h.Encode()
	require.NoError(t, err)

	decoded, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h.Hash(), decoded.Hash())
	assert.Equal(t, h.Number, decoded.Number)
	assert.Equal(t, 0, h.Difficulty.Cmp(decoded.Difficulty))
	assert.Equal(t, h.Extra, decoded.Extra)
}

func TestHeaderHashCoversEveryField(t *testing.T) {
	base := sampleHeader().Hash()

	mutations := map[string]func(h *Header){
		"number":     func(h *Header) { h.Number++ },
		"difficulty": func(h *Header) { h.Difficulty = big.NewInt(1) },
		"parent":     func(h *Header) { h.ParentHash[0] ^= 1 },
		"extra":      func(h *Header) { h.Extra = []byte("gethx") },
		"nonce":      func(h *Header) { h.Nonce[7] ^= 0x80 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			h := sampleHeader()
			mutate(h)
			assert.NotEqual(t, base, h.Hash())
		})
	}
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	_, err := DecodeHeader([]byte{0x01, 0x02})
	assert.Error(t, err)

	h := sampleHeader()
	h.Extra = make([]byte, maxExtraSize+1)
	data, err := h.Encode()
	require.NoError(t, err)
	_, err = DecodeHeader(data)
	assert.Error(t, err)
}

func TestNilDifficultyEncodesAsZero(t *testing.T) {
	h := sampleHeader()
	h.Difficulty = nil
	data, err := h.Encode()
	require.NoError(t, err)

	decoded, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Difficulty.Sign())
	assert.Equal(t, 0, h.DifficultyOrZero().Sign())
}

func TestBodyValidation(t *testing.T) {
	body := &Body{Transactions: [][]byte{[]byte("tx1"), []byte("tx2")}}
	receipts := Receipts{[]byte("r1"), []byte("r2")}
	header := NewHeaderForBody(*sampleHeader(), body, receipts)

	require.NoError(t, ValidateBody(header, body))
	require.NoError(t, ValidateReceipts(header, receipts))

	data, err := body.Encode()
	require.NoError(t, err)
	decoded, err := DecodeBody(data)
	require.NoError(t, err)
	require.NoError(t, ValidateBody(header, decoded))

	tampered := &Body{Transactions: [][]byte{[]byte("tx1")}}
	assert.Error(t, ValidateBody(header, tampered))
	assert.Error(t, ValidateReceipts(header, Receipts{[]byte("r1")}))
}

func TestReceiptsRoundTrip(t *testing.T) {
	receipts := Receipts{[]byte("a"), []byte("bc")}
	data, err := receipts.Encode()
	require.NoError(t, err)

	decoded, err := DecodeReceipts(data)
	require.NoError(t, err)
	assert.Equal(t, receipts, decoded)
}

func TestEmptyBodyMatchesEmptyCommitments(t *testing.T) {
	h := sampleHeader()
	assert.NoError(t, ValidateBody(h, &Body{}))
	assert.Equal(t, EmptyListHash, DeriveListHash([][]byte{}))
}
