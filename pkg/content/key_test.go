package content

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(b byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = b + byte(i)
	}
	return h
}

func TestKeyEncodingLayout(t *testing.T) {
	hash := testHash(0xa0)

	header := BlockHeaderKey(1, hash).Encode()
	require.Len(t, header, 35)
	assert.Equal(t, []byte{0x00, 0x01, 0x00}, header[:3])
	assert.Equal(t, hash[:], header[3:])

	body := BlockBodyKey(0x0102, hash).Encode()
	assert.Equal(t, []byte{0x01, 0x02, 0x01}, body[:3])

	receipts := ReceiptsKey(1, hash).Encode()
	assert.Equal(t, byte(0x02), receipts[0])

	epoch := EpochAccumulatorKey(hash).Encode()
	require.Len(t, epoch, 33)
	assert.Equal(t, byte(0x03), epoch[0])

	assert.Equal(t, []byte{0x04, 0x00}, LatestMasterAccumulatorKey().Encode())

	master := MasterAccumulatorKey(hash).Encode()
	require.Len(t, master, 34)
	assert.Equal(t, []byte{0x04, 0x01}, master[:2])
}

func TestKeyRoundTrip(t *testing.T) {
	keys := []Key{
		BlockHeaderKey(1, testHash(1)),
		BlockBodyKey(5, testHash(2)),
		ReceiptsKey(1, testHash(3)),
		EpochAccumulatorKey(testHash(4)),
		LatestMasterAccumulatorKey(),
		MasterAccumulatorKey(testHash(5)),
	}

	for _, k := range keys {
		t.Run(k.Type.String(), func(t *testing.T) {
			decoded, err := DecodeKey(k.Encode())
			require.NoError(t, err)
			assert.Equal(t, k, decoded)
			assert.Equal(t, k.Encode(), decoded.Encode())
		})
	}
}

func TestDecodeKeyRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"unknown selector": "09" + hex.EncodeToString(make([]byte, 34)),
		"short header":     "000100" + hex.EncodeToString(make([]byte, 31)),
		"trailing bytes":   "03" + hex.EncodeToString(make([]byte, 33)),
		"bad master":       "0402",
		"latest trailing":  "040000",
		"too long":         hex.EncodeToString(make([]byte, 64)),
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := hex.DecodeString(in)
			require.NoError(t, err)
			_, err = DecodeKey(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol))
		})
	}
}

func TestContentIDIsHashOfEncodedKey(t *testing.T) {
	k := BlockHeaderKey(1, testHash(9))
	assert.Equal(t, NewID(k.Encode()), k.ID())
	assert.NotEqual(t, k.ID(), BlockBodyKey(1, testHash(9)).ID())

	// sha256 of the empty string
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", NewID(nil).String())
}

func TestIDDistanceAndOrdering(t *testing.T) {
	a := idAt(0x0f, 0)
	var node [32]byte
	node[0] = 0xf0

	d := a.Distance(node)
	assert.Equal(t, byte(0xff), d[0])
	assert.True(t, a.Less(d))
	assert.Equal(t, 0, d.Cmp(d))
	assert.True(t, ID{}.IsZero())

	parsed, err := ParseID(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseID("abcd")
	assert.Error(t, err)
}

func TestKeyErrorsWrapSentinels(t *testing.T) {
	id := idAt(1, 1)
	err := NewVerificationError("bad proof", &id, nil)

	assert.True(t, errors.Is(err, ErrVerification))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "VERIFICATION_FAILED")

	wrapped := NewTransferError("offer failed", "peer", NewTimeoutError("no accept", "peer"))
	assert.True(t, errors.Is(wrapped, ErrTransferFailed))
	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.True(t, IsRetryableError(wrapped))
	assert.False(t, IsRetryableError(err))
}
