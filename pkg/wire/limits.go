package wire

import (
	"math"
	"sort"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
)

// Fixed parts of the discovery talk-request packet that carries a frame
const (
	tagSize        = 16 // masking IV
	headerSize     = 55 // static header + auth data
	listPrefix     = 1
	requestIDSize  = 3 + 9
	payloadPrefix  = 3
	authTagSize    = 16
	protocolPrefix = 1
)

// TalkReqOverhead returns the bytes a talk request spends around its payload for protocolID
func TalkReqOverhead(protocolID string) int {
	return tagSize + headerSize + listPrefix + requestIDSize +
		(len(protocolID) + protocolPrefix) + payloadPrefix + authTagSize
}

// MaxPayloadSize returns the largest frame that fits one packet for protocolID
func MaxPayloadSize(protocolID string) int {
	return constants.MaxPacketSize - TalkReqOverhead(protocolID)
}

// DefaultMaxPayloadSize is MaxPayloadSize for the history protocol
var DefaultMaxPayloadSize = MaxPayloadSize(constants.HistoryProtocolID)

// MaxOfferKeys returns the most keys of keySize bytes one OFFER frame can carry for protocolID.
// The count is measured on a worst-case frame so any sender and sequence fit.
func MaxOfferKeys(protocolID string, keySize int) int {
	limit := MaxPayloadSize(protocolID)
	// sort.Search finds the first count that does not fit
	n := sort.Search(limit+1, func(n int) bool {
		return offerFrameSize(n, keySize) > limit
	})
	return n - 1
}

// FitsPacket reports whether an encoded frame fits one packet of the history protocol
func FitsPacket(frame []byte) bool {
	return len(frame) <= DefaultMaxPayloadSize
}

func offerFrameSize(n, keySize int) int {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = make([]byte, keySize)
	}
	data, err := Encode(constants.KindOffer, [32]byte{}, math.MaxUint64, &OfferBody{Keys: keys})
	if err != nil {
		return math.MaxInt
	}
	return len(data)
}
