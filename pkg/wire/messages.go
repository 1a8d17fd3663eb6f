package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/historynet/pkg/constants"
)

// PingBody carries the sender's record sequence and advertised radius
type PingBody struct {
	EnrSeq uint64 `cbor:"enr_seq"`
	Radius []byte `cbor:"radius"` // 32-byte radius
}

// PongBody answers a PING with the responder's own values
type PongBody struct {
	EnrSeq uint64 `cbor:"enr_seq"`
	Radius []byte `cbor:"radius"`
}

// FindNodesBody asks for nodes at the given log distances; distance 0 is the responder itself
type FindNodesBody struct {
	Distances []uint16 `cbor:"distances"`
}

// NodeRecord describes a node in NODES and CONTENT responses
type NodeRecord struct {
	ID   []byte `cbor:"id"`
	Addr string `cbor:"addr"`
}

// NodesBody answers FINDNODES
type NodesBody struct {
	Total uint8        `cbor:"total"` // Responses the answer was split into
	Nodes []NodeRecord `cbor:"nodes"`
}

// FindContentBody asks for the value stored under an encoded content key
type FindContentBody struct {
	Key []byte `cbor:"key"`
}

// Content response variants
const (
	ContentConnectionID uint8 = 0
	ContentPayload      uint8 = 1
	ContentNodes        uint8 = 2
)

// ContentBody answers FINDCONTENT with exactly one of its variants
type ContentBody struct {
	Type    uint8        `cbor:"type"`
	ConnID  uint16       `cbor:"conn_id,omitempty"`
	Payload []byte       `cbor:"payload,omitempty"`
	Nodes   []NodeRecord `cbor:"nodes,omitempty"`
}

// Validate checks that the variant fields match the type
func (c *ContentBody) Validate() error {
	switch c.Type {
	case ContentConnectionID:
		if len(c.Payload) != 0 || len(c.Nodes) != 0 {
			return NewError(constants.ErrorMalformed, "connection id response carries extra fields")
		}
	case ContentPayload:
		if len(c.Payload) == 0 {
			return NewError(constants.ErrorMalformed, "empty content payload")
		}
		if len(c.Nodes) != 0 {
			return NewError(constants.ErrorMalformed, "content payload response carries nodes")
		}
	case ContentNodes:
		if len(c.Payload) != 0 {
			return NewError(constants.ErrorMalformed, "nodes response carries a payload")
		}
	default:
		return NewError(constants.ErrorMalformed, fmt.Sprintf("unknown content response type %d", c.Type))
	}
	return nil
}

// OfferBody lists encoded content keys the sender can deliver
type OfferBody struct {
	Keys [][]byte `cbor:"keys"`
}

// AcceptBody answers OFFER; bit i of Keys is set when key i is wanted
type AcceptBody struct {
	ConnID uint16 `cbor:"conn_id"`
	Keys   []byte `cbor:"keys"` // BitList encoding
}

// StreamDataBody carries one fragment of a stream payload
type StreamDataBody struct {
	ConnID uint16 `cbor:"conn_id"`
	Index  uint32 `cbor:"index"`
	Total  uint32 `cbor:"total"`
	Data   []byte `cbor:"data"`
}

// StreamAckBody acknowledges every fragment below Next
type StreamAckBody struct {
	ConnID uint16 `cbor:"conn_id"`
	Next   uint32 `cbor:"next"`
}
