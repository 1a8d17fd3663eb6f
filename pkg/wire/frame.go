// Package wire implements the history network message framing.
// Every message is a canonical CBOR frame carrying a kind-specific body.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/WebFirstLanguage/historynet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/historynet/pkg/constants"
)

// NodeIDSize is the length of a node id on the wire
const NodeIDSize = 32

// Frame is the envelope shared by all protocol messages
type Frame struct {
	V    uint16          `cbor:"v"`    // Protocol version
	Kind uint16          `cbor:"kind"` // Message kind
	From []byte          `cbor:"from"` // Sender node id (32 bytes)
	Seq  uint64          `cbor:"seq"`  // Request sequence; responses echo the request's
	Body cbor.RawMessage `cbor:"body"` // Kind-specific CBOR payload
}

// NewFrame encodes body and wraps it in a frame
func NewFrame(kind uint16, from [32]byte, seq uint64, body interface{}) (*Frame, error) {
	raw, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body of kind %s: %w", KindName(kind), err)
	}
	return &Frame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: append([]byte(nil), from[:]...),
		Seq:  seq,
		Body: raw,
	}, nil
}

// Marshal encodes the frame to canonical CBOR
func (f *Frame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes canonical CBOR data into the frame
func (f *Frame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// Validate checks the envelope fields
func (f *Frame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return NewError(constants.ErrorVersionMismatch,
			fmt.Sprintf("unsupported protocol version: %d", f.V))
	}
	if len(f.From) != NodeIDSize {
		return NewError(constants.ErrorMalformed,
			fmt.Sprintf("sender id must be %d bytes, got %d", NodeIDSize, len(f.From)))
	}
	if f.Kind > constants.KindStreamAck {
		return NewError(constants.ErrorUnknownKind, fmt.Sprintf("unknown message kind %d", f.Kind))
	}
	if len(f.Body) == 0 {
		return NewError(constants.ErrorMalformed, "missing body")
	}
	return nil
}

// Sender returns the sender id as a fixed array; call Validate first
func (f *Frame) Sender() [32]byte {
	var id [32]byte
	copy(id[:], f.From)
	return id
}

// DecodeBody decodes the frame body into v
func (f *Frame) DecodeBody(v interface{}) error {
	if err := cborcanon.Unmarshal(f.Body, v); err != nil {
		return NewError(constants.ErrorMalformed,
			fmt.Sprintf("invalid %s body: %v", KindName(f.Kind), err))
	}
	return nil
}

// IsKind checks if the frame is of the specified kind
func (f *Frame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// Encode builds and marshals a frame in one step
func Encode(kind uint16, from [32]byte, seq uint64, body interface{}) ([]byte, error) {
	f, err := NewFrame(kind, from, seq, body)
	if err != nil {
		return nil, err
	}
	return f.Marshal()
}

// Decode parses and validates a frame
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := f.Unmarshal(data); err != nil {
		return nil, NewError(constants.ErrorMalformed, fmt.Sprintf("invalid frame: %v", err))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// KindName returns the human-readable name of a message kind
func KindName(kind uint16) string {
	switch kind {
	case constants.KindError:
		return "ERROR"
	case constants.KindPing:
		return "PING"
	case constants.KindPong:
		return "PONG"
	case constants.KindFindNodes:
		return "FINDNODES"
	case constants.KindNodes:
		return "NODES"
	case constants.KindFindContent:
		return "FINDCONTENT"
	case constants.KindContent:
		return "CONTENT"
	case constants.KindOffer:
		return "OFFER"
	case constants.KindAccept:
		return "ACCEPT"
	case constants.KindStreamData:
		return "STREAM_DATA"
	case constants.KindStreamAck:
		return "STREAM_ACK"
	default:
		return fmt.Sprintf("KIND_%d", kind)
	}
}

// IsResponse reports whether kind answers a request
func IsResponse(kind uint16) bool {
	switch kind {
	case constants.KindError, constants.KindPong, constants.KindNodes, constants.KindContent, constants.KindAccept:
		return true
	}
	return false
}
