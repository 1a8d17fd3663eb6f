package quic

import (
	"encoding/binary"
	"fmt"
	"io"
)

// lengthPrefixSize is the size of the message length prefix
const lengthPrefixSize = 4

// writeMessage writes [4-byte big-endian length][payload]
func writeMessage(w io.Writer, data []byte) error {
	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed message of at most limit bytes
func readMessage(r io.Reader, limit int) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if limit > 0 && int(length) > limit {
		return nil, fmt.Errorf("message too large: %d > %d", length, limit)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
