package gossip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message kinds carried as the first payload byte.
const (
	// KindSubmission carries a signed NAV submission.
	KindSubmission byte = 1

	// KindAttestation carries a deposit attestation.
	KindAttestation byte = 2

	// KindSnapshot requests a state snapshot (bidirectional).
	KindSnapshot byte = 3
)

const (
	// maxMessageSize is the maximum allowed message size (16 MB).
	// Snapshots are the only payload that approaches this.
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// writeMessage writes a length-prefixed message to the writer.
// Format: [4 bytes big-endian length] [kind byte] [payload]
func writeMessage(w io.Writer, kind byte, payload []byte) error {
	if len(payload)+1 > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(payload)+1, maxMessageSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)+1))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}

	if _, err := w.Write([]byte{kind}); err != nil {
		return fmt.Errorf("write kind: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader,
// returning the kind byte and payload separately.
func readMessage(r io.Reader) (byte, []byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length == 0 {
		return 0, nil, fmt.Errorf("empty message")
	}

	if length > maxMessageSize {
		return 0, nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}

	return data[0], data[1:], nil
}
