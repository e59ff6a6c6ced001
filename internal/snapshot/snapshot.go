// Package snapshot exports and restores the node's persistent state as
// a single zstd-compressed blob: validator records, consensus history,
// attestations, consumed deposits, queue items, balances, and reserves.
// Used by rejoining nodes and for operator backups.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"tao20/internal/storage"
)

const (
	// formatVersion is the current snapshot format version.
	formatVersion = 1

	// headerSize is version (4) + record count (4) + checksum (32).
	headerSize = 4 + 4 + 32
)

// statePrefixes lists every key prefix included in a snapshot.
var statePrefixes = [][]byte{
	[]byte("val:"),
	[]byte("nav:"),
	[]byte("att:"),
	[]byte("dep:"),
	[]byte("q:"),
	[]byte("bal:"),
	[]byte("meta:"),
}

// Create builds a compressed snapshot of all state in the store.
func Create(db *storage.Storage) ([]byte, error) {
	var body bytes.Buffer
	count := uint32(0)

	for _, prefix := range statePrefixes {
		err := db.IteratePrefix(prefix, func(key, value []byte) error {
			writeRecord(&body, key, value)
			count++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collect %q records:\n%w", prefix, err)
		}
	}

	checksum := blake3.Sum256(body.Bytes())

	var raw bytes.Buffer
	raw.Grow(headerSize + body.Len())

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], formatVersion)
	binary.LittleEndian.PutUint32(header[4:8], count)
	raw.Write(header[:])
	raw.Write(checksum[:])
	raw.Write(body.Bytes())

	return compress(raw.Bytes())
}

// Restore writes every record from a snapshot into the store.
// The checksum is verified before anything is written.
func Restore(db *storage.Storage, data []byte) error {
	raw, err := decompress(data)
	if err != nil {
		return fmt.Errorf("decompress snapshot:\n%w", err)
	}

	if len(raw) < headerSize {
		return fmt.Errorf("snapshot too short: %d bytes", len(raw))
	}

	version := binary.LittleEndian.Uint32(raw[0:4])
	if version != formatVersion {
		return fmt.Errorf("unsupported snapshot version: %d", version)
	}

	count := binary.LittleEndian.Uint32(raw[4:8])

	var checksum [32]byte
	copy(checksum[:], raw[8:40])

	body := raw[headerSize:]
	if blake3.Sum256(body) != checksum {
		return fmt.Errorf("snapshot checksum mismatch")
	}

	pairs := make([]storage.KeyValue, 0, count)
	offset := 0

	for i := uint32(0); i < count; i++ {
		key, value, next, err := readRecord(body, offset)
		if err != nil {
			return fmt.Errorf("record %d:\n%w", i, err)
		}

		pairs = append(pairs, storage.KeyValue{Key: key, Value: value})
		offset = next
	}

	if offset != len(body) {
		return fmt.Errorf("trailing bytes after %d records", count)
	}

	return db.SetBatch(pairs)
}

// writeRecord appends a length-prefixed key-value record.
// Format: u32 key length + key + u32 value length + value.
func writeRecord(buf *bytes.Buffer, key, value []byte) {
	var length [4]byte

	binary.LittleEndian.PutUint32(length[:], uint32(len(key)))
	buf.Write(length[:])
	buf.Write(key)

	binary.LittleEndian.PutUint32(length[:], uint32(len(value)))
	buf.Write(length[:])
	buf.Write(value)
}

// readRecord parses one record at offset, returning the next offset.
func readRecord(body []byte, offset int) (key, value []byte, next int, err error) {
	key, offset, err = readChunk(body, offset)
	if err != nil {
		return nil, nil, 0, err
	}

	value, offset, err = readChunk(body, offset)
	if err != nil {
		return nil, nil, 0, err
	}

	return key, value, offset, nil
}

// readChunk parses one length-prefixed chunk at offset.
func readChunk(body []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(body) {
		return nil, 0, fmt.Errorf("truncated length at offset %d", offset)
	}

	length := int(binary.LittleEndian.Uint32(body[offset : offset+4]))
	offset += 4

	if offset+length > len(body) {
		return nil, 0, fmt.Errorf("truncated chunk at offset %d", offset)
	}

	chunk := make([]byte, length)
	copy(chunk, body[offset:offset+length])

	return chunk, offset + length, nil
}

// compress zstd-compresses a buffer.
func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	return enc.EncodeAll(data, nil), nil
}

// decompress zstd-decompresses a buffer.
func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return dec.DecodeAll(data, nil)
}
