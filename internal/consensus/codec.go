package consensus

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"
)

// resultRecordSize is the fixed encoded size of a Result.
// 32 calc hash + 32 nav + 8 stake + 8 confidence + 4 count + 8 time + 1 emergency.
const resultRecordSize = 32 + 32 + 8 + 8 + 4 + 8 + 1

// encodeResult serializes a finalized result.
// NAV is 32 bytes big-endian; the remaining integers are little-endian.
func encodeResult(r *Result) []byte {
	buf := make([]byte, resultRecordSize)

	copy(buf[0:32], r.CalculationHash.Bytes())

	nav := r.NAV.Bytes32()
	copy(buf[32:64], nav[:])

	binary.LittleEndian.PutUint64(buf[64:72], r.ParticipatingStake)
	binary.LittleEndian.PutUint64(buf[72:80], r.ConfidenceAvg)
	binary.LittleEndian.PutUint32(buf[80:84], uint32(r.ValidatorCount))
	binary.LittleEndian.PutUint64(buf[84:92], uint64(r.FinalizedAt))

	if r.Emergency {
		buf[92] = 1
	}

	return buf
}

// decodeResult deserializes a finalized result.
func decodeResult(data []byte) (*Result, error) {
	if len(data) != resultRecordSize {
		return nil, fmt.Errorf("invalid result record length: %d", len(data))
	}

	var calc common.Hash
	copy(calc[:], data[0:32])

	nav := new(uint256.Int).SetBytes(data[32:64])

	return &Result{
		CalculationHash:    calc,
		NAV:                nav,
		ParticipatingStake: binary.LittleEndian.Uint64(data[64:72]),
		ConfidenceAvg:      binary.LittleEndian.Uint64(data[72:80]),
		ValidatorCount:     int(binary.LittleEndian.Uint32(data[80:84])),
		FinalizedAt:        int64(binary.LittleEndian.Uint64(data[84:92])),
		Emergency:          data[92] == 1,
	}, nil
}

// emergencyHash derives a synthetic calculation hash for an emergency
// override, so the result can live in the same history as normal rounds.
func emergencyHash(nav *uint256.Int, timestamp int64) common.Hash {
	h := blake3.New()
	h.Write([]byte("tao20-emergency-nav"))

	navBytes := nav.Bytes32()
	h.Write(navBytes[:])

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(timestamp))
	h.Write(ts[:])

	var out common.Hash
	h.Sum(out[:0])

	return out
}
