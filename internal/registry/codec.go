package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// encodeValidator serializes a validator record.
// Format: u64 stake + u8 active + u64 nonce + [48]byte bls pubkey,
// all integers little-endian.
func encodeValidator(v *Validator) []byte {
	buf := make([]byte, 8+1+8+BLSPubKeySize)

	binary.LittleEndian.PutUint64(buf[0:8], v.Stake)

	if v.Active {
		buf[8] = 1
	}

	binary.LittleEndian.PutUint64(buf[9:17], v.Nonce)
	copy(buf[17:], v.BLSPubKey)

	return buf
}

// decodeValidator deserializes a validator record for the given address.
func decodeValidator(addr common.Address, data []byte) (*Validator, error) {
	if len(data) != 8+1+8+BLSPubKeySize {
		return nil, fmt.Errorf("invalid record length: %d", len(data))
	}

	key := make([]byte, BLSPubKeySize)
	copy(key, data[17:])

	return &Validator{
		Address:   addr,
		BLSPubKey: key,
		Stake:     binary.LittleEndian.Uint64(data[0:8]),
		Active:    data[8] == 1,
		Nonce:     binary.LittleEndian.Uint64(data[9:17]),
	}, nil
}
