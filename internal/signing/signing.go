// Package signing builds the typed-data digests that validators and
// claimers sign, and verifies 65-byte secp256k1 signatures by address
// recovery. Every digest is bound to a Domain so a signature captured on
// one deployment can never be replayed on another.
package signing

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// SignatureSize is the size of a recoverable secp256k1 signature.
	SignatureSize = 65
)

// Domain identifies one deployment of the system. All four fields are
// mixed into every digest.
type Domain struct {
	Name    string         // Name is the system name (e.g. "TAO20-CORE")
	Version string         // Version is the wire format version
	ChainID uint64         // ChainID is the host chain identifier
	Engine  common.Address // Engine is the identity of this engine instance
}

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	var chainID [8]byte
	binary.BigEndian.PutUint64(chainID[:], d.ChainID)

	return crypto.Keccak256Hash(
		[]byte(d.Name),
		[]byte(d.Version),
		chainID[:],
		d.Engine.Bytes(),
	)
}

// Digest computes the signable hash for a typed payload.
// Layout: keccak256(0x19 || 0x01 || separator || keccak256(typeTag || fields...)).
// Field order is fixed by the caller and must never change within a version.
func Digest(d Domain, typeTag string, fields ...[]byte) common.Hash {
	structParts := make([][]byte, 0, len(fields)+1)
	structParts = append(structParts, []byte(typeTag))
	structParts = append(structParts, fields...)

	structHash := crypto.Keccak256(structParts...)
	separator := d.Separator()

	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), structHash)
}

// Sign produces a 65-byte recoverable signature over the digest.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest:\n%w", err)
	}

	return sig, nil
}

// RecoverAddress recovers the signer address from a digest and signature.
func RecoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureSize {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key:\n%w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// U64 encodes a uint64 as an 8-byte big-endian field.
func U64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// U256 encodes a 256-bit integer as a 32-byte big-endian field.
// A nil value encodes as zero.
func U256(v *uint256.Int) []byte {
	if v == nil {
		var zero [32]byte
		return zero[:]
	}

	b := v.Bytes32()
	return b[:]
}

// I64 encodes an int64 as an 8-byte big-endian field (two's complement).
func I64(v int64) []byte {
	return U64(uint64(v))
}

// Bytes32 encodes a 32-byte value as a field.
func Bytes32(v [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, v[:])
	return out
}

// Addr encodes an address as a 20-byte field.
func Addr(a common.Address) []byte {
	return a.Bytes()
}
