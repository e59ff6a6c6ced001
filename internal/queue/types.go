package queue

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"

	"tao20/internal/signing"
)

// claimTypeTag labels the mint claim typed-data struct.
const claimTypeTag = "TAO20MintClaim"

// depositIDTag prefixes the deposit identity hash.
var depositIDTag = []byte("tao20-deposit")

// DepositReference identifies a specific, non-fungible deposit event on
// the source chain. Its hash is the deposit ID; at most one successful
// mint may ever be associated with it.
type DepositReference struct {
	SourceBlockHash [32]byte     // SourceBlockHash is the source chain block containing the deposit
	ExtrinsicIndex  uint32       // ExtrinsicIndex locates the deposit within the block
	DepositorKey    [32]byte     // DepositorKey is the depositor's source chain key
	AssetID         uint16       // AssetID is the deposited asset (netuid)
	Amount          *uint256.Int // Amount is the deposited quantity
}

// DepositID returns the deterministic identity of the deposit.
func (r *DepositReference) DepositID() [32]byte {
	h := blake3.New()
	h.Write(depositIDTag)
	h.Write(r.SourceBlockHash[:])

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], r.ExtrinsicIndex)
	h.Write(idx[:])

	h.Write(r.DepositorKey[:])

	var asset [2]byte
	binary.BigEndian.PutUint16(asset[:], r.AssetID)
	h.Write(asset[:])

	amount := r.Amount.Bytes32()
	h.Write(amount[:])

	var id [32]byte
	h.Sum(id[:0])

	return id
}

// Claim is a signed mint request tied to one deposit. The signature
// binds the destination address, so a third party cannot redirect a
// depositor's mint.
type Claim struct {
	Claimer   common.Address // Claimer is the mint destination
	DepositID [32]byte       // DepositID is the claimed deposit
	Nonce     uint64         // Nonce differentiates retried claims
	ExpiresAt int64          // ExpiresAt is the claim deadline (unix seconds)
	Signature []byte         // Signature is the claimer's 65-byte signature
}

// ClaimDigest computes the signable typed-data hash of a claim.
func ClaimDigest(d signing.Domain, c *Claim) common.Hash {
	return signing.Digest(d, claimTypeTag,
		signing.Addr(c.Claimer),
		signing.Bytes32(c.DepositID),
		signing.U64(c.Nonce),
		signing.I64(c.ExpiresAt),
	)
}

// redeemTypeTag labels the redemption order typed-data struct.
const redeemTypeTag = "TAO20RedeemOrder"

// RedeemOrder is a signed redemption request. The signature binds the
// payout destination, so an intercepted order cannot be redirected.
type RedeemOrder struct {
	Holder    common.Address // Holder is the token owner redeeming
	Amount    *uint256.Int   // Amount is the token amount to burn
	Dest      [32]byte       // Dest is the source chain payout key
	ExpiresAt int64          // ExpiresAt is the order deadline (unix seconds)
	Signature []byte         // Signature is the holder's 65-byte signature
}

// RedeemOrderDigest computes the signable typed-data hash of an order.
func RedeemOrderDigest(d signing.Domain, o *RedeemOrder) common.Hash {
	return signing.Digest(d, redeemTypeTag,
		signing.Addr(o.Holder),
		signing.U256(o.Amount),
		signing.Bytes32(o.Dest),
		signing.I64(o.ExpiresAt),
	)
}

// ItemStatus is the lifecycle state of a queued mint.
type ItemStatus uint8

const (
	// StatusPending marks an item awaiting batch execution.
	StatusPending ItemStatus = iota

	// StatusExecuted marks a minted item.
	StatusExecuted

	// StatusExpired marks an item whose execution window passed.
	// The deposit stays consumed: expiry never reopens a mint.
	StatusExpired
)

// String returns a short label for the status.
func (s ItemStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// QueueItem is a pending mint derived from a finalized claim and the
// NAV at claim time.
type QueueItem struct {
	DepositID     [32]byte       // DepositID ties the item to its deposit
	Claimer       common.Address // Claimer receives the minted tokens
	AssetID       uint16         // AssetID is the backing asset
	DepositAmount *uint256.Int   // DepositAmount is the attested deposit value
	MintAmount    *uint256.Int   // MintAmount is the token amount to mint
	NAVAtClaim    *uint256.Int   // NAVAtClaim is the NAV used at claim time
	EnqueuedAt    int64          // EnqueuedAt is the claim time (unix seconds)
	ExpiresAt     int64          // ExpiresAt is the execution deadline
	Status        ItemStatus     // Status is the lifecycle state
}

// BatchReport summarizes one ExecuteBatch run.
type BatchReport struct {
	Executed int          // Executed is the number of minted items
	Expired  int          // Expired is the number of items aged out
	NAV      *uint256.Int // NAV is the price every executed item used
	Minted   *uint256.Int // Minted is the total token amount created
}
