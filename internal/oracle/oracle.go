// Package oracle defines the narrow capability interface to the source
// chain: deposit existence queries, block timestamps, asset transfers,
// and a black-box DEX quote with no assumptions about the execution
// algorithm behind it. The core never depends on an adapter's internal
// representation; production binds a precompile-backed adapter, tests
// use the Mock.
package oracle

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrTransferFailed is returned when the source chain rejects a
// transfer. Transfer failures are always surfaced, never swallowed.
var ErrTransferFailed = errors.New("cross-chain transfer failed")

// ErrUnknownBlock is returned when a block hash is not known.
var ErrUnknownBlock = errors.New("unknown source block")

// Oracle is the cross-chain capability surface.
type Oracle interface {
	// VerifyDeposit reports whether the described deposit event exists
	// on the source chain.
	VerifyDeposit(blockHash [32]byte, extrinsicIndex uint32, depositor [32]byte, assetID uint16, amount *uint256.Int) (bool, error)

	// BlockTimestamp returns the unix timestamp of a source block.
	BlockTimestamp(blockHash [32]byte) (int64, error)

	// Transfer moves amount of assetID to the destination key.
	Transfer(dest [32]byte, assetID uint16, amount *uint256.Int) error

	// Quote returns the value actually obtainable right now for amount
	// of assetID, as priced by the external DEX/liquidity venue.
	Quote(assetID uint16, amount *uint256.Int) (*uint256.Int, error)
}
