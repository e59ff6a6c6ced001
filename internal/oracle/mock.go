package oracle

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"
)

// depositKey identifies a registered deposit event in the mock.
type depositKey struct {
	blockHash      [32]byte
	extrinsicIndex uint32
	depositor      [32]byte
	assetID        uint16
}

// TransferRecord captures one Transfer call for inspection.
type TransferRecord struct {
	Dest    [32]byte     // Dest is the destination key
	AssetID uint16       // AssetID is the transferred asset
	Amount  *uint256.Int // Amount is the transferred amount
}

// Mock is an in-memory oracle adapter for tests and local nodes.
type Mock struct {
	mu         sync.Mutex
	deposits   map[depositKey]*uint256.Int
	timestamps map[[32]byte]int64
	transfers  []TransferRecord

	quoteBps     int64 // signed price movement applied by Quote, in bps
	failTransfer bool
}

// NewMock creates an empty mock oracle quoting at par.
func NewMock() *Mock {
	return &Mock{
		deposits:   make(map[depositKey]*uint256.Int),
		timestamps: make(map[[32]byte]int64),
	}
}

// RegisterDeposit records a deposit event the mock will confirm.
func (m *Mock) RegisterDeposit(blockHash [32]byte, extrinsicIndex uint32, depositor [32]byte, assetID uint16, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := depositKey{blockHash, extrinsicIndex, depositor, assetID}
	m.deposits[key] = new(uint256.Int).Set(amount)
}

// SetBlockTimestamp records a block timestamp.
func (m *Mock) SetBlockTimestamp(blockHash [32]byte, ts int64) {
	m.mu.Lock()
	m.timestamps[blockHash] = ts
	m.mu.Unlock()
}

// SetQuoteBps sets the signed price movement Quote applies, in basis
// points. Negative values simulate adverse slippage.
func (m *Mock) SetQuoteBps(bps int64) {
	m.mu.Lock()
	m.quoteBps = bps
	m.mu.Unlock()
}

// FailTransfers makes every subsequent Transfer call fail.
func (m *Mock) FailTransfers(fail bool) {
	m.mu.Lock()
	m.failTransfer = fail
	m.mu.Unlock()
}

// Transfers returns all recorded transfer calls.
func (m *Mock) Transfers() []TransferRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TransferRecord, len(m.transfers))
	copy(out, m.transfers)

	return out
}

// VerifyDeposit reports whether the deposit was registered with a
// matching amount.
func (m *Mock) VerifyDeposit(blockHash [32]byte, extrinsicIndex uint32, depositor [32]byte, assetID uint16, amount *uint256.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := depositKey{blockHash, extrinsicIndex, depositor, assetID}

	registered, ok := m.deposits[key]
	if !ok {
		return false, nil
	}

	return registered.Eq(amount), nil
}

// BlockTimestamp returns a registered block timestamp.
func (m *Mock) BlockTimestamp(blockHash [32]byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.timestamps[blockHash]
	if !ok {
		return 0, ErrUnknownBlock
	}

	return ts, nil
}

// Transfer records the call, or fails if failure injection is on.
func (m *Mock) Transfer(dest [32]byte, assetID uint16, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failTransfer {
		return fmt.Errorf("%w: injected failure", ErrTransferFailed)
	}

	m.transfers = append(m.transfers, TransferRecord{
		Dest:    dest,
		AssetID: assetID,
		Amount:  new(uint256.Int).Set(amount),
	})

	return nil
}

// Quote applies the configured signed bps movement to the amount.
func (m *Mock) Quote(assetID uint16, amount *uint256.Int) (*uint256.Int, error) {
	m.mu.Lock()
	bps := m.quoteBps
	m.mu.Unlock()

	if bps < -10000 {
		bps = -10000
	}

	factor := uint256.NewInt(uint64(10000 + bps))
	quoted := new(uint256.Int).Mul(amount, factor)
	quoted.Div(quoted, uint256.NewInt(10000))

	return quoted, nil
}

// DeterministicKey derives a stable 32-byte key from a label, handy for
// building mock block hashes and depositor keys in tests.
func DeterministicKey(label string) [32]byte {
	return blake3.Sum256([]byte(label))
}
