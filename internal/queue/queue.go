// Package queue implements the mint/redeem execution pipeline: claims
// against attested deposits are finalized exactly once, queued at the
// current NAV, executed in keeper-triggered batches under slippage and
// liquidity policy, and redeemed proportionally against backing value.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/attestation"
	"tao20/internal/consensus"
	"tao20/internal/logger"
	"tao20/internal/oracle"
	"tao20/internal/signing"
	"tao20/internal/staking"
	"tao20/internal/storage"
	"tao20/internal/token"
)

var (
	// consumedKeyPrefix is the Pebble key prefix for consumed deposits.
	consumedKeyPrefix = []byte("dep:")

	// itemKeyPrefix is the Pebble key prefix for queue items.
	itemKeyPrefix = []byte("q:")
)

var (
	// ErrAlreadyClaimed is returned when the deposit has already minted.
	// Permanent: this is the cross-chain double-mint defense.
	ErrAlreadyClaimed = errors.New("deposit already claimed")

	// ErrClaimExpired is returned for a claim past its deadline.
	ErrClaimExpired = errors.New("claim expired")

	// ErrAttestationInsufficient is returned when the deposit lacks the
	// attestation threshold.
	ErrAttestationInsufficient = errors.New("attestation threshold not met")

	// ErrInvalidClaimSignature is returned when the claim signature
	// does not recover to the claimer.
	ErrInvalidClaimSignature = errors.New("invalid claim signature")

	// ErrDepositMismatch is returned when the claim's deposit ID does
	// not match the reference.
	ErrDepositMismatch = errors.New("claim does not match deposit reference")

	// ErrDepositNotFound is returned when the source chain oracle does
	// not confirm the deposit.
	ErrDepositNotFound = errors.New("deposit not found on source chain")

	// ErrZeroDeposit is returned for zero-amount deposits.
	ErrZeroDeposit = errors.New("deposit amount must be positive")

	// ErrSlippageExceeded is returned when a batch item's quote moves
	// beyond the slippage ceiling. The whole batch aborts unexecuted.
	ErrSlippageExceeded = errors.New("slippage ceiling exceeded")

	// ErrSolvencyViolation is returned when the post-batch solvency
	// check fails. This should never happen; it indicates corruption.
	ErrSolvencyViolation = errors.New("solvency invariant violated")
)

// solvencyToleranceDenom is the relative rounding tolerance for the
// solvency invariant (1e-9).
const solvencyToleranceDenom = uint64(1_000_000_000)

// Config holds the queue parameters.
type Config struct {
	// MaxSlippageBps is the slippage ceiling applied at execution.
	MaxSlippageBps uint64

	// ItemTTL is how long a queued mint stays executable.
	ItemTTL time.Duration

	// BackingAssetID is the asset backing the index.
	BackingAssetID uint16
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSlippageBps: 100,
		ItemTTL:        time.Hour,
		BackingAssetID: 0,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.MaxSlippageBps == 0 || c.MaxSlippageBps > 10000 {
		return fmt.Errorf("maxSlippageBps must be in (0, 10000], got %d", c.MaxSlippageBps)
	}

	if c.ItemTTL <= 0 {
		return fmt.Errorf("itemTTL must be positive")
	}

	return nil
}

// Queue is the mint/redeem pipeline. A single mutex serializes claim
// finalization, batch execution, and redemption, so the consumed-set
// check and mark can never race.
type Queue struct {
	mu sync.Mutex

	cfg    Config
	domain signing.Domain

	nav    *consensus.Engine
	ledger *attestation.Ledger
	policy *staking.Manager
	tok    token.Token
	orc    oracle.Oracle
	db     *storage.Storage

	consumed map[[32]byte]bool
	items    map[[32]byte]*QueueItem
	pending  [][32]byte // FIFO execution order

	now func() time.Time // clock, replaceable in tests
}

// New creates a queue, restoring consumed deposits and pending items.
func New(cfg Config, domain signing.Domain, nav *consensus.Engine, ledger *attestation.Ledger, policy *staking.Manager, tok token.Token, orc oracle.Oracle, db *storage.Storage) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue config:\n%w", err)
	}

	q := &Queue{
		cfg:      cfg,
		domain:   domain,
		nav:      nav,
		ledger:   ledger,
		policy:   policy,
		tok:      tok,
		orc:      orc,
		db:       db,
		consumed: make(map[[32]byte]bool),
		items:    make(map[[32]byte]*QueueItem),
		now:      time.Now,
	}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("load queue state:\n%w", err)
	}

	return q, nil
}

// ClaimMint finalizes a mint claim against an attested deposit and
// enqueues the mint. The consumed-set check and mark happen inside one
// serialized operation; an expired, unconsumed claim may be retried
// with a fresh expiry, but a consumed deposit is blocked forever.
func (q *Queue) ClaimMint(ref *DepositReference, claim *Claim) (*QueueItem, error) {
	if ref.Amount == nil || ref.Amount.IsZero() {
		return nil, ErrZeroDeposit
	}

	depositID := ref.DepositID()
	if claim.DepositID != depositID {
		return nil, ErrDepositMismatch
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumed[depositID] {
		return nil, ErrAlreadyClaimed
	}

	now := q.now().Unix()
	if now > claim.ExpiresAt {
		return nil, ErrClaimExpired
	}

	if !q.ledger.ThresholdMet(depositID) {
		return nil, ErrAttestationInsufficient
	}

	digest := ClaimDigest(q.domain, claim)

	signer, err := signing.RecoverAddress(digest, claim.Signature)
	if err != nil || signer != claim.Claimer {
		return nil, ErrInvalidClaimSignature
	}

	ok, err := q.orc.VerifyDeposit(ref.SourceBlockHash, ref.ExtrinsicIndex, ref.DepositorKey, ref.AssetID, ref.Amount)
	if err != nil {
		return nil, fmt.Errorf("verify deposit:\n%w", err)
	}
	if !ok {
		return nil, ErrDepositNotFound
	}

	navResult, err := q.nav.CurrentNAV()
	if err != nil {
		return nil, err
	}

	// mint = amount * Precision / nav
	mintAmount := new(uint256.Int).Mul(ref.Amount, uint256.NewInt(consensus.Precision))
	mintAmount.Div(mintAmount, navResult.NAV)

	if mintAmount.IsZero() {
		return nil, ErrZeroDeposit
	}

	item := &QueueItem{
		DepositID:     depositID,
		Claimer:       claim.Claimer,
		AssetID:       ref.AssetID,
		DepositAmount: new(uint256.Int).Set(ref.Amount),
		MintAmount:    mintAmount,
		NAVAtClaim:    new(uint256.Int).Set(navResult.NAV),
		EnqueuedAt:    now,
		ExpiresAt:     now + int64(q.cfg.ItemTTL.Seconds()),
		Status:        StatusPending,
	}

	q.consumed[depositID] = true
	q.items[depositID] = item
	q.pending = append(q.pending, depositID)

	if err := q.persistClaim(item); err != nil {
		return nil, fmt.Errorf("persist claim:\n%w", err)
	}

	logger.Info("mint claim finalized",
		"deposit", fmt.Sprintf("%x", depositID[:8]),
		"claimer", claim.Claimer.Hex(),
		"amount", ref.Amount.String(),
		"mint", mintAmount.String(),
	)

	return item, nil
}

// ExecuteBatch executes up to maxItems pending mints against the
// current NAV. Validation runs over the whole selection first; a stale
// NAV or a slippage violation aborts the batch with nothing executed.
// Expired items are aged out and never block the rest.
func (q *Queue) ExecuteBatch(maxItems int) (*BatchReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	report := &BatchReport{
		NAV:    new(uint256.Int),
		Minted: new(uint256.Int),
	}

	now := q.now().Unix()
	selected := make([]*QueueItem, 0, maxItems)
	remaining := q.pending[:0]

	for _, id := range q.pending {
		item := q.items[id]
		if item == nil || item.Status != StatusPending {
			continue
		}

		if now > item.ExpiresAt {
			item.Status = StatusExpired
			report.Expired++

			if err := q.persistItem(item); err != nil {
				return nil, fmt.Errorf("persist expired item:\n%w", err)
			}

			continue
		}

		if len(selected) < maxItems {
			selected = append(selected, item)
		} else {
			remaining = append(remaining, id)
		}
	}

	q.pending = remaining

	if len(selected) == 0 {
		return report, nil
	}

	navResult, err := q.nav.CurrentNAV()
	if err != nil {
		q.requeue(selected)
		return nil, err
	}

	report.NAV.Set(navResult.NAV)

	// Phase 1: validate every item before touching any state, so a
	// violation aborts the batch with nothing executed.
	for _, item := range selected {
		quote, err := q.orc.Quote(item.AssetID, item.DepositAmount)
		if err != nil {
			q.requeue(selected)
			return nil, fmt.Errorf("quote deposit basket:\n%w", err)
		}

		if slippageExceeded(item.DepositAmount, quote, q.cfg.MaxSlippageBps) {
			q.requeue(selected)

			logger.Warn("batch aborted on slippage",
				"deposit", fmt.Sprintf("%x", item.DepositID[:8]),
				"expected", item.DepositAmount.String(),
				"quoted", quote.String(),
			)

			return nil, ErrSlippageExceeded
		}
	}

	// Phase 2: execute. Backing is credited at the NAV-implied value of
	// the minted tokens so the solvency identity holds to rounding. A
	// failure mid-batch keeps earlier items executed; the failing item
	// and the untouched tail go back to pending for a later batch.
	for i, item := range selected {
		if err := q.tok.Mint(item.Claimer, item.MintAmount); err != nil {
			q.requeue(selected[i:])
			return nil, fmt.Errorf("mint:\n%w", err)
		}

		backing := new(uint256.Int).Mul(item.MintAmount, navResult.NAV)
		backing.Div(backing, uint256.NewInt(consensus.Precision))

		if err := q.policy.AllocateDeposit(backing); err != nil {
			// Unwind the mint so the retried item starts clean.
			_ = q.tok.Burn(item.Claimer, item.MintAmount)
			q.requeue(selected[i:])

			return nil, fmt.Errorf("allocate backing:\n%w", err)
		}

		item.Status = StatusExecuted

		if err := q.persistItem(item); err != nil {
			q.requeue(selected[i+1:])
			return nil, fmt.Errorf("persist executed item:\n%w", err)
		}

		report.Executed++
		report.Minted.Add(report.Minted, item.MintAmount)
	}

	if err := q.checkSolvency(navResult.NAV); err != nil {
		return report, err
	}

	logger.Info("batch executed",
		"items", report.Executed,
		"expired", report.Expired,
		"minted", report.Minted.String(),
		"nav", navResult.NAV.String(),
	)

	return report, nil
}

// Redeem burns the caller's tokens and pays out the proportional
// backing value, drawing the liquid reserve first.
func (q *Queue) Redeem(from common.Address, amount *uint256.Int, dest [32]byte) error {
	if amount == nil || amount.IsZero() {
		return token.ErrZeroAmount
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.tok.BalanceOf(from).Lt(amount) {
		return token.ErrInsufficientBalance
	}

	navResult, err := q.nav.CurrentNAV()
	if err != nil {
		return err
	}

	// value = amount * nav / Precision
	value := new(uint256.Int).Mul(amount, navResult.NAV)
	value.Div(value, uint256.NewInt(consensus.Precision))

	if err := q.policy.Withdraw(value, dest, q.cfg.BackingAssetID); err != nil {
		return err
	}

	if err := q.tok.Burn(from, amount); err != nil {
		return fmt.Errorf("burn redeemed tokens:\n%w", err)
	}

	logger.Info("redeemed",
		"holder", from.Hex(),
		"amount", amount.String(),
		"value", value.String(),
	)

	return nil
}

// RedeemSigned verifies a redemption order's deadline and signature,
// then redeems on the holder's behalf.
func (q *Queue) RedeemSigned(o *RedeemOrder) error {
	if q.now().Unix() > o.ExpiresAt {
		return ErrClaimExpired
	}

	digest := RedeemOrderDigest(q.domain, o)

	signer, err := signing.RecoverAddress(digest, o.Signature)
	if err != nil || signer != o.Holder {
		return ErrInvalidClaimSignature
	}

	return q.Redeem(o.Holder, o.Amount, o.Dest)
}

// IsConsumed reports whether a deposit has already been claimed.
func (q *Queue) IsConsumed(depositID [32]byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.consumed[depositID]
}

// PendingCount returns the number of items awaiting execution.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, id := range q.pending {
		if item := q.items[id]; item != nil && item.Status == StatusPending {
			count++
		}
	}

	return count
}

// Item returns a copy of the queue item for a deposit, if any.
func (q *Queue) Item(depositID [32]byte) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[depositID]
	if !ok {
		return QueueItem{}, false
	}

	return *item, true
}

// requeue puts unexecuted items back at the head of the pending list.
// Caller holds the lock.
func (q *Queue) requeue(items []*QueueItem) {
	ids := make([][32]byte, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.DepositID)
	}

	q.pending = append(ids, q.pending...)
}

// checkSolvency verifies totalSupply * NAV matches total backing value
// within rounding tolerance. Caller holds the lock.
func (q *Queue) checkSolvency(nav *uint256.Int) error {
	implied := new(uint256.Int).Mul(q.tok.TotalSupply(), nav)
	implied.Div(implied, uint256.NewInt(consensus.Precision))

	backing := q.policy.TotalBacking()

	diff := new(uint256.Int)
	if implied.Gt(backing) {
		diff.Sub(implied, backing)
	} else {
		diff.Sub(backing, implied)
	}

	// diff / backing <= 1e-9, integer form.
	lhs := new(uint256.Int).Mul(diff, uint256.NewInt(solvencyToleranceDenom))
	if lhs.Gt(backing) {
		logger.Error("solvency invariant violated",
			"implied", implied.String(),
			"backing", backing.String(),
		)

		return ErrSolvencyViolation
	}

	return nil
}

// slippageExceeded reports whether quote deviates from expected by
// more than maxBps basis points. Computed multiplicatively to avoid
// rounding in the comparison.
func slippageExceeded(expected, quote *uint256.Int, maxBps uint64) bool {
	diff := new(uint256.Int)
	if quote.Gt(expected) {
		diff.Sub(quote, expected)
	} else {
		diff.Sub(expected, quote)
	}

	lhs := new(uint256.Int).Mul(diff, uint256.NewInt(10000))
	rhs := new(uint256.Int).Mul(expected, uint256.NewInt(maxBps))

	return lhs.Gt(rhs)
}
