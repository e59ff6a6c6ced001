// Package token defines the index token primitive the execution
// pipeline mints and burns against. The core is the single authorized
// caller; nothing else is assumed about the token.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/storage"
)

var (
	// balanceKeyPrefix is the Pebble key prefix for balances.
	balanceKeyPrefix = []byte("bal:")

	// supplyKey is the Pebble key holding total supply.
	supplyKey = []byte("meta:supply")
)

var (
	// ErrInsufficientBalance is returned when burning more than the
	// holder's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrZeroAmount is returned for zero-amount mints and burns.
	ErrZeroAmount = errors.New("amount must be positive")
)

// Token is the mint/burn primitive used by the execution pipeline.
type Token interface {
	Mint(to common.Address, amount *uint256.Int) error
	Burn(from common.Address, amount *uint256.Int) error
	TotalSupply() *uint256.Int
	BalanceOf(addr common.Address) *uint256.Int
}

// Ledger is an in-process token backed by Pebble. Safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
	db       *storage.Storage
}

// NewLedger opens the token ledger, restoring balances and supply.
func NewLedger(db *storage.Storage) (*Ledger, error) {
	l := &Ledger{
		balances: make(map[common.Address]*uint256.Int),
		supply:   new(uint256.Int),
		db:       db,
	}

	if err := l.load(); err != nil {
		return nil, fmt.Errorf("load token ledger:\n%w", err)
	}

	return l, nil
}

// Mint creates amount tokens for the given address.
func (l *Ledger) Mint(to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(to)
	balance.Add(balance, amount)
	l.balances[to] = balance

	l.supply.Add(l.supply, amount)

	return l.persist(to)
}

// Burn destroys amount tokens held by the given address.
func (l *Ledger) Burn(from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(from)
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}

	balance.Sub(balance, amount)
	l.balances[from] = balance

	l.supply.Sub(l.supply, amount)

	return l.persist(from)
}

// TotalSupply returns the current total supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return new(uint256.Int).Set(l.supply)
}

// BalanceOf returns the balance of the given address.
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if balance, ok := l.balances[addr]; ok {
		return new(uint256.Int).Set(balance)
	}

	return new(uint256.Int)
}

// balanceLocked returns the mutable balance for an address.
// Caller holds the write lock.
func (l *Ledger) balanceLocked(addr common.Address) *uint256.Int {
	if balance, ok := l.balances[addr]; ok {
		return balance
	}

	return new(uint256.Int)
}

// persist writes the balance of one address and the total supply.
// Caller holds the write lock.
func (l *Ledger) persist(addr common.Address) error {
	if l.db == nil {
		return nil
	}

	balance := l.balanceLocked(addr).Bytes32()
	supply := l.supply.Bytes32()

	return l.db.SetBatch([]storage.KeyValue{
		{Key: balanceKey(addr), Value: balance[:]},
		{Key: supplyKey, Value: supply[:]},
	})
}

// load restores balances and supply from storage.
func (l *Ledger) load() error {
	if l.db == nil {
		return nil
	}

	err := l.db.IteratePrefix(balanceKeyPrefix, func(key, value []byte) error {
		if len(key) != len(balanceKeyPrefix)+common.AddressLength || len(value) != 32 {
			return nil
		}

		var addr common.Address
		copy(addr[:], key[len(balanceKeyPrefix):])

		l.balances[addr] = new(uint256.Int).SetBytes(value)

		return nil
	})
	if err != nil {
		return err
	}

	supply, err := l.db.Get(supplyKey)
	if err != nil {
		return err
	}

	if len(supply) == 32 {
		l.supply.SetBytes(supply)
	}

	return nil
}

// balanceKey builds the storage key for an address.
func balanceKey(addr common.Address) []byte {
	key := make([]byte, 0, len(balanceKeyPrefix)+common.AddressLength)
	key = append(key, balanceKeyPrefix...)
	key = append(key, addr[:]...)

	return key
}
