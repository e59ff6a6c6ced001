// Package staking decides how newly backed value is split between
// auto-staked assets and the liquid reserve that serves redemptions.
package staking

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"tao20/internal/logger"
	"tao20/internal/oracle"
	"tao20/internal/storage"
)

// reservesKey is the Pebble key holding the staked/liquid balances.
var reservesKey = []byte("meta:reserves")

var (
	// ErrInsufficientBacking is returned when a withdrawal exceeds
	// total backing value.
	ErrInsufficientBacking = errors.New("insufficient backing value")

	// ErrInvalidFraction is returned for a stake fraction above 100%.
	ErrInvalidFraction = errors.New("stakeFractionBps must be at most 10000")
)

// Manager is the staking policy manager. It owns the staked/liquid
// accounting; the queue calls it after every mint and redemption.
type Manager struct {
	mu sync.Mutex

	stakeFractionBps uint64
	staked           *uint256.Int
	liquid           *uint256.Int

	orc oracle.Oracle
	db  *storage.Storage
}

// New creates a manager with the given stake fraction in basis points
// (8000 = stake 80%, keep 20% liquid), restoring persisted reserves.
func New(stakeFractionBps uint64, orc oracle.Oracle, db *storage.Storage) (*Manager, error) {
	if stakeFractionBps > 10000 {
		return nil, ErrInvalidFraction
	}

	m := &Manager{
		stakeFractionBps: stakeFractionBps,
		staked:           new(uint256.Int),
		liquid:           new(uint256.Int),
		orc:              orc,
		db:               db,
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("load reserves:\n%w", err)
	}

	return m, nil
}

// AllocateDeposit splits newly backed value between staking and the
// liquid reserve, keeping the liquid floor intact.
func (m *Manager) AllocateDeposit(value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	toStake := new(uint256.Int).Mul(value, uint256.NewInt(m.stakeFractionBps))
	toStake.Div(toStake, uint256.NewInt(10000))

	toLiquid := new(uint256.Int).Sub(value, toStake)

	m.staked.Add(m.staked, toStake)
	m.liquid.Add(m.liquid, toLiquid)

	logger.Debug("deposit allocated",
		"staked", toStake.String(),
		"liquid", toLiquid.String(),
	)

	return m.persist()
}

// Withdraw releases value for a redemption and transfers it to the
// destination. The liquid reserve is drawn first; unstaking happens
// only for the shortfall, to avoid unnecessary unstaking latency.
func (m *Manager) Withdraw(value *uint256.Int, dest [32]byte, assetID uint16) error {
	if value == nil || value.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total := new(uint256.Int).Add(m.staked, m.liquid)
	if total.Lt(value) {
		return ErrInsufficientBacking
	}

	fromLiquid := new(uint256.Int).Set(value)
	fromStaked := new(uint256.Int)

	if m.liquid.Lt(value) {
		fromLiquid.Set(m.liquid)
		fromStaked.Sub(value, fromLiquid)
	}

	if err := m.orc.Transfer(dest, assetID, value); err != nil {
		return fmt.Errorf("redemption transfer:\n%w", err)
	}

	m.liquid.Sub(m.liquid, fromLiquid)
	m.staked.Sub(m.staked, fromStaked)

	if !fromStaked.IsZero() {
		logger.Info("unstaked for redemption", "amount", fromStaked.String())
	}

	return m.persist()
}

// TotalBacking returns staked plus liquid value.
func (m *Manager) TotalBacking() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return new(uint256.Int).Add(m.staked, m.liquid)
}

// LiquidReserve returns the immediately available value.
func (m *Manager) LiquidReserve() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return new(uint256.Int).Set(m.liquid)
}

// StakedValue returns the auto-staked value.
func (m *Manager) StakedValue() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return new(uint256.Int).Set(m.staked)
}

// LiquidFloorHolds reports whether the liquid reserve still covers the
// configured floor: liquid/total >= 1 - stakeFraction.
func (m *Manager) LiquidFloorHolds() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := new(uint256.Int).Add(m.staked, m.liquid)
	if total.IsZero() {
		return true
	}

	// liquid * 10000 >= total * (10000 - stakeFractionBps)
	lhs := new(uint256.Int).Mul(m.liquid, uint256.NewInt(10000))
	rhs := new(uint256.Int).Mul(total, uint256.NewInt(10000-m.stakeFractionBps))

	return !lhs.Lt(rhs)
}

// persist writes the reserve balances. Caller holds the lock.
func (m *Manager) persist() error {
	if m.db == nil {
		return nil
	}

	staked := m.staked.Bytes32()
	liquid := m.liquid.Bytes32()

	value := make([]byte, 64)
	copy(value[0:32], staked[:])
	copy(value[32:64], liquid[:])

	return m.db.Set(reservesKey, value)
}

// load restores the reserve balances.
func (m *Manager) load() error {
	if m.db == nil {
		return nil
	}

	value, err := m.db.Get(reservesKey)
	if err != nil {
		return err
	}

	if len(value) == 64 {
		m.staked.SetBytes(value[0:32])
		m.liquid.SetBytes(value[32:64])
	}

	return nil
}
