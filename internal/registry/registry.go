// Package registry tracks the authorized validator set: identity, stake
// weight, activity flag, and the per-validator anti-replay nonce. It owns
// that state exclusively; all mutation goes through the Admin capability
// except nonce advancement, which the consensus engine performs on each
// accepted submission.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"tao20/internal/logger"
	"tao20/internal/storage"
)

// validatorKeyPrefix is the Pebble key prefix for validator records.
var validatorKeyPrefix = []byte("val:")

var (
	// ErrDuplicateValidator is returned when adding an address that is
	// already registered.
	ErrDuplicateValidator = errors.New("validator already registered")

	// ErrInvalidStake is returned when a stake weight is zero.
	ErrInvalidStake = errors.New("stake must be positive")

	// ErrNotFound is returned when the address is not registered.
	ErrNotFound = errors.New("validator not found")

	// ErrBLSPubKeySize is returned when a BLS public key has the wrong length.
	ErrBLSPubKeySize = errors.New("invalid BLS public key length")
)

// BLSPubKeySize is the compressed BLS12-381 G1 public key size.
const BLSPubKeySize = 48

// Validator holds one validator's registry record.
// Removal zeroes stake and clears Active but keeps the record, so
// submission history and nonces survive de-registration.
type Validator struct {
	Address   common.Address // Address is the secp256k1-derived identity
	BLSPubKey []byte         // BLSPubKey is the 48-byte attestation key
	Stake     uint64         // Stake is the validator's stake weight
	Active    bool           // Active indicates membership in the current set
	Nonce     uint64         // Nonce is the next expected submission nonce
}

// Registry is the validator set. Safe for concurrent access.
type Registry struct {
	mu         sync.RWMutex
	validators map[common.Address]*Validator
	order      []common.Address // insertion order, for deterministic listing
	db         *storage.Storage
}

// Admin is the single capability object through which the validator set
// is mutated. Constructed once alongside the Registry and handed only to
// the admin surface.
type Admin struct {
	r *Registry
}

// New opens the registry, loading any persisted validator records.
// It returns the registry and its admin capability.
func New(db *storage.Storage) (*Registry, *Admin, error) {
	r := &Registry{
		validators: make(map[common.Address]*Validator),
		db:         db,
	}

	if err := r.load(); err != nil {
		return nil, nil, fmt.Errorf("load validators:\n%w", err)
	}

	return r, &Admin{r: r}, nil
}

// Get returns a copy of the validator record for the given address.
func (r *Registry) Get(addr common.Address) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[addr]
	if !ok {
		return Validator{}, ErrNotFound
	}

	return *v, nil
}

// IsActive reports whether the address is an active validator.
func (r *Registry) IsActive(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[addr]
	return ok && v.Active
}

// TotalActiveStake returns the sum of stake over active validators.
// This is the denominator for all stake-weighted quorum checks.
func (r *Registry) TotalActiveStake() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := uint64(0)
	for _, v := range r.validators {
		if v.Active {
			total += v.Stake
		}
	}

	return total
}

// ActiveCount returns the number of active validators.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, v := range r.validators {
		if v.Active {
			count++
		}
	}

	return count
}

// Validators returns copies of all records in registration order.
func (r *Registry) Validators() []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Validator, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.validators[addr])
	}

	return out
}

// ExpectedNonce returns the next expected submission nonce for the address.
func (r *Registry) ExpectedNonce(addr common.Address) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[addr]
	if !ok {
		return 0, ErrNotFound
	}

	return v.Nonce, nil
}

// AdvanceNonce increments the validator's nonce after an accepted
// submission. Called only by the consensus engine.
func (r *Registry) AdvanceNonce(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr]
	if !ok {
		return ErrNotFound
	}

	v.Nonce++

	// A nonce rollback after a crash would re-open the replay window,
	// so the advance is synced to disk before the submission is counted.
	if r.db == nil {
		return nil
	}

	return r.db.SetSync(validatorKey(v.Address), encodeValidator(v))
}

// AddValidator registers a new validator with the given stake and BLS key.
func (a *Admin) AddValidator(addr common.Address, blsPubKey []byte, stake uint64) error {
	if stake == 0 {
		return ErrInvalidStake
	}

	if len(blsPubKey) != BLSPubKeySize {
		return fmt.Errorf("%w: got %d, want %d", ErrBLSPubKeySize, len(blsPubKey), BLSPubKeySize)
	}

	r := a.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[addr]; exists {
		return ErrDuplicateValidator
	}

	key := make([]byte, BLSPubKeySize)
	copy(key, blsPubKey)

	v := &Validator{
		Address:   addr,
		BLSPubKey: key,
		Stake:     stake,
		Active:    true,
	}

	r.validators[addr] = v
	r.order = append(r.order, addr)

	if err := r.persist(v); err != nil {
		return err
	}

	logger.Warn("validator added", "address", addr.Hex(), "stake", stake)

	return nil
}

// RemoveValidator deactivates a validator and zeroes its stake.
// The record itself is retained.
func (a *Admin) RemoveValidator(addr common.Address) error {
	r := a.r
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr]
	if !ok {
		return ErrNotFound
	}

	v.Active = false
	v.Stake = 0

	if err := r.persist(v); err != nil {
		return err
	}

	logger.Warn("validator removed", "address", addr.Hex())

	return nil
}

// UpdateStake changes a validator's stake weight.
func (a *Admin) UpdateStake(addr common.Address, newStake uint64) error {
	if newStake == 0 {
		return ErrInvalidStake
	}

	r := a.r
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr]
	if !ok {
		return ErrNotFound
	}

	oldStake := v.Stake
	v.Stake = newStake

	if err := r.persist(v); err != nil {
		return err
	}

	logger.Warn("validator stake updated", "address", addr.Hex(), "old", oldStake, "new", newStake)

	return nil
}

// persist writes a validator record. Caller holds the write lock.
func (r *Registry) persist(v *Validator) error {
	if r.db == nil {
		return nil
	}

	return r.db.Set(validatorKey(v.Address), encodeValidator(v))
}

// load reads all persisted validator records into memory.
func (r *Registry) load() error {
	if r.db == nil {
		return nil
	}

	return r.db.IteratePrefix(validatorKeyPrefix, func(key, value []byte) error {
		if len(key) != len(validatorKeyPrefix)+common.AddressLength {
			return nil
		}

		var addr common.Address
		copy(addr[:], key[len(validatorKeyPrefix):])

		v, err := decodeValidator(addr, value)
		if err != nil {
			return fmt.Errorf("decode validator %s:\n%w", addr.Hex(), err)
		}

		r.validators[addr] = v
		r.order = append(r.order, addr)

		return nil
	})
}

// validatorKey builds the storage key for an address.
func validatorKey(addr common.Address) []byte {
	key := make([]byte, 0, len(validatorKeyPrefix)+common.AddressLength)
	key = append(key, validatorKeyPrefix...)
	key = append(key, addr[:]...)

	return key
}
