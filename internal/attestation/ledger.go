// Package attestation implements the deposit attestation ledger.
// Validators independently observe the source chain and sign that a
// specific deposit happened; the ledger accumulates signer sets per
// deposit and answers whether the configured threshold is met. The
// threshold check never consumes anything, so it can be re-evaluated
// freely.
package attestation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/logger"
	"tao20/internal/registry"
	"tao20/internal/storage"
)

// attestationKeyPrefix is the Pebble key prefix for attestation records.
var attestationKeyPrefix = []byte("att:")

var (
	// ErrDuplicateSigner is returned when a validator attests the same
	// deposit twice.
	ErrDuplicateSigner = errors.New("validator already attested this deposit")

	// ErrUnknownValidator is returned for attestations from
	// unregistered or inactive validators.
	ErrUnknownValidator = errors.New("unknown or inactive validator")

	// ErrInvalidSignature is returned when the BLS signature does not
	// verify against the validator's registered key.
	ErrInvalidSignature = errors.New("invalid attestation signature")
)

// ThresholdMode selects how the attestation threshold is evaluated.
type ThresholdMode int

const (
	// ThresholdStake requires attesters to hold a stake fraction of
	// total active stake, mirroring consensus quorum semantics.
	ThresholdStake ThresholdMode = iota

	// ThresholdCount requires a fixed number of distinct attesters
	// (e.g. 2-of-3).
	ThresholdCount
)

// Config holds the ledger parameters.
type Config struct {
	Mode         ThresholdMode // Mode selects stake-weighted or count thresholds
	ThresholdBps uint64        // ThresholdBps applies in stake mode
	MinCount     int           // MinCount applies in count mode
}

// DefaultConfig returns stake-weighted 2/3 attestation.
func DefaultConfig() Config {
	return Config{
		Mode:         ThresholdStake,
		ThresholdBps: 6667,
		MinCount:     2,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	switch c.Mode {
	case ThresholdStake:
		if c.ThresholdBps < 5000 || c.ThresholdBps > 10000 {
			return fmt.Errorf("thresholdBps must be in [5000, 10000], got %d", c.ThresholdBps)
		}
	case ThresholdCount:
		if c.MinCount < 1 {
			return fmt.Errorf("minCount must be at least 1, got %d", c.MinCount)
		}
	default:
		return fmt.Errorf("unknown threshold mode: %d", c.Mode)
	}

	return nil
}

// Attestation is one validator's signed claim that a deposit occurred.
type Attestation struct {
	DepositID [32]byte       // DepositID identifies the attested deposit
	Validator common.Address // Validator is the attesting identity
	Timestamp int64          // Timestamp is when the attestation was produced
	Nonce     uint64         // Nonce is the validator's attestation counter
	Signature []byte         // Signature is the 96-byte BLS signature over Message(DepositID)
}

// Proof is an aggregated attestation for one deposit: the signer set
// plus a single combined BLS signature.
type Proof struct {
	DepositID [32]byte         // DepositID identifies the deposit
	Signers   []common.Address // Signers lists every attesting validator
	Signature []byte           // Signature is the aggregated BLS signature
}

// Ledger accumulates attestations per deposit. Safe for concurrent use.
type Ledger struct {
	mu   sync.RWMutex
	cfg  Config
	reg  *registry.Registry
	db   *storage.Storage
	sets map[[32]byte]map[common.Address]*Attestation
}

// New opens the ledger, loading persisted attestations.
func New(cfg Config, reg *registry.Registry, db *storage.Storage) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("attestation config:\n%w", err)
	}

	l := &Ledger{
		cfg:  cfg,
		reg:  reg,
		db:   db,
		sets: make(map[[32]byte]map[common.Address]*Attestation),
	}

	if err := l.load(); err != nil {
		return nil, fmt.Errorf("load attestations:\n%w", err)
	}

	return l, nil
}

// Submit records an attestation after verifying the validator and its
// BLS signature. Duplicate signers for the same deposit are rejected.
func (l *Ledger) Submit(att *Attestation) error {
	v, err := l.reg.Get(att.Validator)
	if err != nil || !v.Active {
		return ErrUnknownValidator
	}

	if !Verify(att.Signature, Message(att.DepositID), v.BLSPubKey) {
		return ErrInvalidSignature
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.sets[att.DepositID]
	if !ok {
		set = make(map[common.Address]*Attestation)
		l.sets[att.DepositID] = set
	}

	if _, seen := set[att.Validator]; seen {
		return ErrDuplicateSigner
	}

	set[att.Validator] = att

	if err := l.persist(att); err != nil {
		return fmt.Errorf("persist attestation:\n%w", err)
	}

	logger.Debug("attestation recorded",
		"deposit", fmt.Sprintf("%x", att.DepositID[:8]),
		"validator", att.Validator.Hex(),
		"signers", len(set),
	)

	return nil
}

// ThresholdMet reports whether the deposit has enough distinct
// attesters. Pure and idempotent.
func (l *Ledger) ThresholdMet(depositID [32]byte) bool {
	l.mu.RLock()
	set := l.sets[depositID]
	l.mu.RUnlock()

	if len(set) == 0 {
		return false
	}

	switch l.cfg.Mode {
	case ThresholdCount:
		return len(set) >= l.cfg.MinCount
	case ThresholdStake:
		attested := uint64(0)
		for addr := range set {
			v, err := l.reg.Get(addr)
			if err != nil || !v.Active {
				continue
			}
			attested += v.Stake
		}

		total := l.reg.TotalActiveStake()
		if total == 0 {
			return false
		}

		// attested/total >= thresholdBps. Widened so source-chain
		// stake scales (1e18 and up) cannot overflow the products.
		lhs := new(uint256.Int).Mul(uint256.NewInt(attested), uint256.NewInt(10000))
		rhs := new(uint256.Int).Mul(uint256.NewInt(total), uint256.NewInt(l.cfg.ThresholdBps))

		return !lhs.Lt(rhs)
	default:
		return false
	}
}

// SignerCount returns the number of distinct attesters for a deposit.
func (l *Ledger) SignerCount(depositID [32]byte) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.sets[depositID])
}

// AggregateProof builds an aggregated attestation proof for a deposit.
// Returns an error if no attestations exist or aggregation fails.
func (l *Ledger) AggregateProof(depositID [32]byte) (*Proof, error) {
	l.mu.RLock()
	set := l.sets[depositID]

	signers := make([]common.Address, 0, len(set))
	sigs := make([][]byte, 0, len(set))

	for addr, att := range set {
		signers = append(signers, addr)
		sigs = append(sigs, att.Signature)
	}
	l.mu.RUnlock()

	if len(sigs) == 0 {
		return nil, fmt.Errorf("no attestations for deposit %x", depositID[:8])
	}

	aggregated, err := AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate attestations:\n%w", err)
	}

	return &Proof{
		DepositID: depositID,
		Signers:   signers,
		Signature: aggregated,
	}, nil
}

// VerifyProof checks an aggregated proof against the registry's BLS keys.
func (l *Ledger) VerifyProof(p *Proof) bool {
	pubkeys := make([][]byte, 0, len(p.Signers))

	for _, addr := range p.Signers {
		v, err := l.reg.Get(addr)
		if err != nil {
			return false
		}
		pubkeys = append(pubkeys, v.BLSPubKey)
	}

	return VerifyAggregated(p.Signature, Message(p.DepositID), pubkeys)
}

// persist writes one attestation record.
// Key: "att:" + depositID + validator. Value: timestamp, nonce, signature.
func (l *Ledger) persist(att *Attestation) error {
	if l.db == nil {
		return nil
	}

	key := make([]byte, 0, len(attestationKeyPrefix)+32+common.AddressLength)
	key = append(key, attestationKeyPrefix...)
	key = append(key, att.DepositID[:]...)
	key = append(key, att.Validator[:]...)

	value := make([]byte, 8+8+BLSSignatureSize)
	binary.LittleEndian.PutUint64(value[0:8], uint64(att.Timestamp))
	binary.LittleEndian.PutUint64(value[8:16], att.Nonce)
	copy(value[16:], att.Signature)

	return l.db.Set(key, value)
}

// load restores all persisted attestations.
func (l *Ledger) load() error {
	if l.db == nil {
		return nil
	}

	return l.db.IteratePrefix(attestationKeyPrefix, func(key, value []byte) error {
		if len(key) != len(attestationKeyPrefix)+32+common.AddressLength {
			return nil
		}

		if len(value) != 8+8+BLSSignatureSize {
			return fmt.Errorf("invalid attestation record length: %d", len(value))
		}

		var depositID [32]byte
		copy(depositID[:], key[len(attestationKeyPrefix):len(attestationKeyPrefix)+32])

		var addr common.Address
		copy(addr[:], key[len(attestationKeyPrefix)+32:])

		sig := make([]byte, BLSSignatureSize)
		copy(sig, value[16:])

		att := &Attestation{
			DepositID: depositID,
			Validator: addr,
			Timestamp: int64(binary.LittleEndian.Uint64(value[0:8])),
			Nonce:     binary.LittleEndian.Uint64(value[8:16]),
			Signature: sig,
		}

		set, ok := l.sets[depositID]
		if !ok {
			set = make(map[common.Address]*Attestation)
			l.sets[depositID] = set
		}

		set[addr] = att

		return nil
	})
}
