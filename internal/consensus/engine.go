// Package consensus implements the NAV consensus engine: signed NAV
// submissions from staked validators are grouped by calculation epoch,
// weighted by stake and self-reported confidence, and published as the
// current NAV once stake-weighted quorum and deviation bounds hold.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/logger"
	"tao20/internal/registry"
	"tao20/internal/signing"
	"tao20/internal/storage"
)

var (
	// resultKeyPrefix is the Pebble key prefix for finalized results.
	resultKeyPrefix = []byte("nav:")

	// currentNAVKey is the Pebble key holding the promoted current NAV.
	currentNAVKey = []byte("meta:nav:current")
)

var (
	// ErrUnknownValidator is returned for submissions from unregistered
	// or inactive validators.
	ErrUnknownValidator = errors.New("unknown or inactive validator")

	// ErrFutureTimestamp is returned when a submission timestamp is
	// ahead of local time.
	ErrFutureTimestamp = errors.New("submission timestamp in the future")

	// ErrSubmissionTooOld is returned when a submission is older than
	// the configured maximum age.
	ErrSubmissionTooOld = errors.New("submission too old")

	// ErrConfidenceRange is returned when a confidence score exceeds
	// Precision.
	ErrConfidenceRange = errors.New("confidence score out of range")

	// ErrFutureSourceHeight is returned when a submission references a
	// source block height beyond the observed head.
	ErrFutureSourceHeight = errors.New("source block height ahead of observed head")

	// ErrBadNonce is returned when a submission's nonce does not match
	// the validator's expected next nonce. Replays of an already
	// accepted submission always fail with this error.
	ErrBadNonce = errors.New("nonce mismatch")

	// ErrDuplicateSubmission is returned when a validator submits a
	// second time to a calculation bucket that has not resolved yet.
	ErrDuplicateSubmission = errors.New("validator already submitted this calculation")

	// ErrInvalidSignature is returned when the signature does not
	// recover to the claimed validator.
	ErrInvalidSignature = errors.New("invalid submission signature")

	// ErrInvalidNAV is returned for a zero or missing NAV value.
	ErrInvalidNAV = errors.New("nav must be positive")

	// ErrAlreadyFinalized is returned for submissions to a calculation
	// hash that has already reached consensus.
	ErrAlreadyFinalized = errors.New("calculation already finalized")

	// ErrNoNAV is returned when no NAV has ever been published.
	ErrNoNAV = errors.New("no nav published")

	// ErrStaleNAV is returned when the current NAV is older than the
	// configured maximum price age.
	ErrStaleNAV = errors.New("current nav is stale")
)

// Engine is the NAV consensus engine.
// All submission handling is serialized by a single mutex, so a
// submission either fully lands (nonce advanced, bucket updated,
// consensus attempted) or not at all.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	domain signing.Domain
	reg    *registry.Registry
	db     *storage.Storage

	buckets      map[common.Hash][]*Submission // open submissions per calculation hash
	finalized    map[common.Hash]*Result
	history      []*Result
	current      *Result
	sourceHeight uint64

	onFinalize func(*Result)

	now func() time.Time // clock, replaceable in tests
}

// New creates an engine, loading any persisted consensus history.
func New(cfg Config, domain signing.Domain, reg *registry.Registry, db *storage.Storage) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consensus config:\n%w", err)
	}

	e := &Engine{
		cfg:       cfg,
		domain:    domain,
		reg:       reg,
		db:        db,
		buckets:   make(map[common.Hash][]*Submission),
		finalized: make(map[common.Hash]*Result),
		now:       time.Now,
	}

	if err := e.load(); err != nil {
		return nil, fmt.Errorf("load consensus history:\n%w", err)
	}

	return e, nil
}

// SetOnFinalize registers a hook called after each finalized result.
// The hook runs with the engine lock held and must not call back in.
func (e *Engine) SetOnFinalize(fn func(*Result)) {
	e.mu.Lock()
	e.onFinalize = fn
	e.mu.Unlock()
}

// SetClock replaces the engine's time source with a deterministic one.
func (e *Engine) SetClock(fn func() time.Time) {
	e.mu.Lock()
	e.now = fn
	e.mu.Unlock()
}

// SetSourceHeight records the latest observed source chain height.
// Submissions referencing heights beyond it are rejected.
func (e *Engine) SetSourceHeight(height uint64) {
	e.mu.Lock()
	if height > e.sourceHeight {
		e.sourceHeight = height
	}
	e.mu.Unlock()
}

// SubmitNAV validates and records a signed NAV submission, then attempts
// consensus for its calculation hash. A validation failure leaves no
// state behind; an accepted submission always advances the validator's
// nonce even if quorum is not yet reached.
func (e *Engine) SubmitNAV(sub *Submission) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(sub); err != nil {
		return Outcome{}, err
	}

	if err := e.reg.AdvanceNonce(sub.Validator); err != nil {
		return Outcome{}, fmt.Errorf("advance nonce:\n%w", err)
	}

	e.buckets[sub.CalculationHash] = append(e.buckets[sub.CalculationHash], sub)

	logger.Debug("nav submission accepted",
		"validator", sub.Validator.Hex(),
		"calc", sub.CalculationHash.Hex(),
		"nav", sub.NAVPerToken.String(),
		"confidence", sub.Confidence,
	)

	return e.tryConsensus(sub.CalculationHash), nil
}

// validate checks a submission against the rules in force. No state is
// modified.
func (e *Engine) validate(sub *Submission) error {
	if _, done := e.finalized[sub.CalculationHash]; done {
		return ErrAlreadyFinalized
	}

	v, err := e.reg.Get(sub.Validator)
	if err != nil || !v.Active || v.Stake == 0 {
		return ErrUnknownValidator
	}

	if sub.NAVPerToken == nil || sub.NAVPerToken.IsZero() {
		return ErrInvalidNAV
	}

	now := e.now().Unix()
	if sub.Timestamp > now {
		return ErrFutureTimestamp
	}

	if now-sub.Timestamp > int64(e.cfg.MaxSubmissionAge.Seconds()) {
		return ErrSubmissionTooOld
	}

	if sub.Confidence > Precision {
		return ErrConfidenceRange
	}

	if e.sourceHeight > 0 && sub.SourceBlockHeight > e.sourceHeight {
		return ErrFutureSourceHeight
	}

	if sub.Nonce != v.Nonce {
		return ErrBadNonce
	}

	// The expected nonce is bound into the digest, so a stale signature
	// can never pass even if the nonce field above were forged.
	digest := SubmissionDigest(e.domain, sub, v.Nonce)

	signer, err := signing.RecoverAddress(digest, sub.Signature)
	if err != nil || signer != sub.Validator {
		return ErrInvalidSignature
	}

	// One submission per validator per open bucket. Even a freshly
	// signed resubmission with the advanced nonce is rejected until the
	// bucket resolves: accepted values must not be replaceable.
	for _, prev := range e.buckets[sub.CalculationHash] {
		if prev.Validator == sub.Validator {
			return ErrDuplicateSubmission
		}
	}

	return nil
}

// tryConsensus attempts to finalize the bucket for the given hash.
// Caller holds the engine lock.
func (e *Engine) tryConsensus(calc common.Hash) Outcome {
	bucket := e.buckets[calc]

	if len(bucket) < e.cfg.MinValidators {
		return Outcome{Kind: OutcomeAccumulating}
	}

	totalStake := uint64(0)
	for _, s := range bucket {
		v, err := e.reg.Get(s.Validator)
		if err != nil {
			continue
		}
		totalStake += v.Stake
	}

	totalActive := e.reg.TotalActiveStake()
	if totalActive == 0 {
		return Outcome{Kind: OutcomeAccumulating}
	}

	// Stake-weighted quorum: participating/total >= threshold bps.
	lhs := new(uint256.Int).Mul(uint256.NewInt(totalStake), uint256.NewInt(bpsDenominator))
	rhs := new(uint256.Int).Mul(uint256.NewInt(totalActive), uint256.NewInt(e.cfg.ThresholdBps))

	if lhs.Lt(rhs) {
		return Outcome{Kind: OutcomeAccumulating}
	}

	nav, confAvg, ok := e.weightedConsensus(bucket, totalStake)
	if !ok {
		return Outcome{Kind: OutcomeBlocked, Reason: "zero aggregate weight"}
	}

	// Outlier veto: one deviating submission blocks the whole attempt.
	// A silently excluded outlier would let a colluding majority narrow
	// the mean unnoticed, so disagreement must surface instead.
	for _, s := range bucket {
		if deviationExceeded(s.NAVPerToken, nav, e.cfg.MaxDeviationBps) {
			logger.Warn("consensus blocked by outlier",
				"calc", calc.Hex(),
				"validator", s.Validator.Hex(),
				"submitted", s.NAVPerToken.String(),
				"consensus", nav.String(),
			)

			return Outcome{
				Kind:   OutcomeBlocked,
				Reason: fmt.Sprintf("submission from %s deviates beyond %d bps", s.Validator.Hex(), e.cfg.MaxDeviationBps),
			}
		}
	}

	result := &Result{
		CalculationHash:    calc,
		NAV:                nav,
		ParticipatingStake: totalStake,
		ConfidenceAvg:      confAvg,
		ValidatorCount:     len(bucket),
		FinalizedAt:        e.now().Unix(),
	}

	e.finalize(result)
	delete(e.buckets, calc)

	return Outcome{Kind: OutcomeFinalized, Result: result}
}

// weightedConsensus computes the stake-and-confidence weighted mean NAV
// and the stake-weighted mean confidence over the bucket.
func (e *Engine) weightedConsensus(bucket []*Submission, totalStake uint64) (*uint256.Int, uint64, bool) {
	navNum := new(uint256.Int)
	weightSum := new(uint256.Int)
	confNum := new(uint256.Int)

	for _, s := range bucket {
		v, err := e.reg.Get(s.Validator)
		if err != nil {
			continue
		}

		stake := uint256.NewInt(v.Stake)

		// weight = stake * confidence / Precision
		weight := new(uint256.Int).Mul(stake, uint256.NewInt(s.Confidence))
		weight.Div(weight, precision)

		navNum.Add(navNum, new(uint256.Int).Mul(s.NAVPerToken, weight))
		weightSum.Add(weightSum, weight)

		confNum.Add(confNum, new(uint256.Int).Mul(stake, uint256.NewInt(s.Confidence)))
	}

	if weightSum.IsZero() || totalStake == 0 {
		return nil, 0, false
	}

	nav := new(uint256.Int).Div(navNum, weightSum)
	confAvg := new(uint256.Int).Div(confNum, uint256.NewInt(totalStake))

	return nav, confAvg.Uint64(), true
}

// deviationExceeded reports whether value deviates from center by more
// than maxBps basis points. Computed multiplicatively to avoid rounding.
func deviationExceeded(value, center *uint256.Int, maxBps uint64) bool {
	diff := new(uint256.Int)
	if value.Gt(center) {
		diff.Sub(value, center)
	} else {
		diff.Sub(center, value)
	}

	lhs := new(uint256.Int).Mul(diff, uint256.NewInt(bpsDenominator))
	rhs := new(uint256.Int).Mul(center, uint256.NewInt(maxBps))

	return lhs.Gt(rhs)
}

// finalize records a result and promotes it to the current NAV.
// Caller holds the engine lock.
func (e *Engine) finalize(result *Result) {
	e.finalized[result.CalculationHash] = result
	e.history = append(e.history, result)

	// CurrentNAV timestamp is monotonically non-decreasing.
	if e.current == nil || result.FinalizedAt >= e.current.FinalizedAt {
		e.current = result
	}

	e.persist(result)

	logger.Info("nav consensus finalized",
		"calc", result.CalculationHash.Hex(),
		"nav", result.NAV.String(),
		"stake", result.ParticipatingStake,
		"validators", result.ValidatorCount,
		"emergency", result.Emergency,
	)

	if e.onFinalize != nil {
		e.onFinalize(result)
	}
}

// CurrentNAV returns the active NAV result.
// Fails rather than silently returning stale data.
func (e *Engine) CurrentNAV() (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return Result{}, ErrNoNAV
	}

	if e.now().Unix()-e.current.FinalizedAt > int64(e.cfg.MaxPriceAge.Seconds()) {
		return Result{}, ErrStaleNAV
	}

	return *e.current, nil
}

// EmergencyUpdate publishes a NAV without consensus. The privileged
// escape hatch for a stuck quorum: the result carries half confidence
// and an emergency marker so downstream consumers can tell it apart.
func (e *Engine) EmergencyUpdate(nav *uint256.Int) (Result, error) {
	if nav == nil || nav.IsZero() {
		return Result{}, ErrInvalidNAV
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().Unix()

	result := &Result{
		CalculationHash:    emergencyHash(nav, now),
		NAV:                new(uint256.Int).Set(nav),
		ConfidenceAvg:      Precision / 2,
		ValidatorCount:     0,
		ParticipatingStake: 0,
		FinalizedAt:        now,
		Emergency:          true,
	}

	logger.Warn("EMERGENCY nav override", "nav", nav.String())

	e.finalize(result)

	return *result, nil
}

// PendingCount returns the number of open submissions for a hash.
func (e *Engine) PendingCount(calc common.Hash) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.buckets[calc])
}

// History returns finalized results ordered by finalization time.
func (e *Engine) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Result, len(e.history))
	for i, r := range e.history {
		out[i] = *r
	}

	return out
}

// persist writes a finalized result and the current NAV pointer.
// Caller holds the engine lock.
func (e *Engine) persist(result *Result) {
	if e.db == nil {
		return
	}

	key := make([]byte, 0, len(resultKeyPrefix)+common.HashLength)
	key = append(key, resultKeyPrefix...)
	key = append(key, result.CalculationHash.Bytes()...)

	encoded := encodeResult(result)

	pairs := []storage.KeyValue{{Key: key, Value: encoded}}
	if e.current == result {
		pairs = append(pairs, storage.KeyValue{Key: currentNAVKey, Value: encoded})
	}

	if err := e.db.SetBatch(pairs); err != nil {
		logger.Error("persist consensus result", "error", err)
	}
}

// load restores finalized results and the current NAV from storage.
func (e *Engine) load() error {
	if e.db == nil {
		return nil
	}

	err := e.db.IteratePrefix(resultKeyPrefix, func(key, value []byte) error {
		result, err := decodeResult(value)
		if err != nil {
			return err
		}

		e.finalized[result.CalculationHash] = result
		e.history = append(e.history, result)

		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(e.history, func(i, j int) bool {
		return e.history[i].FinalizedAt < e.history[j].FinalizedAt
	})

	current, err := e.db.Get(currentNAVKey)
	if err != nil {
		return err
	}

	if current != nil {
		result, err := decodeResult(current)
		if err != nil {
			return err
		}
		e.current = result
	}

	return nil
}
