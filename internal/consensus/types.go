package consensus

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/signing"
)

const (
	// Precision is the fixed-point scale for NAV values and confidence
	// scores: 1e18 represents 1.0.
	Precision = uint64(1_000_000_000_000_000_000)

	// bpsDenominator is the basis-point scale (10000 = 100%).
	bpsDenominator = uint64(10_000)

	// submissionTypeTag labels the NAV submission typed-data struct.
	submissionTypeTag = "TAO20NAVSubmission"
)

// precision is Precision as a 256-bit integer, shared by weight math.
var precision = uint256.NewInt(Precision)

// Submission is one validator's independently computed NAV report.
// Immutable once recorded. Submissions for the same underlying
// computation share a CalculationHash and are aggregated together.
type Submission struct {
	Validator         common.Address // Validator is the submitting identity
	NAVPerToken       *uint256.Int   // NAVPerToken is the reported NAV, 1e18 fixed point
	TotalValue        *uint256.Int   // TotalValue is the reported total backing value
	TotalSupply       *uint256.Int   // TotalSupply is the reported token supply
	Timestamp         int64          // Timestamp is the report time (unix seconds)
	SourceBlockHeight uint64         // SourceBlockHeight is the observed source chain height
	CalculationHash   common.Hash    // CalculationHash identifies the computation epoch
	Confidence        uint64         // Confidence is the self-reported score in [0, Precision]
	Nonce             uint64         // Nonce is the validator's anti-replay counter
	Signature         []byte         // Signature is the 65-byte recoverable signature
}

// SubmissionDigest computes the signable typed-data hash of a submission.
// The nonce is part of the signed payload, so a captured signature is
// useless once the validator's nonce has advanced.
func SubmissionDigest(d signing.Domain, s *Submission, nonce uint64) common.Hash {
	return signing.Digest(d, submissionTypeTag,
		signing.Addr(s.Validator),
		signing.U256(s.NAVPerToken),
		signing.U256(s.TotalValue),
		signing.U256(s.TotalSupply),
		signing.I64(s.Timestamp),
		signing.U64(s.SourceBlockHeight),
		s.CalculationHash.Bytes(),
		signing.U64(s.Confidence),
		signing.U64(nonce),
	)
}

// Result is a finalized consensus round. Created once per
// CalculationHash the first time quorum is reached, immutable afterward.
type Result struct {
	CalculationHash    common.Hash  // CalculationHash is the finalized epoch
	NAV                *uint256.Int // NAV is the stake-and-confidence weighted consensus value
	ParticipatingStake uint64       // ParticipatingStake is the total stake behind the result
	ConfidenceAvg      uint64       // ConfidenceAvg is the stake-weighted mean confidence
	ValidatorCount     int          // ValidatorCount is the number of submitters
	FinalizedAt        int64        // FinalizedAt is the finalization time (unix seconds)
	Emergency          bool         // Emergency marks a privileged override, not a consensus value
}

// OutcomeKind tags the result of a consensus attempt.
type OutcomeKind int

const (
	// OutcomeAccumulating means quorum has not been reached yet.
	// Not an error: the bucket stays open for more submissions.
	OutcomeAccumulating OutcomeKind = iota

	// OutcomeFinalized means consensus was reached and published.
	OutcomeFinalized

	// OutcomeBlocked means quorum was reached but an outlier submission
	// vetoed finalization. Operators must resolve the disagreement.
	OutcomeBlocked
)

// Outcome is the tagged result of a submission's consensus attempt.
type Outcome struct {
	Kind   OutcomeKind // Kind tags the outcome
	Result *Result     // Result is set when Kind is OutcomeFinalized
	Reason string      // Reason is set when Kind is OutcomeBlocked
}

// String returns a short label for the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccumulating:
		return "accumulating"
	case OutcomeFinalized:
		return "finalized"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}
