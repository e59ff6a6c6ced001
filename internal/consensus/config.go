package consensus

import (
	"fmt"
	"time"
)

// Config holds the consensus engine parameters. Each bound exists to
// keep the quorum reachable and meaningful; Validate rejects values
// outside them.
type Config struct {
	// MinValidators is the minimum number of distinct submitters before
	// a consensus attempt is made.
	MinValidators int

	// ThresholdBps is the stake-weighted quorum in basis points of
	// total active stake. Must be in [5000, 10000].
	ThresholdBps uint64

	// MaxDeviationBps is the maximum deviation of any single submission
	// from the weighted mean before the whole attempt is vetoed.
	MaxDeviationBps uint64

	// MaxSubmissionAge is how old a submission timestamp may be.
	MaxSubmissionAge time.Duration

	// MaxPriceAge is how old the current NAV may be before
	// price-dependent reads fail.
	MaxPriceAge time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinValidators:    3,
		ThresholdBps:     6667,
		MaxDeviationBps:  1500,
		MaxSubmissionAge: 5 * time.Minute,
		MaxPriceAge:      15 * time.Minute,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.MinValidators < 1 {
		return fmt.Errorf("minValidators must be at least 1, got %d", c.MinValidators)
	}

	if c.ThresholdBps < 5000 || c.ThresholdBps > bpsDenominator {
		return fmt.Errorf("thresholdBps must be in [5000, 10000], got %d", c.ThresholdBps)
	}

	if c.MaxDeviationBps == 0 || c.MaxDeviationBps > bpsDenominator {
		return fmt.Errorf("maxDeviationBps must be in (0, 10000], got %d", c.MaxDeviationBps)
	}

	if c.MaxSubmissionAge <= 0 {
		return fmt.Errorf("maxSubmissionAge must be positive")
	}

	if c.MaxPriceAge <= 0 {
		return fmt.Errorf("maxPriceAge must be positive")
	}

	return nil
}
