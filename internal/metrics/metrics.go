// Package metrics exposes prometheus counters and gauges for the NAV
// pipeline. Everything registers on the default registry and is served
// by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SubmissionsAccepted counts accepted NAV submissions.
	SubmissionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_nav_submissions_accepted_total",
		Help: "NAV submissions accepted by the consensus engine",
	})

	// SubmissionsRejected counts rejected NAV submissions.
	SubmissionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_nav_submissions_rejected_total",
		Help: "NAV submissions rejected at validation",
	})

	// ConsensusFinalized counts finalized consensus rounds.
	ConsensusFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_nav_consensus_finalized_total",
		Help: "NAV consensus rounds finalized",
	})

	// ConsensusBlocked counts consensus attempts vetoed by an outlier.
	ConsensusBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_nav_consensus_blocked_total",
		Help: "NAV consensus attempts blocked by deviation outliers",
	})

	// AttestationsRecorded counts accepted deposit attestations.
	AttestationsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_attestations_recorded_total",
		Help: "Deposit attestations recorded",
	})

	// ClaimsFinalized counts finalized mint claims.
	ClaimsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_mint_claims_finalized_total",
		Help: "Mint claims finalized and enqueued",
	})

	// MintsExecuted counts minted queue items.
	MintsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_mints_executed_total",
		Help: "Queue items minted in batch execution",
	})

	// Redemptions counts completed redemptions.
	Redemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tao20_redemptions_total",
		Help: "Completed redemptions",
	})

	// CurrentNAV tracks the last published NAV as a float.
	CurrentNAV = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tao20_current_nav",
		Help: "Last published NAV per token (1.0 = 1e18 fixed point)",
	})

	// LiquidReserveRatio tracks liquid reserve over total backing.
	LiquidReserveRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tao20_liquid_reserve_ratio",
		Help: "Liquid reserve divided by total backing value",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
