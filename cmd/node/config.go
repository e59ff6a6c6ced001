package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 transport key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 transport key.
	PrivateKey ed25519.PrivateKey

	// Peers are the QUIC addresses to connect to at startup.
	Peers []string

	// KeeperToken gates keeper and admin HTTP endpoints.
	KeeperToken string

	// GenesisPath is the path to the genesis validator file.
	GenesisPath string

	// ChainID scopes signatures to one deployment.
	ChainID uint64

	// EngineAddress is the verifying engine address bound into the
	// signing domain, hex encoded.
	EngineAddress string

	// MinValidators is the minimum submitter count for NAV consensus.
	MinValidators int

	// ThresholdBps is the NAV consensus stake quorum in basis points.
	ThresholdBps uint64

	// MaxDeviationBps is the NAV outlier veto bound in basis points.
	MaxDeviationBps uint64

	// MaxSubmissionAge is how old a NAV submission may be.
	MaxSubmissionAge time.Duration

	// MaxPriceAge is how long a finalized NAV stays usable.
	MaxPriceAge time.Duration

	// AttestationBps is the deposit attestation stake threshold.
	AttestationBps uint64

	// MaxSlippageBps is the batch execution slippage ceiling.
	MaxSlippageBps uint64

	// ItemTTL is how long a queued mint stays executable.
	ItemTTL time.Duration

	// BackingAssetID is the asset backing the index.
	BackingAssetID uint

	// StakeFractionBps is the deposit fraction routed to staking.
	StakeFractionBps uint64

	// InitialNAV seeds the price at first boot, as a 1e18 fixed-point
	// decimal string. Empty means no seed.
	InitialNAV string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	var peers string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 transport key path (generates new if missing)")
	flag.StringVar(&peers, "peers", "", "Comma-separated peer QUIC addresses")
	flag.StringVar(&cfg.KeeperToken, "keeper-token", "", "Shared secret for keeper and admin endpoints")
	flag.StringVar(&cfg.GenesisPath, "genesis", "", "Genesis validator file path")
	flag.Uint64Var(&cfg.ChainID, "chain-id", 1, "Signing domain chain ID")
	flag.StringVar(&cfg.EngineAddress, "engine", "", "Signing domain engine address (hex)")
	flag.IntVar(&cfg.MinValidators, "min-validators", 3, "Minimum submitters for NAV consensus")
	flag.Uint64Var(&cfg.ThresholdBps, "threshold-bps", 6667, "NAV consensus stake quorum in bps")
	flag.Uint64Var(&cfg.MaxDeviationBps, "max-deviation-bps", 1500, "NAV outlier veto bound in bps")
	flag.DurationVar(&cfg.MaxSubmissionAge, "max-submission-age", 5*time.Minute, "Maximum NAV submission age")
	flag.DurationVar(&cfg.MaxPriceAge, "max-price-age", 15*time.Minute, "Maximum current NAV age")
	flag.Uint64Var(&cfg.AttestationBps, "attestation-bps", 6667, "Deposit attestation stake threshold in bps")
	flag.Uint64Var(&cfg.MaxSlippageBps, "max-slippage-bps", 100, "Batch execution slippage ceiling in bps")
	flag.DurationVar(&cfg.ItemTTL, "item-ttl", time.Hour, "Queued mint execution window")
	flag.UintVar(&cfg.BackingAssetID, "backing-asset", 0, "Backing asset ID (netuid)")
	flag.Uint64Var(&cfg.StakeFractionBps, "stake-fraction-bps", 8000, "Deposit fraction routed to staking in bps")
	flag.StringVar(&cfg.InitialNAV, "initial-nav", "", "Initial NAV seed, 1e18 fixed-point decimal")
	flag.Parse()

	if peers != "" {
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Peers = append(cfg.Peers, p)
			}
		}
	}

	return cfg
}

// Validate checks the bounds flag parsing cannot express.
func (c *Config) Validate() error {
	if c.BackingAssetID > 0xFFFF {
		return fmt.Errorf("backing-asset must fit in 16 bits, got %d", c.BackingAssetID)
	}

	if c.StakeFractionBps > 10000 {
		return fmt.Errorf("stake-fraction-bps must be at most 10000, got %d", c.StakeFractionBps)
	}

	return nil
}

// loadOrGenerateTransportKey loads the Ed25519 key from file or
// generates a new one.
func loadOrGenerateTransportKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}

		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate key:\n%w", genErr)
		}

		if writeErr := os.WriteFile(keyPath, priv, 0600); writeErr != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", keyPath, writeErr)
		}

		return priv, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}
