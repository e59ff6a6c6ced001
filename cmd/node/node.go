package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/api"
	"tao20/internal/attestation"
	"tao20/internal/consensus"
	"tao20/internal/gossip"
	"tao20/internal/logger"
	"tao20/internal/metrics"
	"tao20/internal/oracle"
	"tao20/internal/queue"
	"tao20/internal/registry"
	"tao20/internal/signing"
	"tao20/internal/snapshot"
	"tao20/internal/staking"
	"tao20/internal/storage"
	"tao20/internal/token"
)

// navScale converts a 1e18 fixed-point NAV into a float gauge value.
const navScale = 1e18

// Node represents a running tao20 node.
type Node struct {
	cfg     *Config
	domain  signing.Domain
	storage *storage.Storage
	reg     *registry.Registry
	admin   *registry.Admin
	engine  *consensus.Engine
	ledger  *attestation.Ledger
	orc     oracle.Oracle
	policy  *staking.Manager
	tok     *token.Ledger
	queue   *queue.Queue
	gossip  *gossip.Node
	api     *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	n.domain = signing.Domain{
		Name:    "TAO20-CORE",
		Version: "1",
		ChainID: cfg.ChainID,
		Engine:  common.HexToAddress(cfg.EngineAddress),
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initRegistry(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initConsensus(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initAttestation(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initPipeline(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initGossip(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initRegistry initializes the validator registry and applies genesis.
func (n *Node) initRegistry() error {
	reg, admin, err := registry.New(n.storage)
	if err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}

	n.reg = reg
	n.admin = admin

	if n.cfg.GenesisPath != "" {
		if err := n.loadGenesis(n.cfg.GenesisPath); err != nil {
			return fmt.Errorf("load genesis:\n%w", err)
		}
	}

	return nil
}

// initConsensus initializes the NAV consensus engine.
func (n *Node) initConsensus() error {
	cfg := consensus.Config{
		MinValidators:    n.cfg.MinValidators,
		ThresholdBps:     n.cfg.ThresholdBps,
		MaxDeviationBps:  n.cfg.MaxDeviationBps,
		MaxSubmissionAge: n.cfg.MaxSubmissionAge,
		MaxPriceAge:      n.cfg.MaxPriceAge,
	}

	engine, err := consensus.New(cfg, n.domain, n.reg, n.storage)
	if err != nil {
		return fmt.Errorf("init consensus:\n%w", err)
	}

	engine.SetOnFinalize(func(result *consensus.Result) {
		metrics.ConsensusFinalized.Inc()
		metrics.CurrentNAV.Set(result.NAV.Float64() / navScale)
	})

	n.engine = engine

	return nil
}

// initAttestation initializes the deposit attestation ledger.
func (n *Node) initAttestation() error {
	cfg := attestation.Config{
		Mode:         attestation.ThresholdStake,
		ThresholdBps: n.cfg.AttestationBps,
		MinCount:     2,
	}

	ledger, err := attestation.New(cfg, n.reg, n.storage)
	if err != nil {
		return fmt.Errorf("init attestation ledger:\n%w", err)
	}

	n.ledger = ledger

	return nil
}

// initPipeline initializes the token ledger, staking policy and mint
// queue. The source chain adapter is the in-process oracle; a production
// deployment swaps in one backed by chain RPC.
func (n *Node) initPipeline() error {
	n.orc = oracle.NewMock()

	policy, err := staking.New(n.cfg.StakeFractionBps, n.orc, n.storage)
	if err != nil {
		return fmt.Errorf("init staking policy:\n%w", err)
	}

	tok, err := token.NewLedger(n.storage)
	if err != nil {
		return fmt.Errorf("init token ledger:\n%w", err)
	}

	cfg := queue.Config{
		MaxSlippageBps: n.cfg.MaxSlippageBps,
		ItemTTL:        n.cfg.ItemTTL,
		BackingAssetID: uint16(n.cfg.BackingAssetID),
	}

	q, err := queue.New(cfg, n.domain, n.engine, n.ledger, policy, tok, n.orc, n.storage)
	if err != nil {
		return fmt.Errorf("init mint queue:\n%w", err)
	}

	n.policy = policy
	n.tok = tok
	n.queue = q

	return nil
}

// initGossip initializes the P2P gossip node.
func (n *Node) initGossip() error {
	node, err := gossip.NewNode(gossip.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init gossip:\n%w", err)
	}

	n.gossip = node

	return nil
}

// Run starts the node and blocks until shutdown.
func (n *Node) Run() error {
	if err := n.gossip.Start(); err != nil {
		return fmt.Errorf("start gossip:\n%w", err)
	}

	n.setupGossipHandlers()
	n.connectPeers()

	if err := n.seedInitialNAV(); err != nil {
		return fmt.Errorf("seed initial nav:\n%w", err)
	}

	n.api = api.New(
		api.Config{Addr: n.cfg.HTTPAddress, KeeperToken: n.cfg.KeeperToken},
		n, n, n, n, n, n,
	)

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close releases all node resources.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.gossip != nil {
		n.gossip.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}

// connectPeers dials the configured peer addresses.
func (n *Node) connectPeers() {
	for _, addr := range n.cfg.Peers {
		if _, err := n.gossip.Connect(addr); err != nil {
			logger.Warn("peer connect failed", "addr", addr, "error", err)
			continue
		}

		logger.Info("connected to peer", "addr", addr)
	}
}

// seedInitialNAV publishes the configured NAV seed if no NAV exists yet.
func (n *Node) seedInitialNAV() error {
	if n.cfg.InitialNAV == "" {
		return nil
	}

	if _, err := n.engine.CurrentNAV(); !errors.Is(err, consensus.ErrNoNAV) {
		return nil
	}

	nav, err := uint256.FromDecimal(n.cfg.InitialNAV)
	if err != nil {
		return fmt.Errorf("parse initial nav %q:\n%w", n.cfg.InitialNAV, err)
	}

	if _, err := n.engine.EmergencyUpdate(nav); err != nil {
		return err
	}

	return nil
}

// setupGossipHandlers registers the peer message and request handlers.
func (n *Node) setupGossipHandlers() {
	n.gossip.OnMessage(func(peer *gossip.Peer, kind byte, payload []byte) {
		switch kind {
		case gossip.KindSubmission:
			n.handleGossipSubmission(payload)
		case gossip.KindAttestation:
			n.handleGossipAttestation(payload)
		}
	})

	n.gossip.OnRequest(func(peer *gossip.Peer, kind byte, payload []byte) ([]byte, error) {
		if kind != gossip.KindSnapshot {
			return nil, fmt.Errorf("unknown request kind %d", kind)
		}

		return snapshot.Create(n.storage)
	})
}

// handleGossipSubmission applies a relayed NAV submission.
func (n *Node) handleGossipSubmission(payload []byte) {
	sub, err := api.DecodeSubmission(payload)
	if err != nil {
		logger.Debug("bad gossiped submission", "error", err)
		return
	}

	if _, err := n.SubmitNAV(sub); err != nil {
		logger.Debug("gossiped submission rejected", "error", err)
	}
}

// handleGossipAttestation applies a relayed deposit attestation.
func (n *Node) handleGossipAttestation(payload []byte) {
	att, err := api.DecodeAttestation(payload)
	if err != nil {
		logger.Debug("bad gossiped attestation", "error", err)
		return
	}

	if err := n.SubmitAttestation(att); err != nil {
		logger.Debug("gossiped attestation rejected", "error", err)
	}
}

// SubmitNAV applies a submission locally and relays it to peers.
func (n *Node) SubmitNAV(sub *consensus.Submission) (consensus.Outcome, error) {
	outcome, err := n.engine.SubmitNAV(sub)
	if err != nil {
		metrics.SubmissionsRejected.Inc()
		return outcome, err
	}

	metrics.SubmissionsAccepted.Inc()

	if outcome.Kind == consensus.OutcomeBlocked {
		metrics.ConsensusBlocked.Inc()
	}

	n.relaySubmission(sub)

	return outcome, nil
}

// CurrentNAV returns the active consensus NAV.
func (n *Node) CurrentNAV() (consensus.Result, error) {
	return n.engine.CurrentNAV()
}

// History returns finalized consensus results.
func (n *Node) History() []consensus.Result {
	return n.engine.History()
}

// EmergencyUpdate publishes a privileged NAV override.
func (n *Node) EmergencyUpdate(nav *uint256.Int) (consensus.Result, error) {
	return n.engine.EmergencyUpdate(nav)
}

// SubmitAttestation records an attestation locally and relays it.
func (n *Node) SubmitAttestation(att *attestation.Attestation) error {
	if err := n.ledger.Submit(att); err != nil {
		return err
	}

	metrics.AttestationsRecorded.Inc()
	n.relayAttestation(att)

	return nil
}

// SignerCount returns the distinct attester count for a deposit.
func (n *Node) SignerCount(depositID [32]byte) int {
	return n.ledger.SignerCount(depositID)
}

// ThresholdMet reports whether a deposit has enough attesters.
func (n *Node) ThresholdMet(depositID [32]byte) bool {
	return n.ledger.ThresholdMet(depositID)
}

// AggregateProof builds an aggregated attestation proof.
func (n *Node) AggregateProof(depositID [32]byte) (*attestation.Proof, error) {
	return n.ledger.AggregateProof(depositID)
}

// ClaimMint finalizes a mint claim against an attested deposit.
func (n *Node) ClaimMint(ref *queue.DepositReference, claim *queue.Claim) (*queue.QueueItem, error) {
	item, err := n.queue.ClaimMint(ref, claim)
	if err != nil {
		return nil, err
	}

	metrics.ClaimsFinalized.Inc()

	return item, nil
}

// ExecuteBatch executes pending mints under keeper authority.
func (n *Node) ExecuteBatch(maxItems int) (*queue.BatchReport, error) {
	report, err := n.queue.ExecuteBatch(maxItems)
	if err != nil {
		return nil, err
	}

	metrics.MintsExecuted.Add(float64(report.Executed))
	n.updateReserveGauge()

	return report, nil
}

// RedeemSigned verifies and executes a redemption order.
func (n *Node) RedeemSigned(order *queue.RedeemOrder) error {
	if err := n.queue.RedeemSigned(order); err != nil {
		return err
	}

	metrics.Redemptions.Inc()
	n.updateReserveGauge()

	return nil
}

// Item returns the queue item for a deposit, if any.
func (n *Node) Item(depositID [32]byte) (queue.QueueItem, bool) {
	return n.queue.Item(depositID)
}

// AddValidator registers a validator.
func (n *Node) AddValidator(addr common.Address, blsPubKey []byte, stake uint64) error {
	return n.admin.AddValidator(addr, blsPubKey, stake)
}

// RemoveValidator deactivates a validator.
func (n *Node) RemoveValidator(addr common.Address) error {
	return n.admin.RemoveValidator(addr)
}

// UpdateStake changes a validator's stake.
func (n *Node) UpdateStake(addr common.Address, stake uint64) error {
	return n.admin.UpdateStake(addr, stake)
}

// Validators returns the registered validator set.
func (n *Node) Validators() []registry.Validator {
	return n.reg.Validators()
}

// ActiveValidators returns the active validator count.
func (n *Node) ActiveValidators() int {
	return n.reg.ActiveCount()
}

// TotalActiveStake returns the total active stake.
func (n *Node) TotalActiveStake() uint64 {
	return n.reg.TotalActiveStake()
}

// TotalSupply returns the token supply.
func (n *Node) TotalSupply() *uint256.Int {
	return n.tok.TotalSupply()
}

// TotalBacking returns the total backing value.
func (n *Node) TotalBacking() *uint256.Int {
	return n.policy.TotalBacking()
}

// LiquidReserve returns the liquid backing reserve.
func (n *Node) LiquidReserve() *uint256.Int {
	return n.policy.LiquidReserve()
}

// PendingMints returns the number of mints awaiting execution.
func (n *Node) PendingMints() int {
	return n.queue.PendingCount()
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	if n.gossip == nil {
		return 0
	}

	return len(n.gossip.Peers())
}

// Snapshot produces a compressed state snapshot.
func (n *Node) Snapshot() ([]byte, error) {
	return snapshot.Create(n.storage)
}

// relaySubmission broadcasts an accepted submission to peers.
func (n *Node) relaySubmission(sub *consensus.Submission) {
	payload, err := api.EncodeSubmission(sub)
	if err != nil {
		logger.Error("encode submission for gossip", "error", err)
		return
	}

	if err := n.gossip.Broadcast(gossip.KindSubmission, payload); err != nil {
		logger.Debug("submission broadcast failed", "error", err)
	}
}

// relayAttestation broadcasts an accepted attestation to peers.
func (n *Node) relayAttestation(att *attestation.Attestation) {
	payload, err := api.EncodeAttestation(att)
	if err != nil {
		logger.Error("encode attestation for gossip", "error", err)
		return
	}

	if err := n.gossip.Broadcast(gossip.KindAttestation, payload); err != nil {
		logger.Debug("attestation broadcast failed", "error", err)
	}
}

// updateReserveGauge refreshes the liquid reserve ratio metric.
func (n *Node) updateReserveGauge() {
	backing := n.policy.TotalBacking()
	if backing.IsZero() {
		metrics.LiquidReserveRatio.Set(0)
		return
	}

	metrics.LiquidReserveRatio.Set(n.policy.LiquidReserve().Float64() / backing.Float64())
}
