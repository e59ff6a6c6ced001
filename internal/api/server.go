// Package api exposes the node's HTTP surface: NAV submission and
// queries, deposit attestations, mint claims, keeper batch execution,
// redemption, validator administration, snapshots and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/attestation"
	"tao20/internal/consensus"
	"tao20/internal/logger"
	"tao20/internal/metrics"
	"tao20/internal/queue"
	"tao20/internal/registry"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// keeperTokenHeader carries the shared secret gating keeper and
	// admin endpoints.
	keeperTokenHeader = "X-Keeper-Token"

	// defaultBatchSize is used when a batch request does not set maxItems.
	defaultBatchSize = 100
)

// NAVService accepts NAV submissions and serves consensus results.
type NAVService interface {
	SubmitNAV(sub *consensus.Submission) (consensus.Outcome, error)
	CurrentNAV() (consensus.Result, error)
	History() []consensus.Result
	EmergencyUpdate(nav *uint256.Int) (consensus.Result, error)
}

// AttestationService records deposit attestations and serves proofs.
type AttestationService interface {
	SubmitAttestation(att *attestation.Attestation) error
	SignerCount(depositID [32]byte) int
	ThresholdMet(depositID [32]byte) bool
	AggregateProof(depositID [32]byte) (*attestation.Proof, error)
}

// MintService finalizes claims, executes batches and redeems.
type MintService interface {
	ClaimMint(ref *queue.DepositReference, claim *queue.Claim) (*queue.QueueItem, error)
	ExecuteBatch(maxItems int) (*queue.BatchReport, error)
	RedeemSigned(order *queue.RedeemOrder) error
	Item(depositID [32]byte) (queue.QueueItem, bool)
}

// ValidatorAdmin manages the validator set.
type ValidatorAdmin interface {
	AddValidator(addr common.Address, blsPubKey []byte, stake uint64) error
	RemoveValidator(addr common.Address) error
	UpdateStake(addr common.Address, stake uint64) error
	Validators() []registry.Validator
}

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	ActiveValidators() int
	TotalActiveStake() uint64
	TotalSupply() *uint256.Int
	TotalBacking() *uint256.Int
	LiquidReserve() *uint256.Int
	PendingMints() int
	PeerCount() int
}

// SnapshotProvider produces a compressed state snapshot.
type SnapshotProvider interface {
	Snapshot() ([]byte, error)
}

// Server is the HTTP API server.
type Server struct {
	addr        string             // addr is the HTTP listen address
	keeperToken string             // keeperToken gates keeper and admin endpoints
	nav         NAVService         // nav handles NAV submissions and queries
	atts        AttestationService // atts handles deposit attestations
	mint        MintService        // mint handles claims, batches and redemptions
	admin       ValidatorAdmin     // admin manages the validator set
	status      StatusProvider     // status provides node state for monitoring
	snapshots   SnapshotProvider   // snapshots serves state snapshots
	server      *http.Server       // server is the underlying HTTP server
}

// Config holds the server configuration.
type Config struct {
	Addr        string // Addr is the HTTP listen address
	KeeperToken string // KeeperToken gates keeper and admin endpoints
}

// New creates a new HTTP API server.
func New(cfg Config, nav NAVService, atts AttestationService, mint MintService, admin ValidatorAdmin, status StatusProvider, snapshots SnapshotProvider) *Server {
	return &Server{
		addr:        cfg.Addr,
		keeperToken: cfg.KeeperToken,
		nav:         nav,
		atts:        atts,
		mint:        mint,
		admin:       admin,
		status:      status,
		snapshots:   snapshots,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /nav/submit", s.handleSubmitNAV)
	mux.HandleFunc("GET /nav/current", s.handleCurrentNAV)
	mux.HandleFunc("GET /nav/history", s.handleNAVHistory)
	mux.HandleFunc("POST /nav/emergency", s.keeperOnly(s.handleEmergencyNAV))

	mux.HandleFunc("POST /attestation/submit", s.handleSubmitAttestation)
	mux.HandleFunc("GET /attestation/{depositId}", s.handleAttestationStatus)
	mux.HandleFunc("GET /attestation/{depositId}/proof", s.handleAttestationProof)

	mux.HandleFunc("POST /mint/claim", s.handleMintClaim)
	mux.HandleFunc("GET /mint/{depositId}", s.handleMintItem)
	mux.HandleFunc("POST /batch/execute", s.keeperOnly(s.handleExecuteBatch))
	mux.HandleFunc("POST /redeem", s.handleRedeem)

	mux.HandleFunc("GET /validators", s.handleListValidators)
	mux.HandleFunc("POST /admin/validators", s.keeperOnly(s.handleAddValidator))
	mux.HandleFunc("DELETE /admin/validators/{addr}", s.keeperOnly(s.handleRemoveValidator))
	mux.HandleFunc("PUT /admin/validators/{addr}/stake", s.keeperOnly(s.handleUpdateStake))

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// keeperOnly wraps a handler with keeper token authentication.
func (s *Server) keeperOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.keeperToken == "" {
			writeError(w, http.StatusForbidden, "keeper endpoints disabled")
			return
		}

		token := r.Header.Get(keeperTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.keeperToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid keeper token")
			return
		}

		next(w, r)
	}
}

// handleSubmitNAV handles POST /nav/submit requests.
func (s *Server) handleSubmitNAV(w http.ResponseWriter, r *http.Request) {
	var req NAVSubmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sub, err := req.Submission()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.nav.SubmitNAV(sub)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	resp := map[string]any{
		"outcome": outcome.Kind.String(),
	}

	switch outcome.Kind {
	case consensus.OutcomeFinalized:
		resp["result"] = resultResponse(*outcome.Result)
	case consensus.OutcomeBlocked:
		resp["reason"] = outcome.Reason
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// handleCurrentNAV handles GET /nav/current requests.
func (s *Server) handleCurrentNAV(w http.ResponseWriter, r *http.Request) {
	result, err := s.nav.CurrentNAV()
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resultResponse(result))
}

// handleNAVHistory handles GET /nav/history requests.
func (s *Server) handleNAVHistory(w http.ResponseWriter, r *http.Request) {
	history := s.nav.History()

	out := make([]NAVResultResponse, len(history))
	for i, result := range history {
		out[i] = resultResponse(result)
	}

	writeJSON(w, http.StatusOK, out)
}

// handleEmergencyNAV handles POST /nav/emergency requests.
func (s *Server) handleEmergencyNAV(w http.ResponseWriter, r *http.Request) {
	var req EmergencyNAVRequest
	if !decodeBody(w, r, &req) {
		return
	}

	nav, err := parseU256(req.NAV)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.nav.EmergencyUpdate(nav)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resultResponse(result))
}

// handleSubmitAttestation handles POST /attestation/submit requests.
func (s *Server) handleSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var req AttestationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	att, err := req.Attestation()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.atts.SubmitAttestation(att); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"signers":      s.atts.SignerCount(att.DepositID),
		"thresholdMet": s.atts.ThresholdMet(att.DepositID),
	})
}

// handleAttestationStatus handles GET /attestation/{depositId} requests.
func (s *Server) handleAttestationStatus(w http.ResponseWriter, r *http.Request) {
	depositID, ok := pathHash32(w, r, "depositId")
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"depositId":    hexEncode(depositID[:]),
		"signers":      s.atts.SignerCount(depositID),
		"thresholdMet": s.atts.ThresholdMet(depositID),
	})
}

// handleAttestationProof handles GET /attestation/{depositId}/proof requests.
func (s *Server) handleAttestationProof(w http.ResponseWriter, r *http.Request) {
	depositID, ok := pathHash32(w, r, "depositId")
	if !ok {
		return
	}

	proof, err := s.atts.AggregateProof(depositID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	signers := make([]string, len(proof.Signers))
	for i, addr := range proof.Signers {
		signers[i] = addr.Hex()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"depositId": hexEncode(proof.DepositID[:]),
		"signers":   signers,
		"signature": hexEncode(proof.Signature),
	})
}

// handleMintClaim handles POST /mint/claim requests.
func (s *Server) handleMintClaim(w http.ResponseWriter, r *http.Request) {
	var req MintClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ref, claim, err := req.Parts()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, err := s.mint.ClaimMint(ref, claim)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, itemResponse(*item))
}

// handleMintItem handles GET /mint/{depositId} requests.
func (s *Server) handleMintItem(w http.ResponseWriter, r *http.Request) {
	depositID, ok := pathHash32(w, r, "depositId")
	if !ok {
		return
	}

	item, found := s.mint.Item(depositID)
	if !found {
		writeError(w, http.StatusNotFound, "no queue item for deposit")
		return
	}

	writeJSON(w, http.StatusOK, itemResponse(item))
}

// handleExecuteBatch handles POST /batch/execute requests.
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	maxItems := req.MaxItems
	if maxItems <= 0 {
		maxItems = defaultBatchSize
	}

	report, err := s.mint.ExecuteBatch(maxItems)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, BatchReportResponse{
		Executed: report.Executed,
		Expired:  report.Expired,
		NAV:      report.NAV.String(),
		Minted:   report.Minted.String(),
	})
}

// handleRedeem handles POST /redeem requests.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	order, err := req.Order()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.mint.RedeemSigned(order); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "redeemed",
	})
}

// handleListValidators handles GET /validators requests.
func (s *Server) handleListValidators(w http.ResponseWriter, r *http.Request) {
	validators := s.admin.Validators()

	out := make([]ValidatorResponse, len(validators))
	for i, v := range validators {
		out[i] = ValidatorResponse{
			Address:   v.Address.Hex(),
			BLSPubKey: hexEncode(v.BLSPubKey),
			Stake:     v.Stake,
			Active:    v.Active,
			Nonce:     v.Nonce,
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// handleAddValidator handles POST /admin/validators requests.
func (s *Server) handleAddValidator(w http.ResponseWriter, r *http.Request) {
	var req ValidatorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	addr, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	blsKey, err := parseHexBytes(req.BLSPubKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("blsPubKey: %v", err))
		return
	}

	if err := s.admin.AddValidator(addr, blsKey, req.Stake); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"address": addr.Hex(),
	})
}

// handleRemoveValidator handles DELETE /admin/validators/{addr} requests.
func (s *Server) handleRemoveValidator(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.admin.RemoveValidator(addr); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.Hex(),
	})
}

// handleUpdateStake handles PUT /admin/validators/{addr}/stake requests.
func (s *Server) handleUpdateStake(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req ValidatorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.admin.UpdateStake(addr, req.Stake); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"stake":   req.Stake,
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		ActiveValidators: s.status.ActiveValidators(),
		TotalActiveStake: s.status.TotalActiveStake(),
		TotalSupply:      s.status.TotalSupply().String(),
		TotalBacking:     s.status.TotalBacking().String(),
		LiquidReserve:    s.status.LiquidReserve().String(),
		PendingMints:     s.status.PendingMints(),
		Peers:            s.status.PeerCount(),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleSnapshot handles GET /snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshots not available")
		return
	}

	data, err := s.snapshots.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// decodeBody decodes a JSON request body, writing the error response
// itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}

	return true
}

// pathHash32 extracts a 32-byte hex path value, writing the error
// response itself on failure.
func pathHash32(w http.ResponseWriter, r *http.Request, name string) ([32]byte, bool) {
	id, err := parseHash32(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", name, err))
		return [32]byte{}, false
	}

	return id, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
