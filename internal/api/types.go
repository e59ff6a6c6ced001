package api

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tao20/internal/attestation"
	"tao20/internal/consensus"
	"tao20/internal/queue"
)

// NAVSubmissionRequest is the wire form of a signed NAV submission.
// Fixed-point amounts travel as decimal strings, byte fields as hex.
type NAVSubmissionRequest struct {
	Validator         string `json:"validator"`
	NAVPerToken       string `json:"navPerToken"`
	TotalValue        string `json:"totalValue"`
	TotalSupply       string `json:"totalSupply"`
	Timestamp         int64  `json:"timestamp"`
	SourceBlockHeight uint64 `json:"sourceBlockHeight"`
	CalculationHash   string `json:"calculationHash"`
	Confidence        uint64 `json:"confidence"`
	Nonce             uint64 `json:"nonce"`
	Signature         string `json:"signature"`
}

// Submission converts the request into a consensus submission.
func (r *NAVSubmissionRequest) Submission() (*consensus.Submission, error) {
	validator, err := parseAddress(r.Validator)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	nav, err := parseU256(r.NAVPerToken)
	if err != nil {
		return nil, fmt.Errorf("navPerToken: %w", err)
	}

	totalValue, err := parseU256(r.TotalValue)
	if err != nil {
		return nil, fmt.Errorf("totalValue: %w", err)
	}

	totalSupply, err := parseU256(r.TotalSupply)
	if err != nil {
		return nil, fmt.Errorf("totalSupply: %w", err)
	}

	calc, err := parseHash32(r.CalculationHash)
	if err != nil {
		return nil, fmt.Errorf("calculationHash: %w", err)
	}

	sig, err := parseHexBytes(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	return &consensus.Submission{
		Validator:         validator,
		NAVPerToken:       nav,
		TotalValue:        totalValue,
		TotalSupply:       totalSupply,
		Timestamp:         r.Timestamp,
		SourceBlockHeight: r.SourceBlockHeight,
		CalculationHash:   common.Hash(calc),
		Confidence:        r.Confidence,
		Nonce:             r.Nonce,
		Signature:         sig,
	}, nil
}

// NAVResultResponse is the wire form of a finalized consensus result.
type NAVResultResponse struct {
	CalculationHash    string `json:"calculationHash"`
	NAV                string `json:"nav"`
	ParticipatingStake uint64 `json:"participatingStake"`
	ConfidenceAvg      uint64 `json:"confidenceAvg"`
	ValidatorCount     int    `json:"validatorCount"`
	FinalizedAt        int64  `json:"finalizedAt"`
	Emergency          bool   `json:"emergency"`
}

// resultResponse converts a consensus result to its wire form.
func resultResponse(r consensus.Result) NAVResultResponse {
	return NAVResultResponse{
		CalculationHash:    r.CalculationHash.Hex(),
		NAV:                r.NAV.String(),
		ParticipatingStake: r.ParticipatingStake,
		ConfidenceAvg:      r.ConfidenceAvg,
		ValidatorCount:     r.ValidatorCount,
		FinalizedAt:        r.FinalizedAt,
		Emergency:          r.Emergency,
	}
}

// AttestationRequest is the wire form of a deposit attestation.
type AttestationRequest struct {
	DepositID string `json:"depositId"`
	Validator string `json:"validator"`
	Timestamp int64  `json:"timestamp"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// Attestation converts the request into a ledger attestation.
func (r *AttestationRequest) Attestation() (*attestation.Attestation, error) {
	depositID, err := parseHash32(r.DepositID)
	if err != nil {
		return nil, fmt.Errorf("depositId: %w", err)
	}

	validator, err := parseAddress(r.Validator)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	sig, err := parseHexBytes(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	return &attestation.Attestation{
		DepositID: depositID,
		Validator: validator,
		Timestamp: r.Timestamp,
		Nonce:     r.Nonce,
		Signature: sig,
	}, nil
}

// MintClaimRequest carries a deposit reference and the signed claim
// against it.
type MintClaimRequest struct {
	SourceBlockHash string `json:"sourceBlockHash"`
	ExtrinsicIndex  uint32 `json:"extrinsicIndex"`
	DepositorKey    string `json:"depositorKey"`
	AssetID         uint16 `json:"assetId"`
	Amount          string `json:"amount"`

	Claimer   string `json:"claimer"`
	DepositID string `json:"depositId"`
	Nonce     uint64 `json:"nonce"`
	ExpiresAt int64  `json:"expiresAt"`
	Signature string `json:"signature"`
}

// Parts converts the request into a deposit reference and claim.
func (r *MintClaimRequest) Parts() (*queue.DepositReference, *queue.Claim, error) {
	blockHash, err := parseHash32(r.SourceBlockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("sourceBlockHash: %w", err)
	}

	depositor, err := parseHash32(r.DepositorKey)
	if err != nil {
		return nil, nil, fmt.Errorf("depositorKey: %w", err)
	}

	amount, err := parseU256(r.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("amount: %w", err)
	}

	claimer, err := parseAddress(r.Claimer)
	if err != nil {
		return nil, nil, fmt.Errorf("claimer: %w", err)
	}

	depositID, err := parseHash32(r.DepositID)
	if err != nil {
		return nil, nil, fmt.Errorf("depositId: %w", err)
	}

	sig, err := parseHexBytes(r.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("signature: %w", err)
	}

	ref := &queue.DepositReference{
		SourceBlockHash: blockHash,
		ExtrinsicIndex:  r.ExtrinsicIndex,
		DepositorKey:    depositor,
		AssetID:         r.AssetID,
		Amount:          amount,
	}

	claim := &queue.Claim{
		Claimer:   claimer,
		DepositID: depositID,
		Nonce:     r.Nonce,
		ExpiresAt: r.ExpiresAt,
		Signature: sig,
	}

	return ref, claim, nil
}

// QueueItemResponse is the wire form of a queued mint.
type QueueItemResponse struct {
	DepositID     string `json:"depositId"`
	Claimer       string `json:"claimer"`
	AssetID       uint16 `json:"assetId"`
	DepositAmount string `json:"depositAmount"`
	MintAmount    string `json:"mintAmount"`
	NAVAtClaim    string `json:"navAtClaim"`
	EnqueuedAt    int64  `json:"enqueuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
	Status        string `json:"status"`
}

// itemResponse converts a queue item to its wire form.
func itemResponse(item queue.QueueItem) QueueItemResponse {
	return QueueItemResponse{
		DepositID:     hexEncode(item.DepositID[:]),
		Claimer:       item.Claimer.Hex(),
		AssetID:       item.AssetID,
		DepositAmount: item.DepositAmount.String(),
		MintAmount:    item.MintAmount.String(),
		NAVAtClaim:    item.NAVAtClaim.String(),
		EnqueuedAt:    item.EnqueuedAt,
		ExpiresAt:     item.ExpiresAt,
		Status:        item.Status.String(),
	}
}

// BatchExecuteRequest triggers keeper batch execution.
type BatchExecuteRequest struct {
	MaxItems int `json:"maxItems"`
}

// BatchReportResponse is the wire form of a batch execution report.
type BatchReportResponse struct {
	Executed int    `json:"executed"`
	Expired  int    `json:"expired"`
	NAV      string `json:"nav"`
	Minted   string `json:"minted"`
}

// RedeemRequest is the wire form of a signed redemption order.
type RedeemRequest struct {
	Holder    string `json:"holder"`
	Amount    string `json:"amount"`
	Dest      string `json:"dest"`
	ExpiresAt int64  `json:"expiresAt"`
	Signature string `json:"signature"`
}

// Order converts the request into a redemption order.
func (r *RedeemRequest) Order() (*queue.RedeemOrder, error) {
	holder, err := parseAddress(r.Holder)
	if err != nil {
		return nil, fmt.Errorf("holder: %w", err)
	}

	amount, err := parseU256(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	dest, err := parseHash32(r.Dest)
	if err != nil {
		return nil, fmt.Errorf("dest: %w", err)
	}

	sig, err := parseHexBytes(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	return &queue.RedeemOrder{
		Holder:    holder,
		Amount:    amount,
		Dest:      dest,
		ExpiresAt: r.ExpiresAt,
		Signature: sig,
	}, nil
}

// EmergencyNAVRequest carries a privileged NAV override.
type EmergencyNAVRequest struct {
	NAV string `json:"nav"`
}

// ValidatorRequest adds or updates a validator.
type ValidatorRequest struct {
	Address   string `json:"address"`
	BLSPubKey string `json:"blsPubKey"`
	Stake     uint64 `json:"stake"`
}

// ValidatorResponse is the wire form of a registered validator.
type ValidatorResponse struct {
	Address   string `json:"address"`
	BLSPubKey string `json:"blsPubKey"`
	Stake     uint64 `json:"stake"`
	Active    bool   `json:"active"`
	Nonce     uint64 `json:"nonce"`
}

// StatusResponse summarizes node state for monitoring.
type StatusResponse struct {
	ActiveValidators int    `json:"activeValidators"`
	TotalActiveStake uint64 `json:"totalActiveStake"`
	TotalSupply      string `json:"totalSupply"`
	TotalBacking     string `json:"totalBacking"`
	LiquidReserve    string `json:"liquidReserve"`
	PendingMints     int    `json:"pendingMints"`
	Peers            int    `json:"peers"`
}

// parseAddress decodes a 0x-prefixed 20-byte address.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}

	return common.HexToAddress(s), nil
}

// parseHash32 decodes a hex-encoded 32-byte value.
func parseHash32(s string) ([32]byte, error) {
	var out [32]byte

	raw, err := parseHexBytes(s)
	if err != nil {
		return out, err
	}

	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}

	copy(out[:], raw)

	return out, nil
}

// parseHexBytes decodes a hex string with optional 0x prefix.
func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	return raw, nil
}

// parseU256 decodes a decimal string into a positive 256-bit integer.
func parseU256(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	return v, nil
}

// hexEncode renders bytes with the 0x prefix used across responses.
func hexEncode(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
