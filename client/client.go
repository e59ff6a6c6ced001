// Package client is a typed HTTP client for a tao20 node, plus a wallet
// that produces the signed payloads the node expects.
package client

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"tao20/internal/api"
	"tao20/internal/consensus"
	"tao20/internal/queue"
	"tao20/internal/signing"
)

// Client connects to a tao20 node via HTTP.
type Client struct {
	nodeAddr    string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	keeperToken string // keeperToken authenticates keeper endpoints, may be empty
}

// New creates a client connected to a node.
func New(nodeAddr string) *Client {
	return &Client{nodeAddr: nodeAddr}
}

// NewKeeper creates a client authorized for keeper endpoints.
func NewKeeper(nodeAddr, keeperToken string) *Client {
	return &Client{nodeAddr: nodeAddr, keeperToken: keeperToken}
}

// SubmitOutcome is the node's response to a NAV submission.
type SubmitOutcome struct {
	Outcome string                 `json:"outcome"`
	Reason  string                 `json:"reason"`
	Result  *api.NAVResultResponse `json:"result"`
}

// SubmitNAV sends a signed NAV submission to the node.
func (c *Client) SubmitNAV(sub *consensus.Submission) (*SubmitOutcome, error) {
	req := api.NAVSubmissionRequest{
		Validator:         sub.Validator.Hex(),
		NAVPerToken:       sub.NAVPerToken.String(),
		TotalValue:        sub.TotalValue.String(),
		TotalSupply:       sub.TotalSupply.String(),
		Timestamp:         sub.Timestamp,
		SourceBlockHeight: sub.SourceBlockHeight,
		CalculationHash:   sub.CalculationHash.Hex(),
		Confidence:        sub.Confidence,
		Nonce:             sub.Nonce,
		Signature:         hexWithPrefix(sub.Signature),
	}

	var out SubmitOutcome
	if err := httpPostJSON(c.url("/nav/submit"), "", req, &out); err != nil {
		return nil, fmt.Errorf("submit nav:\n%w", err)
	}

	return &out, nil
}

// CurrentNAV fetches the active consensus NAV.
func (c *Client) CurrentNAV() (*api.NAVResultResponse, error) {
	var out api.NAVResultResponse
	if err := httpGet(c.url("/nav/current"), &out); err != nil {
		return nil, fmt.Errorf("current nav:\n%w", err)
	}

	return &out, nil
}

// SubmitAttestation sends a BLS deposit attestation to the node.
func (c *Client) SubmitAttestation(depositID [32]byte, validator common.Address, timestamp int64, nonce uint64, signature []byte) error {
	req := api.AttestationRequest{
		DepositID: hexWithPrefix(depositID[:]),
		Validator: validator.Hex(),
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: hexWithPrefix(signature),
	}

	if err := httpPostJSON(c.url("/attestation/submit"), "", req, nil); err != nil {
		return fmt.Errorf("submit attestation:\n%w", err)
	}

	return nil
}

// ClaimMint sends a signed mint claim for an attested deposit.
func (c *Client) ClaimMint(ref *queue.DepositReference, claim *queue.Claim) (*api.QueueItemResponse, error) {
	req := api.MintClaimRequest{
		SourceBlockHash: hexWithPrefix(ref.SourceBlockHash[:]),
		ExtrinsicIndex:  ref.ExtrinsicIndex,
		DepositorKey:    hexWithPrefix(ref.DepositorKey[:]),
		AssetID:         ref.AssetID,
		Amount:          ref.Amount.String(),
		Claimer:         claim.Claimer.Hex(),
		DepositID:       hexWithPrefix(claim.DepositID[:]),
		Nonce:           claim.Nonce,
		ExpiresAt:       claim.ExpiresAt,
		Signature:       hexWithPrefix(claim.Signature),
	}

	var out api.QueueItemResponse
	if err := httpPostJSON(c.url("/mint/claim"), "", req, &out); err != nil {
		return nil, fmt.Errorf("claim mint:\n%w", err)
	}

	return &out, nil
}

// ExecuteBatch triggers keeper batch execution for up to maxItems mints.
func (c *Client) ExecuteBatch(maxItems int) (*api.BatchReportResponse, error) {
	req := api.BatchExecuteRequest{MaxItems: maxItems}

	var out api.BatchReportResponse
	if err := httpPostJSON(c.url("/batch/execute"), c.keeperToken, req, &out); err != nil {
		return nil, fmt.Errorf("execute batch:\n%w", err)
	}

	return &out, nil
}

// Redeem sends a signed redemption order.
func (c *Client) Redeem(order *queue.RedeemOrder) error {
	req := api.RedeemRequest{
		Holder:    order.Holder.Hex(),
		Amount:    order.Amount.String(),
		Dest:      hexWithPrefix(order.Dest[:]),
		ExpiresAt: order.ExpiresAt,
		Signature: hexWithPrefix(order.Signature),
	}

	if err := httpPostJSON(c.url("/redeem"), "", req, nil); err != nil {
		return fmt.Errorf("redeem:\n%w", err)
	}

	return nil
}

// Status fetches the node's monitoring summary.
func (c *Client) Status() (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := httpGet(c.url("/status"), &out); err != nil {
		return nil, fmt.Errorf("status:\n%w", err)
	}

	return &out, nil
}

// Validators fetches the registered validator set.
func (c *Client) Validators() ([]api.ValidatorResponse, error) {
	var out []api.ValidatorResponse
	if err := httpGet(c.url("/validators"), &out); err != nil {
		return nil, fmt.Errorf("validators:\n%w", err)
	}

	return out, nil
}

// Snapshot downloads a compressed state snapshot.
func (c *Client) Snapshot() ([]byte, error) {
	data, err := httpGetBytes(c.url("/snapshot"))
	if err != nil {
		return nil, fmt.Errorf("snapshot:\n%w", err)
	}

	return data, nil
}

// url builds a full endpoint URL.
func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}

// Wallet holds a secp256k1 keypair and the signing domain, and produces
// the signed payloads the node verifies.
type Wallet struct {
	key    *ecdsa.PrivateKey // key is the secp256k1 private key
	domain signing.Domain    // domain scopes every signature to one deployment
}

// NewWallet creates a wallet with a fresh keypair.
func NewWallet(domain signing.Domain) (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return &Wallet{key: key, domain: domain}, nil
}

// WalletFromHex restores a wallet from a hex-encoded private key.
func WalletFromHex(hexKey string, domain signing.Domain) (*Wallet, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse key:\n%w", err)
	}

	return &Wallet{key: key, domain: domain}, nil
}

// Address returns the wallet's address.
func (w *Wallet) Address() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

// SignSubmission fills in the submission's signature over its current
// fields and nonce.
func (w *Wallet) SignSubmission(sub *consensus.Submission) error {
	digest := consensus.SubmissionDigest(w.domain, sub, sub.Nonce)

	sig, err := signing.Sign(digest, w.key)
	if err != nil {
		return fmt.Errorf("sign submission:\n%w", err)
	}

	sub.Signature = sig

	return nil
}

// SignClaim fills in the claim's signature.
func (w *Wallet) SignClaim(claim *queue.Claim) error {
	digest := queue.ClaimDigest(w.domain, claim)

	sig, err := signing.Sign(digest, w.key)
	if err != nil {
		return fmt.Errorf("sign claim:\n%w", err)
	}

	claim.Signature = sig

	return nil
}

// SignRedeemOrder fills in the order's signature.
func (w *Wallet) SignRedeemOrder(order *queue.RedeemOrder) error {
	digest := queue.RedeemOrderDigest(w.domain, order)

	sig, err := signing.Sign(digest, w.key)
	if err != nil {
		return fmt.Errorf("sign redeem order:\n%w", err)
	}

	order.Signature = sig

	return nil
}

// hexWithPrefix renders bytes in the 0x form the API expects.
func hexWithPrefix(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
