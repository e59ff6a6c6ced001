package api

import (
	"encoding/json"
	"fmt"

	"tao20/internal/attestation"
	"tao20/internal/consensus"
)

// EncodeSubmission renders a submission in its wire JSON form, shared by
// the HTTP surface and peer gossip.
func EncodeSubmission(sub *consensus.Submission) ([]byte, error) {
	req := NAVSubmissionRequest{
		Validator:         sub.Validator.Hex(),
		NAVPerToken:       sub.NAVPerToken.String(),
		TotalValue:        sub.TotalValue.String(),
		TotalSupply:       sub.TotalSupply.String(),
		Timestamp:         sub.Timestamp,
		SourceBlockHeight: sub.SourceBlockHeight,
		CalculationHash:   sub.CalculationHash.Hex(),
		Confidence:        sub.Confidence,
		Nonce:             sub.Nonce,
		Signature:         hexEncode(sub.Signature),
	}

	return json.Marshal(req)
}

// DecodeSubmission parses wire JSON back into a submission.
func DecodeSubmission(data []byte) (*consensus.Submission, error) {
	var req NAVSubmissionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}

	return req.Submission()
}

// EncodeAttestation renders an attestation in its wire JSON form.
func EncodeAttestation(att *attestation.Attestation) ([]byte, error) {
	req := AttestationRequest{
		DepositID: hexEncode(att.DepositID[:]),
		Validator: att.Validator.Hex(),
		Timestamp: att.Timestamp,
		Nonce:     att.Nonce,
		Signature: hexEncode(att.Signature),
	}

	return json.Marshal(req)
}

// DecodeAttestation parses wire JSON back into an attestation.
func DecodeAttestation(data []byte) (*attestation.Attestation, error) {
	var req AttestationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode attestation: %w", err)
	}

	return req.Attestation()
}
