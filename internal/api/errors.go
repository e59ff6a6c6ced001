package api

import (
	"errors"
	"net/http"

	"tao20/internal/attestation"
	"tao20/internal/consensus"
	"tao20/internal/queue"
	"tao20/internal/registry"
	"tao20/internal/staking"
	"tao20/internal/token"
)

// errorStatus maps domain errors to HTTP status codes. Anything not
// recognized is treated as an internal error.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, consensus.ErrUnknownValidator),
		errors.Is(err, attestation.ErrUnknownValidator):
		return http.StatusForbidden

	case errors.Is(err, consensus.ErrBadNonce),
		errors.Is(err, consensus.ErrInvalidSignature),
		errors.Is(err, consensus.ErrInvalidNAV),
		errors.Is(err, consensus.ErrFutureTimestamp),
		errors.Is(err, consensus.ErrSubmissionTooOld),
		errors.Is(err, consensus.ErrConfidenceRange),
		errors.Is(err, consensus.ErrFutureSourceHeight),
		errors.Is(err, attestation.ErrInvalidSignature),
		errors.Is(err, queue.ErrInvalidClaimSignature),
		errors.Is(err, queue.ErrDepositMismatch),
		errors.Is(err, queue.ErrZeroDeposit),
		errors.Is(err, registry.ErrInvalidStake),
		errors.Is(err, registry.ErrBLSPubKeySize),
		errors.Is(err, token.ErrZeroAmount):
		return http.StatusBadRequest

	case errors.Is(err, consensus.ErrAlreadyFinalized),
		errors.Is(err, consensus.ErrDuplicateSubmission),
		errors.Is(err, attestation.ErrDuplicateSigner),
		errors.Is(err, queue.ErrAlreadyClaimed),
		errors.Is(err, queue.ErrSlippageExceeded),
		errors.Is(err, registry.ErrDuplicateValidator):
		return http.StatusConflict

	case errors.Is(err, queue.ErrClaimExpired):
		return http.StatusGone

	case errors.Is(err, queue.ErrAttestationInsufficient):
		return http.StatusPreconditionFailed

	case errors.Is(err, queue.ErrDepositNotFound),
		errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, staking.ErrInsufficientBacking):
		return http.StatusUnprocessableEntity

	case errors.Is(err, consensus.ErrNoNAV),
		errors.Is(err, consensus.ErrStaleNAV):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
