package x402

import (
	"errors"
	"fmt"
)

// Reason codes returned in VerifyResponse.InvalidReason and SettleResponse.ErrorReason.
// These are protocol rejections, not system faults.
const (
	ReasonInvalidSignature             = "InvalidSignature"
	ReasonExpired                      = "Expired"
	ReasonNonceUsed                    = "NonceUsed"
	ReasonInsufficientBalance          = "InsufficientBalance"
	ReasonInsufficientPaymentAmount    = "InsufficientPaymentAmount"
	ReasonUntrustedDelegate            = "UntrustedDelegate"
	ReasonInvalidPayload               = "InvalidPayload"
	ReasonChainIDMismatch              = "ChainIdMismatch"
	ReasonRecipientMismatch            = "RecipientMismatch"
	ReasonAssetMismatch                = "AssetMismatch"
	ReasonAcceptedRequirementsMismatch = "AcceptedRequirementsMismatch"
	ReasonTransactionSimulationFailed  = "TransactionSimulationFailed"
	ReasonTransactionReverted          = "TransactionReverted"

	// Routing rejections
	ReasonUnsupportedScheme = "UnsupportedScheme"
	ReasonNetworkMismatch   = "NetworkMismatch"
)

// Infrastructure faults. These never appear as reason codes.
var (
	ErrMalformedNetwork   = errors.New("malformed network identifier")
	ErrChainNotRegistered = errors.New("chain not registered")
	ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")
	ErrReceiptTimeout     = errors.New("timed out waiting for transaction receipt")
	ErrUnsupportedScheme  = errors.New("no facilitator registered for scheme and network")
	ErrDelegateNotSet     = errors.New("no delegate contract configured")
)

// FacilitatorError wraps an infrastructure fault with the context an operator needs
// to reconcile it. Transaction is set when a transaction was broadcast before the fault.
type FacilitatorError struct {
	Op          string
	Network     Network
	Payer       string
	Transaction string
	Err         error
}

func (e *FacilitatorError) Error() string {
	msg := fmt.Sprintf("%s on %s", e.Op, e.Network)
	if e.Payer != "" {
		msg += " payer=" + e.Payer
	}
	if e.Transaction != "" {
		msg += " tx=" + e.Transaction
	}
	return msg + ": " + e.Err.Error()
}

func (e *FacilitatorError) Unwrap() error {
	return e.Err
}

// NewFacilitatorError creates a FacilitatorError
func NewFacilitatorError(op string, network Network, err error) *FacilitatorError {
	return &FacilitatorError{
		Op:      op,
		Network: network,
		Err:     err,
	}
}

// IsReasonCode reports whether s is one of the protocol rejection codes
func IsReasonCode(s string) bool {
	switch s {
	case ReasonInvalidSignature, ReasonExpired, ReasonNonceUsed, ReasonInsufficientBalance,
		ReasonInsufficientPaymentAmount, ReasonUntrustedDelegate, ReasonInvalidPayload,
		ReasonChainIDMismatch, ReasonRecipientMismatch, ReasonAssetMismatch,
		ReasonAcceptedRequirementsMismatch, ReasonTransactionSimulationFailed,
		ReasonTransactionReverted, ReasonUnsupportedScheme, ReasonNetworkMismatch:
		return true
	}
	return false
}
