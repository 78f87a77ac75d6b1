package x402

import (
	"context"
)

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms
type SchemeNetworkFacilitator interface {
	Scheme() string

	// CaipFamily returns the CAIP family pattern this facilitator supports.
	// Used to group signers by blockchain family in the supported response.
	CaipFamily() string

	// GetExtra returns mechanism-specific extra data for the supported kinds endpoint.
	// Returns nil when the mechanism has nothing to advertise for the network.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the relayer addresses that submit transactions on the network.
	GetSigners(network Network) []string

	// Verify checks the payload without side effects on chain or ledger state.
	// A non-nil error is an infrastructure fault; protocol rejections come back
	// as an invalid response with a nil error.
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)

	// Settle re-verifies, consumes the payment nonce and submits the transfer on chain.
	// Error semantics match Verify.
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorClient is the network boundary of a facilitator. Both the local
// X402Facilitator and the HTTP client implement it.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
