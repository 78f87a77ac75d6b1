package facilitator

import (
	"math/big"
	"strings"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

// matchAccepted checks the requirements snapshot a payload claims to satisfy.
// Only populated fields are compared; the accepted amount may exceed the required one.
func matchAccepted(accepted *x402.PaymentRequirements, requirements x402.PaymentRequirements) string {
	if accepted == nil {
		return ""
	}

	if accepted.Scheme != "" && accepted.Scheme != requirements.Scheme {
		return x402.ReasonAcceptedRequirementsMismatch
	}
	if accepted.Network != "" && accepted.Network != requirements.Network {
		return x402.ReasonAcceptedRequirementsMismatch
	}
	if accepted.Asset != "" && !strings.EqualFold(accepted.Asset, requirements.Asset) {
		return x402.ReasonAcceptedRequirementsMismatch
	}
	if accepted.PayTo != "" && !strings.EqualFold(accepted.PayTo, requirements.PayTo) {
		return x402.ReasonAcceptedRequirementsMismatch
	}
	if accepted.MaxTimeoutSeconds != 0 && accepted.MaxTimeoutSeconds != requirements.MaxTimeoutSeconds {
		return x402.ReasonAcceptedRequirementsMismatch
	}
	if accepted.Amount != "" {
		acceptedAmount, ok1 := new(big.Int).SetString(accepted.Amount, 10)
		requiredAmount, ok2 := new(big.Int).SetString(requirements.Amount, 10)
		if !ok1 || !ok2 || acceptedAmount.Cmp(requiredAmount) < 0 {
			return x402.ReasonAcceptedRequirementsMismatch
		}
	}
	return ""
}

// matchIntent compares a signed intent with the seller's requirements.
// The native coin is selected by the zero-address asset sentinel.
func matchIntent(intent evm.Intent, requirements x402.PaymentRequirements) string {
	if !evm.AddressEqual(intent.Recipient.Hex(), requirements.PayTo) {
		return x402.ReasonRecipientMismatch
	}

	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || required.Sign() < 0 {
		return x402.ReasonInvalidPayload
	}
	if intent.Amount.Cmp(required) < 0 {
		return x402.ReasonInsufficientPaymentAmount
	}

	isNative := evm.IsNativeAsset(requirements.Asset)
	switch intent.Kind {
	case evm.IntentKindToken:
		if isNative || !evm.AddressEqual(intent.Token.Hex(), requirements.Asset) {
			return x402.ReasonAssetMismatch
		}
	case evm.IntentKindNative:
		if !isNative {
			return x402.ReasonAssetMismatch
		}
	default:
		return x402.ReasonInvalidPayload
	}
	return ""
}
