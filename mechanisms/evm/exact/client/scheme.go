package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

// DefaultValidity is the authorization lifetime used when requirements carry no timeout
const DefaultValidity = time.Hour

// ExactEvmScheme builds EIP-3009 payment payloads on the payer side
type ExactEvmScheme struct {
	signer evm.ClientEvmSigner
	now    func() time.Time
}

// NewExactEvmScheme creates a new ExactEvmScheme
func NewExactEvmScheme(signer evm.ClientEvmSigner) *ExactEvmScheme {
	return &ExactEvmScheme{
		signer: signer,
		now:    time.Now,
	}
}

// Scheme returns the scheme identifier
func (c *ExactEvmScheme) Scheme() string {
	return evm.SchemeExact
}

// CreatePaymentPayload signs a TransferWithAuthorization for requirements.
// The token's EIP-712 domain is read from requirements.extra name and version.
func (c *ExactEvmScheme) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
) (x402.PaymentPayload, error) {
	chainID, err := requirements.Network.ChainID()
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	if evm.IsNativeAsset(requirements.Asset) || !common.IsHexAddress(requirements.Asset) {
		return x402.PaymentPayload{}, fmt.Errorf("exact scheme needs an EIP-3009 token, got asset %s", requirements.Asset)
	}
	if !common.IsHexAddress(requirements.PayTo) {
		return x402.PaymentPayload{}, fmt.Errorf("invalid payTo address: %s", requirements.PayTo)
	}

	value, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || value.Sign() < 0 {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.Amount)
	}

	tokenName, _ := requirements.Extra["name"].(string)
	tokenVersion, _ := requirements.Extra["version"].(string)
	if tokenName == "" || tokenVersion == "" {
		return x402.PaymentPayload{}, fmt.Errorf("requirements must carry the token's EIP-712 name and version in extra")
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// validAfter has no buffer; the authorization is usable immediately
	validity := DefaultValidity
	if requirements.MaxTimeoutSeconds > 0 {
		validity = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	now := c.now()

	authorization := evm.ExactEIP3009Authorization{
		From:        c.signer.Address().Hex(),
		To:          common.HexToAddress(requirements.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  "0",
		ValidBefore: fmt.Sprint(now.Add(validity).Unix()),
		Nonce:       evm.BytesToHex(nonce[:]),
	}

	token := common.HexToAddress(requirements.Asset).Hex()
	domain, types, message, err := evm.EIP3009TypedData(authorization, chainID, token, tokenName, tokenVersion)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	signature, err := c.signer.SignTypedData(ctx, domain, types, evm.PrimaryTypeTransferWithAuthorization, message)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to sign authorization: %w", err)
	}

	payload := &evm.ExactEIP3009Payload{
		Signature:     evm.BytesToHex(signature),
		Authorization: authorization,
	}

	accepted := requirements
	return x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     payload.ToMap(),
		Accepted:    &accepted,
	}, nil
}
