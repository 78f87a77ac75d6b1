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

// DefaultValidity is the intent lifetime used when requirements carry no timeout
const DefaultValidity = time.Hour

// AccountNonceSource is implemented by signers that can look up their own account nonce
type AccountNonceSource interface {
	AccountNonce(ctx context.Context) (uint64, error)
}

// PayloadOptions overrides values CreatePaymentPayload would otherwise derive
type PayloadOptions struct {
	// Delegate is the contract to authorize. Defaults to requirements.extra.delegateContract.
	Delegate common.Address
	// AuthorizationNonce is the payer's account nonce. When nil it is read from
	// the signer, which then must implement AccountNonceSource.
	AuthorizationNonce *uint64
	// Nonce is the application nonce. Random when nil.
	Nonce *big.Int
	// Deadline in unix seconds. Defaults to now plus the requirement's timeout.
	Deadline *big.Int
}

// DelegateEvmScheme builds delegate payment payloads on the payer side
type DelegateEvmScheme struct {
	signer evm.ClientEvmSigner
	now    func() time.Time
}

// NewDelegateEvmScheme creates a new DelegateEvmScheme
func NewDelegateEvmScheme(signer evm.ClientEvmSigner) *DelegateEvmScheme {
	return &DelegateEvmScheme{
		signer: signer,
		now:    time.Now,
	}
}

// Scheme returns the scheme identifier
func (c *DelegateEvmScheme) Scheme() string {
	return evm.SchemeDelegate
}

// CreatePaymentPayload signs an intent matching requirements and a delegation
// to the Delegate contract. The intent is the native variant when the asset
// is the zero address.
func (c *DelegateEvmScheme) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	opts PayloadOptions,
) (x402.PaymentPayload, error) {
	chainID, err := requirements.Network.ChainID()
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.Amount)
	}
	if !common.IsHexAddress(requirements.PayTo) {
		return x402.PaymentPayload{}, fmt.Errorf("invalid payTo address: %s", requirements.PayTo)
	}
	recipient := common.HexToAddress(requirements.PayTo)

	delegate, err := delegateFor(requirements, opts)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	nonce := opts.Nonce
	if nonce == nil {
		if nonce, err = randomNonce(); err != nil {
			return x402.PaymentPayload{}, err
		}
	}

	deadline := opts.Deadline
	if deadline == nil {
		validity := DefaultValidity
		if requirements.MaxTimeoutSeconds > 0 {
			validity = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
		}
		deadline = big.NewInt(c.now().Add(validity).Unix())
	}

	var intent evm.Intent
	if evm.IsNativeAsset(requirements.Asset) {
		intent = evm.NewNativeIntent(amount, recipient, nonce, deadline)
	} else {
		if !common.IsHexAddress(requirements.Asset) {
			return x402.PaymentPayload{}, fmt.Errorf("invalid asset address: %s", requirements.Asset)
		}
		intent = evm.NewTokenIntent(common.HexToAddress(requirements.Asset), amount, recipient, nonce, deadline)
	}

	primaryType, types, message, err := evm.IntentTypedData(intent)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	signature, err := c.signer.SignTypedData(ctx, evm.DelegateDomain(chainID, c.signer.Address()), types, primaryType, message)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to sign intent: %w", err)
	}

	authNonce, err := c.authorizationNonce(ctx, opts)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	auth, err := c.signer.SignAuthorization(ctx, chainID, delegate, authNonce)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to sign authorization: %w", err)
	}

	payload := &evm.DelegatePayload{
		Authorization: evm.AuthorizationFromSetCode(auth),
		Intent:        intent,
		Signature:     signature,
	}

	accepted := requirements
	return x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     payload.ToMap(),
		Accepted:    &accepted,
	}, nil
}

func (c *DelegateEvmScheme) authorizationNonce(ctx context.Context, opts PayloadOptions) (uint64, error) {
	if opts.AuthorizationNonce != nil {
		return *opts.AuthorizationNonce, nil
	}
	source, ok := c.signer.(AccountNonceSource)
	if !ok {
		return 0, fmt.Errorf("authorization nonce is required for this signer")
	}
	nonce, err := source.AccountNonce(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read authorization nonce: %w", err)
	}
	return nonce, nil
}

func delegateFor(requirements x402.PaymentRequirements, opts PayloadOptions) (common.Address, error) {
	if opts.Delegate != (common.Address{}) {
		return opts.Delegate, nil
	}
	if addr, ok := requirements.Extra["delegateContract"].(string); ok && common.IsHexAddress(addr) {
		return common.HexToAddress(addr), nil
	}
	return common.Address{}, fmt.Errorf("requirements do not name a delegate contract")
}

// randomNonce returns a random 128-bit application nonce
func randomNonce() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}
