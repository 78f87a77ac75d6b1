package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/logger"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

// ExactEvmScheme implements x402.SchemeNetworkFacilitator for EIP-3009
// transferWithAuthorization payments. The token contract tracks used nonces
// itself, so no local ledger is involved.
type ExactEvmScheme struct {
	registry evm.ChainRegistry

	now            func() time.Time
	receiptTimeout time.Duration
	gas            uint64
	log            logger.Logger
}

// Option configures an ExactEvmScheme
type Option func(*ExactEvmScheme)

// WithClock replaces the wall clock used for validity window checks
func WithClock(now func() time.Time) Option {
	return func(f *ExactEvmScheme) {
		f.now = now
	}
}

// WithReceiptTimeout bounds the wait for a settlement receipt
func WithReceiptTimeout(timeout time.Duration) Option {
	return func(f *ExactEvmScheme) {
		f.receiptTimeout = timeout
	}
}

// WithGasLimit overrides the gas limit of settlement transactions
func WithGasLimit(gas uint64) Option {
	return func(f *ExactEvmScheme) {
		f.gas = gas
	}
}

// WithLogger sets the logger used for rejections and settlement events
func WithLogger(log logger.Logger) Option {
	return func(f *ExactEvmScheme) {
		f.log = log
	}
}

// NewExactEvmScheme creates the EIP-3009 payment mechanism
func NewExactEvmScheme(registry evm.ChainRegistry, opts ...Option) *ExactEvmScheme {
	f := &ExactEvmScheme{
		registry:       registry,
		now:            time.Now,
		receiptTimeout: evm.DefaultReceiptTimeout,
		gas:            evm.DefaultExactTransferGas,
		log:            logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scheme returns the scheme identifier
func (f *ExactEvmScheme) Scheme() string {
	return evm.SchemeExact
}

// CaipFamily returns the CAIP family pattern this facilitator supports
func (f *ExactEvmScheme) CaipFamily() string {
	return evm.CaipFamily
}

// GetExtra returns nil; token domain parameters come from the seller's requirements
func (f *ExactEvmScheme) GetExtra(_ x402.Network) map[string]interface{} {
	return nil
}

// GetSigners returns the relayer addresses that submit settlements on network
func (f *ExactEvmScheme) GetSigners(network x402.Network) []string {
	chainID, err := network.ChainID()
	if err != nil {
		return nil
	}
	client, err := f.registry.Client(chainID)
	if err != nil {
		return nil
	}
	return client.GetAddresses()
}

// Verify checks an EIP-3009 authorization without side effects
func (f *ExactEvmScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	v, err := f.verify(ctx, payload, requirements, "verify")
	if err != nil {
		return nil, err
	}
	if v.reason != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: v.reason, Payer: v.payer}, nil
	}
	return x402.Valid(v.payer), nil
}

// Settle submits transferWithAuthorization on the token contract
func (f *ExactEvmScheme) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	network := requirements.Network

	v, err := f.verify(ctx, payload, requirements, "settle")
	if err != nil {
		return nil, err
	}
	if v.reason != "" {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: v.reason,
			Network:     network,
			Payer:       v.payer,
		}, nil
	}

	data, err := evm.ExactTransferCalldata(v.payload.Authorization, v.signature)
	if err != nil {
		return nil, f.fault("settle", v, network, err)
	}

	// Simulate first: a concurrent settlement of the same authorization shows up as a revert here
	from := relayer(v.client)
	if _, err := v.client.Call(ctx, evm.CallRequest{From: from, To: v.token, Data: data}); err != nil {
		if evm.IsExecutionReverted(err) {
			f.log.Warn("settlement simulation reverted", map[string]any{
				"network": string(network),
				"payer":   v.payer,
				"error":   err,
			})
			return &x402.SettleResponse{
				Success:     false,
				ErrorReason: x402.ReasonTransactionSimulationFailed,
				Network:     network,
				Payer:       v.payer,
			}, nil
		}
		return nil, f.fault("settle", v, network, fmt.Errorf("simulation failed: %w", err))
	}

	txHash, err := v.client.SendTransaction(ctx, evm.TxRequest{
		To:    v.token,
		Data:  data,
		Value: big.NewInt(0),
		Gas:   f.gas,
	})
	if err != nil {
		return nil, f.fault("settle", v, network, fmt.Errorf("failed to send transaction: %w", err))
	}

	receiptCtx, cancel := context.WithTimeout(ctx, f.receiptTimeout)
	defer cancel()

	receipt, err := v.client.WaitForTransactionReceipt(receiptCtx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, x402.ErrReceiptTimeout) {
			err = fmt.Errorf("%w: %v", x402.ErrReceiptTimeout, err)
		}
		fe := x402.NewFacilitatorError("settle", network, err)
		fe.Payer = v.payer
		fe.Transaction = txHash.Hex()
		f.log.Error("settlement receipt unavailable", map[string]any{
			"network": string(network),
			"payer":   v.payer,
			"tx":      fe.Transaction,
			"error":   err,
		})
		return nil, fe
	}

	if receipt.Status != evm.TxStatusSuccess {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionReverted,
			Transaction: txHash.Hex(),
			Network:     network,
			Payer:       v.payer,
		}, nil
	}

	f.log.Info("settlement confirmed", map[string]any{
		"network": string(network),
		"payer":   v.payer,
		"tx":      txHash.Hex(),
		"scheme":  evm.SchemeExact,
	})

	return &x402.SettleResponse{
		Success:     true,
		Transaction: txHash.Hex(),
		Network:     network,
		Payer:       v.payer,
	}, nil
}

type verification struct {
	reason    string
	payer     string
	payload   *evm.ExactEIP3009Payload
	signature []byte
	token     common.Address
	client    evm.ChainClient
}

func (f *ExactEvmScheme) reject(v *verification, network x402.Network, reason string) *verification {
	v.reason = reason
	f.log.Debug("payment rejected", map[string]any{
		"scheme":  evm.SchemeExact,
		"network": string(network),
		"payer":   v.payer,
		"reason":  reason,
	})
	return v
}

func (f *ExactEvmScheme) fault(op string, v *verification, network x402.Network, err error) error {
	fe := x402.NewFacilitatorError(op, network, err)
	fe.Payer = v.payer
	f.log.Error("facilitator fault", map[string]any{
		"op":      op,
		"network": string(network),
		"payer":   v.payer,
		"error":   err,
	})
	return fe
}

func (f *ExactEvmScheme) verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
	op string,
) (*verification, error) {
	network := requirements.Network
	v := &verification{}

	chainID, err := network.ChainID()
	if err != nil {
		return nil, f.fault(op, v, network, err)
	}

	if requirements.Scheme != evm.SchemeExact {
		return f.reject(v, network, x402.ReasonUnsupportedScheme), nil
	}
	if accepted := payload.Accepted; accepted != nil {
		if accepted.Scheme != "" && accepted.Scheme != requirements.Scheme {
			return f.reject(v, network, x402.ReasonUnsupportedScheme), nil
		}
		if accepted.Network != "" && accepted.Network != network {
			return f.reject(v, network, x402.ReasonNetworkMismatch), nil
		}
	}

	decoded, err := evm.ExactPayloadFromMap(payload.Payload)
	if err != nil {
		return f.reject(v, network, x402.ReasonInvalidPayload), nil
	}
	v.payload = decoded
	auth := decoded.Authorization
	if common.IsHexAddress(auth.From) {
		v.payer = common.HexToAddress(auth.From).Hex()
	}

	value, validAfter, validBefore, authNonce, err := auth.Values()
	if err != nil || v.payer == "" || !common.IsHexAddress(auth.To) {
		return f.reject(v, network, x402.ReasonInvalidPayload), nil
	}
	signature, err := evm.HexToBytes(decoded.Signature)
	if err != nil || len(signature) != 65 {
		return f.reject(v, network, x402.ReasonInvalidSignature), nil
	}
	v.signature = signature

	client, err := f.registry.Client(chainID)
	if err != nil {
		return nil, f.fault(op, v, network, err)
	}
	v.client = client

	if evm.IsNativeAsset(requirements.Asset) || !common.IsHexAddress(requirements.Asset) {
		return f.reject(v, network, x402.ReasonAssetMismatch), nil
	}
	v.token = common.HexToAddress(requirements.Asset)

	if !evm.AddressEqual(auth.To, requirements.PayTo) {
		return f.reject(v, network, x402.ReasonRecipientMismatch), nil
	}

	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return f.reject(v, network, x402.ReasonInvalidPayload), nil
	}
	if value.Cmp(required) < 0 {
		return f.reject(v, network, x402.ReasonInsufficientPaymentAmount), nil
	}

	name, version := tokenDomain(requirements.Extra)
	if name == "" || version == "" {
		return f.reject(v, network, x402.ReasonInvalidPayload), nil
	}
	digest, err := evm.HashEIP3009Authorization(auth, chainID, v.token.Hex(), name, version)
	if err != nil {
		return f.reject(v, network, x402.ReasonInvalidPayload), nil
	}
	signer, err := evm.RecoverSigner(digest, signature)
	if err != nil || signer.Hex() != v.payer {
		return f.reject(v, network, x402.ReasonInvalidSignature), nil
	}

	now := f.now().Unix()
	if evm.IsExpired(validBefore, now) || validAfter.Cmp(big.NewInt(now)) > 0 {
		return f.reject(v, network, x402.ReasonExpired), nil
	}

	used, err := authorizationUsed(ctx, client, v.token, signer, authNonce)
	if err != nil {
		return nil, f.fault(op, v, network, err)
	}
	if used {
		return f.reject(v, network, x402.ReasonNonceUsed), nil
	}

	balance, err := client.GetTokenBalance(ctx, v.token, signer)
	if err != nil {
		return nil, f.fault(op, v, network, fmt.Errorf("failed to read balance: %w", err))
	}
	if balance.Cmp(value) < 0 {
		return f.reject(v, network, x402.ReasonInsufficientBalance), nil
	}

	return v, nil
}

// authorizationUsed reads authorizationState(authorizer, nonce) from the token
func authorizationUsed(ctx context.Context, client evm.ReadClient, token, authorizer common.Address, authNonce [32]byte) (bool, error) {
	out, err := client.ReadContract(ctx, token, evm.AuthorizationStateABI, evm.FunctionAuthorizationState, authorizer, authNonce)
	if err != nil {
		return false, fmt.Errorf("failed to read authorization state: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result %T", out[0])
	}
	return used, nil
}

func tokenDomain(extra map[string]interface{}) (name, version string) {
	name, _ = extra["name"].(string)
	version, _ = extra["version"].(string)
	return strings.TrimSpace(name), strings.TrimSpace(version)
}

func relayer(client evm.ChainClient) common.Address {
	addrs := client.GetAddresses()
	if len(addrs) == 0 {
		return common.Address{}
	}
	return common.HexToAddress(addrs[0])
}
