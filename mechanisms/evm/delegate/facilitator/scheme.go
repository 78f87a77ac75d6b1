package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/logger"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
	"github.com/x402-foundation/x402-delegate/nonce"
)

// DelegateResolver returns the trusted Delegate contract for a chain
type DelegateResolver interface {
	Resolve(chainID *big.Int) (common.Address, error)
}

// DelegateEvmScheme implements x402.SchemeNetworkFacilitator for payments
// executed through an EIP-7702 delegation to the Delegate settlement contract.
type DelegateEvmScheme struct {
	registry  evm.ChainRegistry
	ledger    nonce.Ledger
	delegates DelegateResolver

	now            func() time.Time
	receiptTimeout time.Duration
	tokenGas       uint64
	nativeGas      uint64
	log            logger.Logger
}

// Option configures a DelegateEvmScheme
type Option func(*DelegateEvmScheme)

// WithClock replaces the wall clock used for deadline checks
func WithClock(now func() time.Time) Option {
	return func(f *DelegateEvmScheme) {
		f.now = now
	}
}

// WithReceiptTimeout bounds the wait for a settlement receipt
func WithReceiptTimeout(timeout time.Duration) Option {
	return func(f *DelegateEvmScheme) {
		f.receiptTimeout = timeout
	}
}

// WithGasLimits overrides the gas limits of token and native transfers.
// SetCode transactions add evm.AuthorizationGas on top.
func WithGasLimits(token, native uint64) Option {
	return func(f *DelegateEvmScheme) {
		f.tokenGas = token
		f.nativeGas = native
	}
}

// WithLogger sets the logger used for rejections and settlement events
func WithLogger(log logger.Logger) Option {
	return func(f *DelegateEvmScheme) {
		f.log = log
	}
}

// NewDelegateEvmScheme creates the delegate payment mechanism. The registry and
// the ledger are shared with other mechanisms and outlive the scheme.
func NewDelegateEvmScheme(registry evm.ChainRegistry, ledger nonce.Ledger, delegates DelegateResolver, opts ...Option) *DelegateEvmScheme {
	f := &DelegateEvmScheme{
		registry:       registry,
		ledger:         ledger,
		delegates:      delegates,
		now:            time.Now,
		receiptTimeout: evm.DefaultReceiptTimeout,
		tokenGas:       evm.DefaultTokenTransferGas,
		nativeGas:      evm.DefaultNativeTransferGas,
		log:            logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scheme returns the scheme identifier
func (f *DelegateEvmScheme) Scheme() string {
	return evm.SchemeDelegate
}

// CaipFamily returns the CAIP family pattern this facilitator supports
func (f *DelegateEvmScheme) CaipFamily() string {
	return evm.CaipFamily
}

// GetExtra advertises the delegate contract payers must authorize on network
func (f *DelegateEvmScheme) GetExtra(network x402.Network) map[string]interface{} {
	chainID, err := network.ChainID()
	if err != nil {
		return nil
	}
	delegate, err := f.delegates.Resolve(chainID)
	if err != nil {
		return nil
	}
	return map[string]interface{}{
		"delegateContract": delegate.Hex(),
	}
}

// GetSigners returns the relayer addresses that submit settlements on network
func (f *DelegateEvmScheme) GetSigners(network x402.Network) []string {
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

// Verify checks a payment without side effects
func (f *DelegateEvmScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	v, err := f.verify(ctx, payload, requirements, false)
	if err != nil {
		return nil, err
	}
	if v.reason != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: v.reason, Payer: v.payerHex()}, nil
	}
	return x402.Valid(v.payerHex()), nil
}

// Settle consumes the intent nonce and executes the transfer on chain
func (f *DelegateEvmScheme) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	network := requirements.Network

	v, err := f.verify(ctx, payload, requirements, true)
	if err != nil {
		return nil, err
	}
	if v.reason != "" {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: v.reason,
			Network:     network,
			Payer:       v.payerHex(),
		}, nil
	}

	// From here on the nonce is consumed. It is never released: a failed or
	// timed-out settlement needs out-of-band reconciliation, not a replay.
	return f.execute(ctx, v, network)
}

// ============================================================================
// Verification pipeline
// ============================================================================

// verification carries the outcome of the pipeline. A non-empty reason is a
// protocol rejection; the remaining fields are set as far as the pipeline got.
type verification struct {
	reason   string
	payer    common.Address
	payload  *evm.DelegatePayload
	chainID  *big.Int
	client   evm.ChainClient
	delegate common.Address
}

func (v *verification) payerHex() string {
	if v.payer == (common.Address{}) {
		return ""
	}
	return v.payer.Hex()
}

func (f *DelegateEvmScheme) reject(v *verification, network x402.Network, reason string) *verification {
	v.reason = reason
	f.log.Debug("payment rejected", map[string]any{
		"scheme":  evm.SchemeDelegate,
		"network": string(network),
		"payer":   v.payerHex(),
		"reason":  reason,
	})
	return v
}

func (f *DelegateEvmScheme) fault(op string, v *verification, network x402.Network, err error) error {
	fe := x402.NewFacilitatorError(op, network, err)
	fe.Payer = v.payerHex()
	f.log.Error("facilitator fault", map[string]any{
		"op":      op,
		"network": string(network),
		"payer":   fe.Payer,
		"error":   err,
	})
	return fe
}

// verify runs the ordered guard checks. Only the nonce step has a side effect,
// and only when consumeNonce is set.
func (f *DelegateEvmScheme) verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
	consumeNonce bool,
) (*verification, error) {
	network := requirements.Network
	v := &verification{}
	op := "verify"
	if consumeNonce {
		op = "settle"
	}

	// 1. network -> chain id
	chainID, err := network.ChainID()
	if err != nil {
		return nil, f.fault(op, v, network, err)
	}
	v.chainID = chainID

	if requirements.Scheme != evm.SchemeDelegate {
		return f.reject(v, network, x402.ReasonUnsupportedScheme), nil
	}

	decoded, err := evm.DelegatePayloadFromMap(payload.Payload)
	if err != nil {
		return f.reject(v, network, x402.ReasonInvalidPayload), nil
	}
	v.payload = decoded

	client, err := f.registry.Client(chainID)
	if err != nil {
		return nil, f.fault(op, v, network, err)
	}
	v.client = client

	delegate, err := f.delegates.Resolve(chainID)
	if err != nil {
		return nil, f.fault(op, v, network, err)
	}
	v.delegate = delegate

	// 2. accepted requirements snapshot
	if reason := matchAccepted(payload.Accepted, requirements); reason != "" {
		return f.reject(v, network, reason), nil
	}

	// 3. authorization chain
	auth := decoded.Authorization
	if auth.ChainID.Cmp(chainID) != 0 {
		return f.reject(v, network, x402.ReasonChainIDMismatch), nil
	}

	// 4. delegate trust and payer recovery
	payer, err := evm.VerifyAuthorization(auth, delegate)
	if err != nil {
		if errors.Is(err, evm.ErrUntrustedDelegate) {
			return f.reject(v, network, x402.ReasonUntrustedDelegate), nil
		}
		return f.reject(v, network, x402.ReasonInvalidSignature), nil
	}
	v.payer = payer

	// 5. intent signature
	intent := decoded.Intent
	digest, err := evm.HashIntent(intent, chainID, payer)
	if err != nil {
		return f.reject(v, network, x402.ReasonInvalidPayload), nil
	}
	signer, err := evm.RecoverSigner(digest, decoded.Signature)
	if err != nil || signer != payer {
		return f.reject(v, network, x402.ReasonInvalidSignature), nil
	}

	// 6. intent against requirements
	if reason := matchIntent(intent, requirements); reason != "" {
		return f.reject(v, network, reason), nil
	}

	// 7. deadline with grace window
	if evm.IsExpired(intent.Deadline, f.now().Unix()) {
		return f.reject(v, network, x402.ReasonExpired), nil
	}

	// 8. application nonce
	key := nonce.NewKey(chainID, payer, intent.Nonce)
	var fresh bool
	if consumeNonce {
		fresh, err = f.ledger.CheckAndMark(ctx, key)
	} else {
		var used bool
		used, err = f.ledger.Has(ctx, key)
		fresh = !used
	}
	if err != nil {
		return nil, f.fault(op, v, network, fmt.Errorf("nonce ledger: %w", err))
	}
	if !fresh {
		return f.reject(v, network, x402.ReasonNonceUsed), nil
	}

	// 9. payer balance
	var balance *big.Int
	if intent.Kind == evm.IntentKindNative {
		balance, err = client.GetBalance(ctx, payer)
	} else {
		balance, err = client.GetTokenBalance(ctx, intent.Token, payer)
	}
	if err != nil {
		return nil, f.fault(op, v, network, fmt.Errorf("failed to read balance: %w", err))
	}
	if balance.Cmp(intent.Amount) < 0 {
		return f.reject(v, network, x402.ReasonInsufficientBalance), nil
	}

	// 10. valid
	return v, nil
}

// ============================================================================
// Settlement
// ============================================================================

func (f *DelegateEvmScheme) execute(ctx context.Context, v *verification, network x402.Network) (*x402.SettleResponse, error) {
	intent := v.payload.Intent

	data, err := evm.DelegateCalldata(intent, v.payload.Signature)
	if err != nil {
		return nil, f.fault("settle", v, network, err)
	}

	gas := f.tokenGas
	if intent.Kind == evm.IntentKindNative {
		gas = f.nativeGas
	}

	tx := evm.TxRequest{
		To:    v.payer,
		Data:  data,
		Value: big.NewInt(0),
		Gas:   gas,
	}

	delegated, err := f.isDelegated(ctx, v)
	if err != nil {
		return nil, f.fault("settle", v, network, err)
	}

	if delegated {
		// The contract keeps its own nonce bitmap; a nonce spent outside this
		// facilitator is visible there before the local ledger learns of it.
		used, err := f.nonceUsedOnChain(ctx, v)
		if err != nil {
			return nil, f.fault("settle", v, network, err)
		}
		if used {
			f.log.Warn("intent nonce already used on chain", map[string]any{
				"network": string(network),
				"payer":   v.payerHex(),
				"nonce":   intent.Nonce.String(),
			})
			return &x402.SettleResponse{
				Success:     false,
				ErrorReason: x402.ReasonNonceUsed,
				Network:     network,
				Payer:       v.payerHex(),
			}, nil
		}

		// The account already runs the delegate code, so a revert is observable before spending gas.
		_, err = v.client.Call(ctx, evm.CallRequest{From: f.relayer(v.client), To: v.payer, Data: data})
		if err != nil {
			if evm.IsExecutionReverted(err) {
				f.log.Warn("settlement simulation reverted", map[string]any{
					"network": string(network),
					"payer":   v.payerHex(),
					"error":   err,
				})
				return &x402.SettleResponse{
					Success:     false,
					ErrorReason: x402.ReasonTransactionSimulationFailed,
					Network:     network,
					Payer:       v.payerHex(),
				}, nil
			}
			return nil, f.fault("settle", v, network, fmt.Errorf("simulation failed: %w", err))
		}
	} else {
		setCode, err := v.payload.Authorization.SetCode()
		if err != nil {
			return nil, f.fault("settle", v, network, err)
		}
		tx.Authorizations = []types.SetCodeAuthorization{setCode}
		tx.Gas += evm.AuthorizationGas
	}

	txHash, err := v.client.SendTransaction(ctx, tx)
	if err != nil {
		return nil, f.fault("settle", v, network, fmt.Errorf("failed to send transaction: %w", err))
	}

	f.log.Info("settlement submitted", map[string]any{
		"network":    string(network),
		"payer":      v.payerHex(),
		"tx":         txHash.Hex(),
		"delegated":  delegated,
		"intentKind": intent.Kind.String(),
	})

	receiptCtx, cancel := context.WithTimeout(ctx, f.receiptTimeout)
	defer cancel()

	receipt, err := v.client.WaitForTransactionReceipt(receiptCtx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, x402.ErrReceiptTimeout) {
			err = fmt.Errorf("%w: %v", x402.ErrReceiptTimeout, err)
		}
		fe := x402.NewFacilitatorError("settle", network, err)
		fe.Payer = v.payerHex()
		fe.Transaction = txHash.Hex()
		f.log.Error("settlement receipt unavailable", map[string]any{
			"network": string(network),
			"payer":   fe.Payer,
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
			Payer:       v.payerHex(),
		}, nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Transaction: txHash.Hex(),
		Network:     network,
		Payer:       v.payerHex(),
	}, nil
}

// isDelegated reports whether the payer's code is already a delegation to the trusted contract
func (f *DelegateEvmScheme) isDelegated(ctx context.Context, v *verification) (bool, error) {
	code, err := v.client.GetCode(ctx, v.payer)
	if err != nil {
		return false, fmt.Errorf("failed to read payer code: %w", err)
	}
	target, ok := types.ParseDelegation(code)
	return ok && target == v.delegate, nil
}

// nonceUsedOnChain reads isNonceUsed from the delegated payer account
func (f *DelegateEvmScheme) nonceUsedOnChain(ctx context.Context, v *verification) (bool, error) {
	out, err := v.client.ReadContract(ctx, v.payer, evm.DelegateABI, evm.FunctionIsNonceUsed, v.payload.Intent.Nonce)
	if err != nil {
		return false, fmt.Errorf("failed to read nonce state: %w", err)
	}
	if len(out) == 0 {
		return false, fmt.Errorf("%s returned no values", evm.FunctionIsNonceUsed)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result type %T", evm.FunctionIsNonceUsed, out[0])
	}
	return used, nil
}

func (f *DelegateEvmScheme) relayer(client evm.ChainClient) common.Address {
	addrs := client.GetAddresses()
	if len(addrs) == 0 {
		return common.Address{}
	}
	return common.HexToAddress(addrs[0])
}
