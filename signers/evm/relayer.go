package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/logger"
	x402evm "github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

// EthBackend is the part of *ethclient.Client the relayer depends on
type EthBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

type endpoint struct {
	name    string
	backend EthBackend
}

// RelayerSigner implements x402evm.ChainClient for one chain. It signs with the
// relayer key and spreads calls over an ordered list of RPC endpoints, moving to
// the next endpoint only when the current one cannot be reached.
type RelayerSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	endpoints  []endpoint

	// sendMu serializes nonce assignment, signing and broadcast for the relayer account
	sendMu sync.Mutex

	pollInterval time.Duration
	log          logger.Logger
}

// RelayerOption configures a RelayerSigner
type RelayerOption func(*RelayerSigner)

// WithPollInterval sets the delay between receipt polls
func WithPollInterval(d time.Duration) RelayerOption {
	return func(s *RelayerSigner) {
		s.pollInterval = d
	}
}

// WithRelayerLogger sets the logger for endpoint failover and broadcasts
func WithRelayerLogger(log logger.Logger) RelayerOption {
	return func(s *RelayerSigner) {
		s.log = log
	}
}

// NewRelayerSigner creates a relayer over already connected backends, tried in order
func NewRelayerSigner(privateKey *ecdsa.PrivateKey, chainID *big.Int, backends []EthBackend, opts ...RelayerOption) (*RelayerSigner, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("relayer key is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id")
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("chain %s: at least one rpc endpoint is required", chainID)
	}

	s := &RelayerSigner{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      new(big.Int).Set(chainID),
		pollInterval: x402evm.ReceiptPollInterval,
		log:          logger.NoopLogger{},
	}
	for i, b := range backends {
		s.endpoints = append(s.endpoints, endpoint{name: fmt.Sprintf("#%d", i), backend: b})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DialRelayerSigner connects to every url and checks that reachable endpoints
// serve chainID. Endpoints are used in the given order.
func DialRelayerSigner(ctx context.Context, privateKeyHex string, chainID *big.Int, urls []string, opts ...RelayerOption) (*RelayerSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	backends := make([]EthBackend, 0, len(urls))
	for _, url := range urls {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			for _, b := range backends {
				b.Close()
			}
			return nil, fmt.Errorf("failed to connect to RPC %s: %w", url, err)
		}
		backends = append(backends, client)
	}

	s, err := NewRelayerSigner(privateKey, chainID, backends, opts...)
	if err != nil {
		for _, b := range backends {
			b.Close()
		}
		return nil, err
	}
	for i := range s.endpoints {
		s.endpoints[i].name = urls[i]
	}

	remote, err := call(ctx, s, "eth_chainId", func(b EthBackend) (*big.Int, error) {
		return b.ChainID(ctx)
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	if remote.Cmp(chainID) != 0 {
		s.Close()
		return nil, fmt.Errorf("rpc serves chain %s, configured for %s", remote, chainID)
	}
	return s, nil
}

// Address returns the relayer account
func (s *RelayerSigner) Address() common.Address {
	return s.address
}

func (s *RelayerSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

func (s *RelayerSigner) GetChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// Close releases every endpoint connection
func (s *RelayerSigner) Close() {
	for _, ep := range s.endpoints {
		ep.backend.Close()
	}
}

// ============================================================================
// Endpoint failover
// ============================================================================

// call runs fn against each endpoint in order until one answers. An answer
// includes JSON-RPC errors: only transport failures move on to the next endpoint.
func call[T any](ctx context.Context, s *RelayerSigner, op string, fn func(EthBackend) (T, error)) (T, error) {
	var zero T
	var failures []error
	for _, ep := range s.endpoints {
		result, err := fn(ep.backend)
		if err == nil {
			return result, nil
		}
		if !isTransportError(ctx, err) {
			return zero, err
		}
		s.log.Warn("rpc endpoint unavailable", map[string]any{
			"chainId":  s.chainID.String(),
			"endpoint": ep.name,
			"op":       op,
			"error":    err,
		})
		failures = append(failures, fmt.Errorf("%s: %w", ep.name, err))
	}
	return zero, fmt.Errorf("%w: %s on chain %s: %w", x402.ErrAllEndpointsFailed, op, s.chainID, errors.Join(failures...))
}

func isTransportError(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

// ============================================================================
// Read side
// ============================================================================

func (s *RelayerSigner) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return call(ctx, s, "eth_getBalance", func(b EthBackend) (*big.Int, error) {
		return b.BalanceAt(ctx, address, nil)
	})
}

func (s *RelayerSigner) GetTokenBalance(ctx context.Context, token common.Address, owner common.Address) (*big.Int, error) {
	result, err := s.ReadContract(ctx, token, x402evm.ERC20BalanceOfABI, x402evm.FunctionBalanceOf, owner)
	if err != nil {
		return nil, err
	}
	balance, ok := result[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type: %T", result[0])
	}
	return balance, nil
}

func (s *RelayerSigner) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	return call(ctx, s, "eth_getCode", func(b EthBackend) ([]byte, error) {
		return b.CodeAt(ctx, address, nil)
	})
}

// Call runs an eth_call against the latest block. Reverts come back as *x402evm.RevertError.
func (s *RelayerSigner) Call(ctx context.Context, req x402evm.CallRequest) ([]byte, error) {
	to := req.To
	msg := ethereum.CallMsg{From: req.From, To: &to, Data: req.Data}

	result, err := call(ctx, s, "eth_call", func(b EthBackend) ([]byte, error) {
		return b.CallContract(ctx, msg, nil)
	})
	if err != nil {
		if x402evm.IsExecutionReverted(err) {
			return nil, toRevertError(err)
		}
		return nil, err
	}
	return result, nil
}

// ReadContract packs method with args, calls contract and unpacks the outputs
func (s *RelayerSigner) ReadContract(
	ctx context.Context,
	contract common.Address,
	abiJSON []byte,
	method string,
	args ...interface{},
) ([]interface{}, error) {
	contractABI, err := parseABI(abiJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	result, err := s.Call(ctx, x402evm.CallRequest{To: contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty result from %s on %s", method, contract.Hex())
	}

	output, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return output, nil
}

// parsedABIs caches ReadContract ABIs by their JSON text. Callers pass a
// handful of package-level ABIs, so the map stays small.
var parsedABIs sync.Map

func parseABI(abiJSON []byte) (abi.ABI, error) {
	key := string(abiJSON)
	if cached, ok := parsedABIs.Load(key); ok {
		return cached.(abi.ABI), nil
	}
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, err
	}
	actual, _ := parsedABIs.LoadOrStore(key, parsed)
	return actual.(abi.ABI), nil
}

func toRevertError(err error) error {
	revert := &x402evm.RevertError{}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				revert.Data = data
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					revert.Reason = reason
				}
			}
		}
	}
	return revert
}

// ============================================================================
// Write side
// ============================================================================

// SendTransaction signs req with the relayer key and broadcasts it. Requests with
// authorizations become SetCode transactions, the rest EIP-1559 transactions.
func (s *RelayerSigner) SendTransaction(ctx context.Context, req x402evm.TxRequest) (common.Hash, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := call(ctx, s, "eth_getTransactionCount", func(b EthBackend) (uint64, error) {
		return b.PendingNonceAt(ctx, s.address)
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	tipCap, feeCap, err := s.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := s.buildTx(req, nonce, tipCap, feeCap)
	if err != nil {
		return common.Hash{}, err
	}

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	_, err = call(ctx, s, "eth_sendRawTransaction", func(b EthBackend) (struct{}, error) {
		sendErr := b.SendTransaction(ctx, signedTx)
		// An earlier endpoint may have accepted the transaction before its connection dropped
		if sendErr != nil && strings.Contains(strings.ToLower(sendErr.Error()), "already known") {
			return struct{}{}, nil
		}
		return struct{}{}, sendErr
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	s.log.Debug("transaction broadcast", map[string]any{
		"chainId": s.chainID.String(),
		"tx":      signedTx.Hash().Hex(),
		"nonce":   nonce,
		"type":    signedTx.Type(),
	})
	return signedTx.Hash(), nil
}

// fees returns the tip and a fee cap of twice the latest base fee plus the tip
func (s *RelayerSigner) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tipCap, err := call(ctx, s, "eth_maxPriorityFeePerGas", func(b EthBackend) (*big.Int, error) {
		return b.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas tip: %w", err)
	}

	header, err := call(ctx, s, "eth_getBlockByNumber", func(b EthBackend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	if header.BaseFee == nil {
		return nil, nil, fmt.Errorf("chain %s does not report a base fee", s.chainID)
	}

	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return tipCap, feeCap, nil
}

func (s *RelayerSigner) buildTx(req x402evm.TxRequest, nonce uint64, tipCap, feeCap *big.Int) (*types.Transaction, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	if len(req.Authorizations) == 0 {
		to := req.To
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       req.Gas,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		}), nil
	}

	chainID, overflow := uint256.FromBig(s.chainID)
	if overflow {
		return nil, fmt.Errorf("chain id overflows uint256")
	}
	tip, overflow := uint256.FromBig(tipCap)
	if overflow {
		return nil, fmt.Errorf("gas tip overflows uint256")
	}
	feeCapU, overflow := uint256.FromBig(feeCap)
	if overflow {
		return nil, fmt.Errorf("fee cap overflows uint256")
	}
	amount, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("value overflows uint256")
	}

	return types.NewTx(&types.SetCodeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCapU,
		Gas:       req.Gas,
		To:        req.To,
		Value:     amount,
		Data:      req.Data,
		AuthList:  req.Authorizations,
	}), nil
}

// WaitForTransactionReceipt polls until the receipt is available or ctx ends.
// A ctx that ends first yields an error wrapping x402.ErrReceiptTimeout.
func (s *RelayerSigner) WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*x402evm.TransactionReceipt, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := call(ctx, s, "eth_getTransactionReceipt", func(b EthBackend) (*types.Receipt, error) {
			return b.TransactionReceipt(ctx, txHash)
		})
		if err == nil && receipt != nil {
			var blockNumber uint64
			if receipt.BlockNumber != nil {
				blockNumber = receipt.BlockNumber.Uint64()
			}
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: blockNumber,
				TxHash:      receipt.TxHash.Hex(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			s.log.Debug("receipt poll failed", map[string]any{
				"chainId": s.chainID.String(),
				"tx":      txHash.Hex(),
				"error":   err,
			})
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", x402.ErrReceiptTimeout, txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
