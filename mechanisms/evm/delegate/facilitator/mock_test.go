package facilitator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
	"github.com/x402-foundation/x402-delegate/nonce"
)

// mockClient is an in-memory evm.ChainClient
type mockClient struct {
	mu sync.Mutex

	chainID *big.Int
	relayer common.Address

	nativeBalances map[common.Address]*big.Int
	tokenBalances  map[common.Address]*big.Int
	code           map[common.Address][]byte
	usedOnChain    map[string]bool

	balanceErr    error
	readErr       error
	callErr       error
	sendErr       error
	receiptErr    error
	receiptStatus uint64

	reads []string
	calls []evm.CallRequest
	sent  []evm.TxRequest
}

func newMockClient(chainID *big.Int) *mockClient {
	return &mockClient{
		chainID:        chainID,
		relayer:        common.HexToAddress("0x00000000000000000000000000000000000000AA"),
		nativeBalances: make(map[common.Address]*big.Int),
		tokenBalances:  make(map[common.Address]*big.Int),
		code:           make(map[common.Address][]byte),
		usedOnChain:    make(map[string]bool),
		receiptStatus:  evm.TxStatusSuccess,
	}
}

func (m *mockClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if b, ok := m.nativeBalances[address]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (m *mockClient) GetTokenBalance(ctx context.Context, token common.Address, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if b, ok := m.tokenBalances[owner]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (m *mockClient) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code[address], nil
}

func (m *mockClient) Call(ctx context.Context, call evm.CallRequest) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return nil, m.callErr
}

// ReadContract answers isNonceUsed from usedOnChain, keyed by account and nonce
func (m *mockClient) ReadContract(ctx context.Context, contract common.Address, abiJSON []byte, method string, args ...interface{}) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, method)
	if m.readErr != nil {
		return nil, m.readErr
	}
	if method != evm.FunctionIsNonceUsed || len(args) != 1 {
		return nil, fmt.Errorf("unexpected read %s", method)
	}
	n, ok := args[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce type %T", args[0])
	}
	return []interface{}{m.usedOnChain[onChainNonceKey(contract, n)]}, nil
}

func onChainNonceKey(account common.Address, n *big.Int) string {
	return account.Hex() + "/" + n.String()
}

func (m *mockClient) SendTransaction(ctx context.Context, tx evm.TxRequest) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return common.Hash{}, m.sendErr
	}
	m.sent = append(m.sent, tx)
	return common.BigToHash(big.NewInt(int64(len(m.sent)))), nil
}

func (m *mockClient) WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*evm.TransactionReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return &evm.TransactionReceipt{Status: m.receiptStatus, BlockNumber: 1, TxHash: txHash.Hex()}, nil
}

func (m *mockClient) GetAddresses() []string {
	return []string{m.relayer.Hex()}
}

func (m *mockClient) GetChainID() *big.Int {
	return m.chainID
}

func (m *mockClient) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockRegistry map[string]evm.ChainClient

func (r mockRegistry) Client(chainID *big.Int) (evm.ChainClient, error) {
	client, ok := r[chainID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", x402.ErrChainNotRegistered, chainID)
	}
	return client, nil
}

// ============================================================================
// Fixture
// ============================================================================

var (
	testChainID  = big.NewInt(84532)
	testNetwork  = x402.Network("eip155:84532")
	testDelegate = common.HexToAddress("0xD3D3D3D3D3D3D3D3D3D3D3D3D3D3D3D3D3D3D3D3")
	testToken    = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testPayee    = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
)

type fixture struct {
	t        *testing.T
	key      *ecdsa.PrivateKey
	payer    common.Address
	now      time.Time
	client   *mockClient
	ledger   *nonce.MemoryLedger
	registry *evm.DelegateRegistry
	scheme   *DelegateEvmScheme
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fx := &fixture{
		t:        t,
		key:      key,
		payer:    crypto.PubkeyToAddress(key.PublicKey),
		now:      time.Unix(1_750_000_000, 0),
		client:   newMockClient(testChainID),
		ledger:   nonce.NewMemoryLedger(),
		registry: evm.NewDelegateRegistry(testDelegate),
	}
	fx.client.tokenBalances[fx.payer] = big.NewInt(1_000_000)
	fx.client.nativeBalances[fx.payer] = big.NewInt(1_000_000)

	all := append([]Option{WithClock(func() time.Time { return fx.now })}, opts...)
	fx.scheme = NewDelegateEvmScheme(
		mockRegistry{testChainID.String(): fx.client},
		fx.ledger,
		fx.registry,
		all...,
	)
	return fx
}

// tokenIntent builds scenario A's intent with the given overrides
func (fx *fixture) tokenIntent(amount int64, intentNonce int64, deadlineOffset int64) evm.Intent {
	return evm.NewTokenIntent(
		testToken,
		big.NewInt(amount),
		testPayee,
		big.NewInt(intentNonce),
		big.NewInt(fx.now.Unix()+deadlineOffset),
	)
}

func (fx *fixture) nativeIntent(amount int64, intentNonce int64, deadlineOffset int64) evm.Intent {
	return evm.NewNativeIntent(
		big.NewInt(amount),
		testPayee,
		big.NewInt(intentNonce),
		big.NewInt(fx.now.Unix()+deadlineOffset),
	)
}

func (fx *fixture) signAuthorization(key *ecdsa.PrivateKey, chainID *big.Int, contract common.Address) evm.Authorization {
	fx.t.Helper()
	signed, err := types.SignSetCode(key, types.SetCodeAuthorization{
		ChainID: *uint256.MustFromBig(chainID),
		Address: contract,
		Nonce:   0,
	})
	require.NoError(fx.t, err)
	return evm.AuthorizationFromSetCode(signed)
}

func (fx *fixture) signIntent(key *ecdsa.PrivateKey, intent evm.Intent) []byte {
	fx.t.Helper()
	account := crypto.PubkeyToAddress(key.PublicKey)
	digest, err := evm.HashIntent(intent, testChainID, account)
	require.NoError(fx.t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(fx.t, err)
	return sig
}

// payload signs intent and a delegation to the trusted contract with the payer key
func (fx *fixture) payload(intent evm.Intent) x402.PaymentPayload {
	return fx.build(fx.signAuthorization(fx.key, testChainID, testDelegate), intent, fx.signIntent(fx.key, intent))
}

func (fx *fixture) build(auth evm.Authorization, intent evm.Intent, sig []byte) x402.PaymentPayload {
	p := &evm.DelegatePayload{Authorization: auth, Intent: intent, Signature: sig}
	return x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     p.ToMap(),
	}
}

func tokenRequirements(amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            evm.SchemeDelegate,
		Network:           testNetwork,
		Asset:             testToken.Hex(),
		Amount:            amount,
		PayTo:             testPayee.Hex(),
		MaxTimeoutSeconds: 60,
	}
}

func nativeRequirements(amount string) x402.PaymentRequirements {
	req := tokenRequirements(amount)
	req.Asset = evm.NativeAssetAddress
	return req
}
