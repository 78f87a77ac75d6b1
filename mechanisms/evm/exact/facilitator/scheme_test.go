package facilitator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm/exact/client"
	signers "github.com/x402-foundation/x402-delegate/signers/evm"
)

var (
	testChainID = big.NewInt(84532)
	testNetwork = x402.Network("eip155:84532")
	testToken   = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testPayee   = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
)

type mockClient struct {
	mu sync.Mutex

	balance       *big.Int
	used          bool
	stateErr      error
	callErr       error
	receiptStatus uint64

	reads []string
	sent  []evm.TxRequest
}

func (m *mockClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *mockClient) GetTokenBalance(ctx context.Context, token common.Address, owner common.Address) (*big.Int, error) {
	return m.balance, nil
}

func (m *mockClient) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	return nil, nil
}

func (m *mockClient) Call(ctx context.Context, call evm.CallRequest) ([]byte, error) {
	return nil, m.callErr
}

func (m *mockClient) ReadContract(ctx context.Context, contract common.Address, abiJSON []byte, method string, args ...interface{}) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, method)
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	return []interface{}{m.used}, nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx evm.TxRequest) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	return common.HexToHash("0x01"), nil
}

func (m *mockClient) WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*evm.TransactionReceipt, error) {
	return &evm.TransactionReceipt{Status: m.receiptStatus, BlockNumber: 7, TxHash: txHash.Hex()}, nil
}

func (m *mockClient) GetAddresses() []string {
	return []string{"0x00000000000000000000000000000000000000AA"}
}

func (m *mockClient) GetChainID() *big.Int {
	return testChainID
}

type mockRegistry map[string]evm.ChainClient

func (r mockRegistry) Client(chainID *big.Int) (evm.ChainClient, error) {
	client, ok := r[chainID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", x402.ErrChainNotRegistered, chainID)
	}
	return client, nil
}

type fixture struct {
	t      *testing.T
	key    *ecdsa.PrivateKey
	payer  common.Address
	now    time.Time
	client *mockClient
	scheme *ExactEvmScheme
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fx := &fixture{
		t:      t,
		key:    key,
		payer:  crypto.PubkeyToAddress(key.PublicKey),
		now:    time.Unix(1_750_000_000, 0),
		client: &mockClient{balance: big.NewInt(1_000_000), receiptStatus: evm.TxStatusSuccess},
	}
	fx.scheme = NewExactEvmScheme(
		mockRegistry{testChainID.String(): fx.client},
		WithClock(func() time.Time { return fx.now }),
	)
	return fx
}

func requirements(amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            evm.SchemeExact,
		Network:           testNetwork,
		Asset:             testToken.Hex(),
		Amount:            amount,
		PayTo:             testPayee.Hex(),
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

func (fx *fixture) authorization(value string, validAfter, validBefore int64) evm.ExactEIP3009Authorization {
	nonce := make([]byte, 32)
	nonce[31] = 0xab
	return evm.ExactEIP3009Authorization{
		From:        fx.payer.Hex(),
		To:          testPayee.Hex(),
		Value:       value,
		ValidAfter:  fmt.Sprint(validAfter),
		ValidBefore: fmt.Sprint(validBefore),
		Nonce:       evm.BytesToHex(nonce),
	}
}

func (fx *fixture) sign(key *ecdsa.PrivateKey, auth evm.ExactEIP3009Authorization) x402.PaymentPayload {
	fx.t.Helper()
	digest, err := evm.HashEIP3009Authorization(auth, testChainID, testToken.Hex(), "USDC", "2")
	require.NoError(fx.t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(fx.t, err)
	sig[64] += 27

	p := &evm.ExactEIP3009Payload{Signature: evm.BytesToHex(sig), Authorization: auth}
	return x402.PaymentPayload{X402Version: x402.ProtocolVersion, Payload: p.ToMap()}
}

func (fx *fixture) valid() x402.PaymentPayload {
	return fx.sign(fx.key, fx.authorization("100", fx.now.Unix()-10, fx.now.Unix()+600))
}

func TestExactVerifyValid(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.scheme.Verify(context.Background(), fx.valid(), requirements("100"))
	require.NoError(t, err)
	assert.True(t, resp.IsValid, resp.InvalidReason)
	assert.Equal(t, fx.payer.Hex(), resp.Payer)
	assert.Equal(t, []string{evm.FunctionAuthorizationState}, fx.client.reads)
	assert.Empty(t, fx.client.sent)
}

func TestExactSettle(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.scheme.Settle(context.Background(), fx.valid(), requirements("100"))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.ErrorReason)
	assert.Equal(t, common.HexToHash("0x01").Hex(), resp.Transaction)
	assert.Equal(t, testNetwork, resp.Network)

	require.Len(t, fx.client.sent, 1)
	tx := fx.client.sent[0]
	assert.Equal(t, testToken, tx.To)
	assert.Empty(t, tx.Authorizations)
	assert.Equal(t, evm.DefaultExactTransferGas, tx.Gas)
}

func TestExactSettleOutcomes(t *testing.T) {
	t.Run("simulation revert", func(t *testing.T) {
		fx := newFixture(t)
		fx.client.callErr = &evm.RevertError{Reason: "FiatTokenV2: authorization is used or canceled"}

		resp, err := fx.scheme.Settle(context.Background(), fx.valid(), requirements("100"))
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, x402.ReasonTransactionSimulationFailed, resp.ErrorReason)
		assert.Empty(t, fx.client.sent)
	})

	t.Run("simulation transport fault", func(t *testing.T) {
		fx := newFixture(t)
		fx.client.callErr = errors.New("connection refused")

		_, err := fx.scheme.Settle(context.Background(), fx.valid(), requirements("100"))
		var fe *x402.FacilitatorError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "settle", fe.Op)
	})

	t.Run("reverted receipt", func(t *testing.T) {
		fx := newFixture(t)
		fx.client.receiptStatus = evm.TxStatusFailed

		resp, err := fx.scheme.Settle(context.Background(), fx.valid(), requirements("100"))
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, x402.ReasonTransactionReverted, resp.ErrorReason)
		assert.NotEmpty(t, resp.Transaction)
	})
}

func TestExactVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements)
		reason string
	}{
		{
			name: "scheme mismatch",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				req := requirements("100")
				req.Scheme = evm.SchemeDelegate
				return fx.valid(), req
			},
			reason: x402.ReasonUnsupportedScheme,
		},
		{
			name: "accepted network differs",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				p := fx.valid()
				accepted := requirements("100")
				accepted.Network = "eip155:8453"
				p.Accepted = &accepted
				return p, requirements("100")
			},
			reason: x402.ReasonNetworkMismatch,
		},
		{
			name: "malformed payload",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				return x402.PaymentPayload{Payload: map[string]interface{}{"authorization": "nope"}}, requirements("100")
			},
			reason: x402.ReasonInvalidPayload,
		},
		{
			name: "native asset",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				req := requirements("100")
				req.Asset = evm.NativeAssetAddress
				return fx.valid(), req
			},
			reason: x402.ReasonAssetMismatch,
		},
		{
			name: "recipient mismatch",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				req := requirements("100")
				req.PayTo = "0x1111111111111111111111111111111111111111"
				return fx.valid(), req
			},
			reason: x402.ReasonRecipientMismatch,
		},
		{
			name: "value below requirement",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				return fx.valid(), requirements("101")
			},
			reason: x402.ReasonInsufficientPaymentAmount,
		},
		{
			name: "missing token domain",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				req := requirements("100")
				req.Extra = nil
				return fx.valid(), req
			},
			reason: x402.ReasonInvalidPayload,
		},
		{
			name: "signed by another key",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				other, err := crypto.GenerateKey()
				require.NoError(fx.t, err)
				return fx.sign(other, fx.authorization("100", 0, fx.now.Unix()+600)), requirements("100")
			},
			reason: x402.ReasonInvalidSignature,
		},
		{
			name: "valid before inside buffer",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				return fx.sign(fx.key, fx.authorization("100", 0, fx.now.Unix()+5)), requirements("100")
			},
			reason: x402.ReasonExpired,
		},
		{
			name: "not yet valid",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				return fx.sign(fx.key, fx.authorization("100", fx.now.Unix()+30, fx.now.Unix()+600)), requirements("100")
			},
			reason: x402.ReasonExpired,
		},
		{
			name: "authorization already used",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				fx.client.used = true
				return fx.valid(), requirements("100")
			},
			reason: x402.ReasonNonceUsed,
		},
		{
			name: "insufficient balance",
			mutate: func(fx *fixture) (x402.PaymentPayload, x402.PaymentRequirements) {
				fx.client.balance = big.NewInt(99)
				return fx.valid(), requirements("100")
			},
			reason: x402.ReasonInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			payload, req := tt.mutate(fx)

			resp, err := fx.scheme.Verify(context.Background(), payload, req)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
		})
	}
}

func TestExactInfrastructureFaults(t *testing.T) {
	t.Run("authorization state unreadable", func(t *testing.T) {
		fx := newFixture(t)
		fx.client.stateErr = fmt.Errorf("%w: dial tcp", x402.ErrAllEndpointsFailed)

		_, err := fx.scheme.Verify(context.Background(), fx.valid(), requirements("100"))
		require.ErrorIs(t, err, x402.ErrAllEndpointsFailed)
		var fe *x402.FacilitatorError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, fx.payer.Hex(), fe.Payer)
	})

	t.Run("unregistered chain", func(t *testing.T) {
		fx := newFixture(t)
		req := requirements("100")
		req.Network = "eip155:1"

		_, err := fx.scheme.Verify(context.Background(), fx.valid(), req)
		assert.ErrorIs(t, err, x402.ErrChainNotRegistered)
	})

	t.Run("malformed network", func(t *testing.T) {
		fx := newFixture(t)
		req := requirements("100")
		req.Network = "solana:mainnet"

		_, err := fx.scheme.Verify(context.Background(), fx.valid(), req)
		assert.ErrorIs(t, err, x402.ErrMalformedNetwork)
	})
}

func TestExactSupportedMetadata(t *testing.T) {
	fx := newFixture(t)
	assert.Equal(t, evm.SchemeExact, fx.scheme.Scheme())
	assert.Equal(t, evm.CaipFamily, fx.scheme.CaipFamily())
	assert.Nil(t, fx.scheme.GetExtra(testNetwork))
	assert.Equal(t, []string{"0x00000000000000000000000000000000000000AA"}, fx.scheme.GetSigners(testNetwork))
	assert.Nil(t, fx.scheme.GetSigners("eip155:1"))
}

func TestExactVerifyClientBuiltPayload(t *testing.T) {
	fx := newFixture(t)
	payer := client.NewExactEvmScheme(signers.NewClientSigner(fx.key, nil))

	req := requirements("100")
	payload, err := payer.CreatePaymentPayload(context.Background(), req)
	require.NoError(t, err)

	resp, err := fx.scheme.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, resp.InvalidReason)
	assert.Equal(t, fx.payer.Hex(), resp.Payer)
}
