package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402evm "github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNewClientSignerFromPrivateKey(t *testing.T) {
	signer, err := NewClientSignerFromPrivateKey(testPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), signer.Address())

	_, err = NewClientSignerFromPrivateKey("0xnot-a-key")
	assert.Error(t, err)
}

func TestClientSignerSignTypedDataRecovers(t *testing.T) {
	signer, err := NewClientSignerFromPrivateKey(testPrivateKey)
	require.NoError(t, err)

	intent := x402evm.NewNativeIntent(big.NewInt(100), common.Address{9}, big.NewInt(1), big.NewInt(1_900_000_000))
	primaryType, types, message, err := x402evm.IntentTypedData(intent)
	require.NoError(t, err)
	domain := x402evm.DelegateDomain(testChainID, signer.Address())

	sig, err := signer.SignTypedData(context.Background(), domain, types, primaryType, message)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	digest, err := x402evm.HashIntent(intent, testChainID, signer.Address())
	require.NoError(t, err)
	recovered, err := x402evm.RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestClientSignerSignAuthorization(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewClientSigner(key, nil)
	delegate := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	auth, err := signer.SignAuthorization(context.Background(), testChainID, delegate, 7)
	require.NoError(t, err)
	assert.Equal(t, delegate, auth.Address)
	assert.Equal(t, uint64(7), auth.Nonce)
	assert.Equal(t, testChainID, auth.ChainID.ToBig())

	recovered, err := x402evm.VerifyAuthorization(x402evm.AuthorizationFromSetCode(auth), delegate)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestClientSignerAccountNonceNeedsClient(t *testing.T) {
	signer, err := NewClientSignerFromPrivateKey(testPrivateKey)
	require.NoError(t, err)

	_, err = signer.AccountNonce(context.Background())
	assert.Error(t, err)
}
