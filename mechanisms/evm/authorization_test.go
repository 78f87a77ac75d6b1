package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trustedDelegate = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func signedAuthorization(t *testing.T, contract common.Address) (Authorization, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signed, err := types.SignSetCode(key, types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(84532),
		Address: contract,
		Nonce:   9,
	})
	require.NoError(t, err)
	return AuthorizationFromSetCode(signed), crypto.PubkeyToAddress(key.PublicKey)
}

func TestVerifyAuthorization(t *testing.T) {
	auth, signer := signedAuthorization(t, trustedDelegate)

	got, err := VerifyAuthorization(auth, trustedDelegate)
	require.NoError(t, err)
	assert.Equal(t, signer, got)
}

func TestVerifyAuthorizationUntrustedDelegate(t *testing.T) {
	other := common.HexToAddress("0x9999999999999999999999999999999999999999")

	// A valid signature over another contract
	auth, _ := signedAuthorization(t, other)
	_, err := VerifyAuthorization(auth, trustedDelegate)
	assert.ErrorIs(t, err, ErrUntrustedDelegate)

	// Garbage signature still reports the delegate first
	auth.R = big.NewInt(0)
	auth.S = big.NewInt(0)
	_, err = VerifyAuthorization(auth, trustedDelegate)
	assert.ErrorIs(t, err, ErrUntrustedDelegate)
}

func TestVerifyAuthorizationInvalidSignature(t *testing.T) {
	auth, _ := signedAuthorization(t, trustedDelegate)
	auth.R = big.NewInt(0)

	_, err := VerifyAuthorization(auth, trustedDelegate)
	assert.ErrorIs(t, err, ErrInvalidAuthorizationSignature)

	auth.R = nil
	_, err = VerifyAuthorization(auth, trustedDelegate)
	assert.ErrorIs(t, err, ErrInvalidAuthorizationSignature)
}

func TestVerifyAuthorizationTamperedFields(t *testing.T) {
	auth, signer := signedAuthorization(t, trustedDelegate)
	auth.Nonce++

	got, err := VerifyAuthorization(auth, trustedDelegate)
	if err == nil {
		assert.NotEqual(t, signer, got)
	}
}

func TestAuthorizationSetCodeConversion(t *testing.T) {
	auth, _ := signedAuthorization(t, trustedDelegate)

	setCode, err := auth.SetCode()
	require.NoError(t, err)
	assert.Equal(t, auth, AuthorizationFromSetCode(setCode))

	auth.ChainID = new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = auth.SetCode()
	assert.Error(t, err)
}
