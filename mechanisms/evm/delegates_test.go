package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-delegate"
)

func TestDelegateRegistryResolve(t *testing.T) {
	global := common.HexToAddress("0x1111111111111111111111111111111111111111")
	override := common.HexToAddress("0x2222222222222222222222222222222222222222")

	registry := NewDelegateRegistry(global).SetOverride(ChainIDBase, override)

	got, err := registry.Resolve(ChainIDBase)
	require.NoError(t, err)
	assert.Equal(t, override, got)

	got, err = registry.Resolve(ChainIDBaseSepolia)
	require.NoError(t, err)
	assert.Equal(t, global, got)

	// global wins over the known deployment
	got, err = registry.Resolve(ChainIDAnvil)
	require.NoError(t, err)
	assert.Equal(t, global, got)
}

func TestDelegateRegistryKnownDefaults(t *testing.T) {
	registry := NewDelegateRegistry(common.Address{})

	got, err := registry.Resolve(big.NewInt(31337))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), got)

	_, err = registry.Resolve(ChainIDSepolia)
	assert.ErrorIs(t, err, x402.ErrDelegateNotSet)
}
