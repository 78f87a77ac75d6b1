package evm

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-delegate"
)

// DelegateRegistry resolves the trusted Delegate contract for a chain.
// Lookup order: per-chain override, global default, KnownDelegates.
type DelegateRegistry struct {
	mu        sync.RWMutex
	global    *common.Address
	overrides map[string]common.Address
}

// NewDelegateRegistry creates a registry. A zero global address means no global default.
func NewDelegateRegistry(global common.Address) *DelegateRegistry {
	r := &DelegateRegistry{overrides: make(map[string]common.Address)}
	if global != (common.Address{}) {
		r.global = &global
	}
	return r
}

// SetOverride pins the delegate contract for one chain
func (r *DelegateRegistry) SetOverride(chainID *big.Int, contract common.Address) *DelegateRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[chainID.String()] = contract
	return r
}

// Resolve returns the trusted delegate for chainID
func (r *DelegateRegistry) Resolve(chainID *big.Int) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if addr, ok := r.overrides[chainID.String()]; ok {
		return addr, nil
	}
	if r.global != nil {
		return *r.global, nil
	}
	if known, ok := KnownDelegates[chainID.String()]; ok {
		return common.HexToAddress(known), nil
	}
	return common.Address{}, fmt.Errorf("%w for chain %s", x402.ErrDelegateNotSet, chainID)
}
