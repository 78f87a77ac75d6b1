package evm

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	x402 "github.com/x402-foundation/x402-delegate"
	x402evm "github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

// ChainRegistry maps chain ids to relayers. Registration happens at startup;
// lookups are safe for concurrent use.
type ChainRegistry struct {
	mu       sync.RWMutex
	relayers map[string]*RelayerSigner
}

func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{relayers: make(map[string]*RelayerSigner)}
}

// Register binds relayer to chainID, replacing any previous binding
func (r *ChainRegistry) Register(chainID *big.Int, relayer *RelayerSigner) error {
	if relayer.GetChainID().Cmp(chainID) != 0 {
		return fmt.Errorf("relayer for chain %s registered as chain %s", relayer.GetChainID(), chainID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, ok := r.relayers[chainID.String()]; ok && previous != relayer {
		previous.Close()
	}
	r.relayers[chainID.String()] = relayer
	return nil
}

// Client returns the client for chainID or an error wrapping x402.ErrChainNotRegistered
func (r *ChainRegistry) Client(chainID *big.Int) (x402evm.ChainClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	relayer, ok := r.relayers[chainID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", x402.ErrChainNotRegistered, chainID)
	}
	return relayer, nil
}

// ChainIDs returns the registered chains in ascending order
func (r *ChainRegistry) ChainIDs() []*big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]*big.Int, 0, len(r.relayers))
	for _, relayer := range r.relayers {
		ids = append(ids, relayer.GetChainID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}

// Networks returns the CAIP-2 identifiers of the registered chains
func (r *ChainRegistry) Networks() []x402.Network {
	ids := r.ChainIDs()
	networks := make([]x402.Network, len(ids))
	for i, id := range ids {
		networks[i] = x402.EVMNetwork(id)
	}
	return networks
}

// Close closes every relayer
func (r *ChainRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, relayer := range r.relayers {
		relayer.Close()
	}
}
