// Package nonce tracks application nonces consumed by settled payment intents.
//
// A nonce is scoped to a chain and a delegating account: the same number used by
// two different payers, or by one payer on two chains, are distinct entries.
package nonce

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key identifies one application nonce
type Key struct {
	ChainID *big.Int
	Account common.Address
	Nonce   *big.Int
}

// NewKey builds a Key
func NewKey(chainID *big.Int, account common.Address, nonce *big.Int) Key {
	return Key{ChainID: chainID, Account: account, Nonce: nonce}
}

// String renders the key in a canonical form used by the stores
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ChainID.String(), strings.ToLower(k.Account.Hex()), k.Nonce.String())
}

// Ledger records consumed nonces. Implementations must be safe for concurrent use.
type Ledger interface {
	// Has reports whether key was already consumed. It never mutates the ledger.
	Has(ctx context.Context, key Key) (bool, error)

	// CheckAndMark atomically consumes key. It returns false without mutation
	// when key was already consumed. Among concurrent callers for the same key
	// exactly one observes true.
	CheckAndMark(ctx context.Context, key Key) (bool, error)
}
