package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// IntentKind tags the two payment intent shapes signed for the Delegate contract
type IntentKind int

const (
	IntentKindToken IntentKind = iota + 1
	IntentKindNative
)

func (k IntentKind) String() string {
	switch k {
	case IntentKindToken:
		return "token"
	case IntentKindNative:
		return "native"
	default:
		return fmt.Sprintf("IntentKind(%d)", int(k))
	}
}

// PrimaryType returns the EIP-712 struct name for the kind
func (k IntentKind) PrimaryType() (string, error) {
	switch k {
	case IntentKindToken:
		return PrimaryTypeTokenTransfer, nil
	case IntentKindNative:
		return PrimaryTypeNativeTransfer, nil
	default:
		return "", fmt.Errorf("unknown intent kind %d", int(k))
	}
}

// Intent is a signed payment intent. Token is only meaningful for IntentKindToken.
type Intent struct {
	Kind      IntentKind
	Token     common.Address
	Amount    *big.Int
	Recipient common.Address
	Nonce     *big.Int // application nonce, unrelated to the account's tx nonce
	Deadline  *big.Int // unix seconds
}

// NewTokenIntent builds an ERC-20 transfer intent
func NewTokenIntent(token common.Address, amount *big.Int, recipient common.Address, nonce, deadline *big.Int) Intent {
	return Intent{
		Kind:      IntentKindToken,
		Token:     token,
		Amount:    amount,
		Recipient: recipient,
		Nonce:     nonce,
		Deadline:  deadline,
	}
}

// NewNativeIntent builds a native coin transfer intent
func NewNativeIntent(amount *big.Int, recipient common.Address, nonce, deadline *big.Int) Intent {
	return Intent{
		Kind:      IntentKindNative,
		Amount:    amount,
		Recipient: recipient,
		Nonce:     nonce,
		Deadline:  deadline,
	}
}

// Authorization is an EIP-7702 delegation authorization signed by the payer
type Authorization struct {
	ContractAddress common.Address
	ChainID         *big.Int
	Nonce           uint64 // account nonce of the payer, not the intent nonce
	YParity         uint8
	R               *big.Int
	S               *big.Int
}

// SetCode converts the authorization to the go-ethereum representation
func (a Authorization) SetCode() (types.SetCodeAuthorization, error) {
	if a.ChainID == nil || a.R == nil || a.S == nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("authorization is incomplete")
	}
	chainID, overflow := uint256.FromBig(a.ChainID)
	if overflow {
		return types.SetCodeAuthorization{}, fmt.Errorf("authorization chainId overflows uint256")
	}
	r, overflow := uint256.FromBig(a.R)
	if overflow {
		return types.SetCodeAuthorization{}, fmt.Errorf("authorization r overflows uint256")
	}
	s, overflow := uint256.FromBig(a.S)
	if overflow {
		return types.SetCodeAuthorization{}, fmt.Errorf("authorization s overflows uint256")
	}
	return types.SetCodeAuthorization{
		ChainID: *chainID,
		Address: a.ContractAddress,
		Nonce:   a.Nonce,
		V:       a.YParity,
		R:       *r,
		S:       *s,
	}, nil
}

// AuthorizationFromSetCode converts a signed go-ethereum authorization
func AuthorizationFromSetCode(auth types.SetCodeAuthorization) Authorization {
	return Authorization{
		ContractAddress: auth.Address,
		ChainID:         auth.ChainID.ToBig(),
		Nonce:           auth.Nonce,
		YParity:         auth.V,
		R:               auth.R.ToBig(),
		S:               auth.S.ToBig(),
	}
}

// DelegatePayload is the scheme-specific content of PaymentPayload.Payload
type DelegatePayload struct {
	Authorization Authorization
	Intent        Intent
	Signature     []byte // 65-byte EIP-712 signature over the intent
}

// CallRequest describes a read-only call
type CallRequest struct {
	From common.Address
	To   common.Address
	Data []byte
}

// TxRequest describes a transaction for the relayer to sign and send.
// A non-empty Authorizations list makes it a SetCode (type 0x04) transaction.
type TxRequest struct {
	To             common.Address
	Data           []byte
	Value          *big.Int
	Gas            uint64
	Authorizations []types.SetCodeAuthorization
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
	GasUsed     uint64 `json:"gasUsed"`
}

// ReadClient is the read side of a chain client
type ReadClient interface {
	// GetBalance returns the native coin balance of address
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)

	// GetTokenBalance returns the ERC-20 balance of owner via balanceOf
	GetTokenBalance(ctx context.Context, token common.Address, owner common.Address) (*big.Int, error)

	// GetCode returns the code at address; empty for a plain EOA
	GetCode(ctx context.Context, address common.Address) ([]byte, error)

	// Call executes a read-only call. A revert is reported as an error that
	// satisfies IsExecutionReverted.
	Call(ctx context.Context, call CallRequest) ([]byte, error)

	// ReadContract packs method with args, calls it and unpacks the outputs
	ReadContract(ctx context.Context, contract common.Address, abiJSON []byte, method string, args ...interface{}) ([]interface{}, error)
}

// WriteClient is the write side of a chain client
type WriteClient interface {
	// SendTransaction signs and broadcasts tx from the relayer account
	SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error)

	// WaitForTransactionReceipt polls for the receipt until ctx is done
	WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*TransactionReceipt, error)
}

// ChainClient bundles the capabilities the mechanisms need for one chain
type ChainClient interface {
	ReadClient
	WriteClient

	// GetAddresses returns the relayer addresses that sign for this chain
	GetAddresses() []string

	// GetChainID returns the chain this client is bound to
	GetChainID() *big.Int
}

// ChainRegistry resolves the client for a chain id. Unknown chains fail with
// an error wrapping x402.ErrChainNotRegistered.
type ChainRegistry interface {
	Client(chainID *big.Int) (ChainClient, error)
}

// ClientEvmSigner signs on behalf of a payer
type ClientEvmSigner interface {
	// Address returns the signer's Ethereum address
	Address() common.Address

	// SignTypedData signs EIP-712 typed data and returns a 65-byte signature with v in {27,28}
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)

	// SignAuthorization signs an EIP-7702 delegation to contract on chainID with the account nonce
	SignAuthorization(ctx context.Context, chainID *big.Int, contract common.Address, nonce uint64) (types.SetCodeAuthorization, error)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}
