package evm

import (
	"math/big"
	"time"
)

const (
	// Scheme identifiers
	SchemeDelegate = "eip7702"
	SchemeExact    = "exact"

	// CaipFamily groups every EVM network in the supported response
	CaipFamily = "eip155:*"

	// EIP-712 domain of the Delegate settlement contract. The verifying contract
	// is the delegating account itself, since its code is the delegate's after EIP-7702.
	DelegateDomainName    = "Delegate"
	DelegateDomainVersion = "1.0"

	// Primary types hashed by the Delegate contract
	PrimaryTypeTokenTransfer  = "TokenTransfer"
	PrimaryTypeNativeTransfer = "NativeTransfer"

	// PrimaryTypeTransferWithAuthorization is the EIP-3009 message type
	PrimaryTypeTransferWithAuthorization = "TransferWithAuthorization"

	// Delegate contract functions
	FunctionExecuteTokenTransfer  = "executeTokenTransfer"
	FunctionExecuteNativeTransfer = "executeNativeTransfer"
	FunctionIsNonceUsed           = "isNonceUsed"

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// ERC-20
	FunctionBalanceOf = "balanceOf"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DeadlineBuffer is the grace window (in seconds) applied when checking intent
	// deadlines off-chain, to absorb latency until the transaction lands. The contract
	// checks block.timestamp with no buffer.
	DeadlineBuffer = 6

	// NativeAssetAddress is the sentinel asset for the chain's native coin
	NativeAssetAddress = "0x0000000000000000000000000000000000000000"

	// Gas limits for settlement transactions
	DefaultTokenTransferGas  uint64 = 150000
	DefaultNativeTransferGas uint64 = 100000
	// AuthorizationGas is added per SetCode authorization carried by a transaction
	AuthorizationGas uint64 = 25000
	// DefaultExactTransferGas covers transferWithAuthorization on an EIP-3009 token
	DefaultExactTransferGas uint64 = 120000

	// DefaultReceiptTimeout bounds the wait for a settlement receipt
	DefaultReceiptTimeout = 30 * time.Second

	// ReceiptPollInterval is the delay between receipt polls
	ReceiptPollInterval = time.Second
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
	ChainIDSepolia     = big.NewInt(11155111)
	ChainIDAnvil       = big.NewInt(31337)

	// KnownDelegates lists delegate contract deployments used when no address is configured.
	// 31337 is the first CREATE address of the default anvil deployer, where local
	// test setups deploy the contract.
	KnownDelegates = map[string]string{
		ChainIDAnvil.String(): "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}

	// DelegateABI is the externally callable surface of the Delegate settlement contract
	DelegateABI = []byte(`[
		{
			"inputs": [
				{"name": "token", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "recipient", "type": "address"},
				{"name": "nonce", "type": "uint256"},
				{"name": "deadline", "type": "uint256"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "executeTokenTransfer",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "amount", "type": "uint256"},
				{"name": "recipient", "type": "address"},
				{"name": "nonce", "type": "uint256"},
				{"name": "deadline", "type": "uint256"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "executeNativeTransfer",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "nonce", "type": "uint256"}
			],
			"name": "invalidateNonce",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "nonce", "type": "uint256"}
			],
			"name": "isNonceUsed",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// EIP-3009 ABI for transferWithAuthorization with bytes signature
	TransferWithAuthorizationBytesABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// DelegateDomainTypes is the EIP712Domain layout used by the Delegate contract
	DelegateDomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// IntentTypes holds both intent schemas. Field order is part of the on-chain
	// hashing contract; changing it is a protocol version change.
	IntentTypes = map[string][]TypedDataField{
		PrimaryTypeTokenTransfer: {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "recipient", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
		PrimaryTypeNativeTransfer: {
			{Name: "amount", Type: "uint256"},
			{Name: "recipient", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}

	// TransferWithAuthorizationTypes is the EIP-3009 message layout
	TransferWithAuthorizationTypes = []TypedDataField{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	}
)
