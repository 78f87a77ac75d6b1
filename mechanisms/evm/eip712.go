package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// HashTypedData returns the EIP-712 digest of the typed data
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
//
// Args:
//
//	domain: The EIP-712 domain separator parameters
//	types: The type definitions for the structured data
//	primaryType: The name of the primary type being hashed
//	message: The message data to hash
//
// Returns:
//
//	32-byte hash suitable for signing or verification
//	error if hashing fails
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// DelegateDomain returns the signing domain for intents of account on chainID.
// The account is the verifying contract because it runs the delegate's code.
func DelegateDomain(chainID *big.Int, account common.Address) TypedDataDomain {
	return TypedDataDomain{
		Name:              DelegateDomainName,
		Version:           DelegateDomainVersion,
		ChainID:           chainID,
		VerifyingContract: account.Hex(),
	}
}

// IntentTypedData returns the primary type, the type set and the message for
// an intent. The schema follows the intent's kind.
func IntentTypedData(intent Intent) (string, map[string][]TypedDataField, map[string]interface{}, error) {
	if intent.Amount == nil || intent.Nonce == nil || intent.Deadline == nil {
		return "", nil, nil, fmt.Errorf("intent is incomplete")
	}

	primaryType, err := intent.Kind.PrimaryType()
	if err != nil {
		return "", nil, nil, err
	}

	message := map[string]interface{}{
		"amount":    intent.Amount,
		"recipient": intent.Recipient.Hex(),
		"nonce":     intent.Nonce,
		"deadline":  intent.Deadline,
	}
	if intent.Kind == IntentKindToken {
		message["token"] = intent.Token.Hex()
	}

	types := map[string][]TypedDataField{
		"EIP712Domain": DelegateDomainTypes,
		primaryType:    IntentTypes[primaryType],
	}
	return primaryType, types, message, nil
}

// HashIntent computes the digest the payer signs for intent and that the
// Delegate contract recomputes on chain.
func HashIntent(intent Intent, chainID *big.Int, account common.Address) ([]byte, error) {
	primaryType, types, message, err := IntentTypedData(intent)
	if err != nil {
		return nil, err
	}
	return HashTypedData(DelegateDomain(chainID, account), types, primaryType, message)
}

// EIP3009TypedData returns the domain, types and message of a TransferWithAuthorization
// for token, whose EIP-712 domain is named name at version.
func EIP3009TypedData(
	authorization ExactEIP3009Authorization,
	chainID *big.Int,
	token string,
	name string,
	version string,
) (TypedDataDomain, map[string][]TypedDataField, map[string]interface{}, error) {
	message, err := authorization.message()
	if err != nil {
		return TypedDataDomain{}, nil, nil, err
	}
	domain := TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: token,
	}
	types := map[string][]TypedDataField{
		"EIP712Domain":                       DelegateDomainTypes,
		PrimaryTypeTransferWithAuthorization: TransferWithAuthorizationTypes,
	}
	return domain, types, message, nil
}

// HashEIP3009Authorization hashes a TransferWithAuthorization message for EIP-3009
//
// Args:
//
//	authorization: The EIP-3009 authorization data
//	chainID: The chain ID for the EIP-712 domain
//	verifyingContract: The token contract address
//	tokenName: The token name (e.g., "USD Coin")
//	tokenVersion: The token version (e.g., "2")
func HashEIP3009Authorization(
	authorization ExactEIP3009Authorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	domain, types, message, err := EIP3009TypedData(authorization, chainID, verifyingContract, tokenName, tokenVersion)
	if err != nil {
		return nil, err
	}
	return HashTypedData(domain, types, PrimaryTypeTransferWithAuthorization, message)
}
