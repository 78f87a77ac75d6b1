package evm

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var transferWithAuthorizationABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(TransferWithAuthorizationBytesABI))
})

// ExactEIP3009Authorization represents the EIP-3009 TransferWithAuthorization data
type ExactEIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex)
	Value       string `json:"value"`       // Amount in base units as string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as string
	ValidBefore string `json:"validBefore"` // Unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// ExactEIP3009Payload represents the exact payment payload for EVM networks
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature,omitempty"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// ToMap converts an ExactEIP3009Payload to a map for JSON marshaling
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// ExactPayloadFromMap creates an ExactEIP3009Payload from a map.
// All authorization fields are required.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactEIP3009Payload, error) {
	payload := &ExactEIP3009Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}

	fields := []struct {
		name string
		dst  *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validAfter", &payload.Authorization.ValidAfter},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	}
	for _, f := range fields {
		v, ok := auth[f.name].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", f.name)
		}
		*f.dst = v
	}

	return payload, nil
}

// Values parses the numeric fields of the authorization
func (a ExactEIP3009Authorization) Values() (value, validAfter, validBefore *big.Int, nonce [32]byte, err error) {
	var ok bool
	if value, ok = new(big.Int).SetString(a.Value, 10); !ok {
		return nil, nil, nil, nonce, fmt.Errorf("invalid authorization value: %s", a.Value)
	}
	if validAfter, ok = new(big.Int).SetString(a.ValidAfter, 10); !ok {
		return nil, nil, nil, nonce, fmt.Errorf("invalid validAfter: %s", a.ValidAfter)
	}
	if validBefore, ok = new(big.Int).SetString(a.ValidBefore, 10); !ok {
		return nil, nil, nil, nonce, fmt.Errorf("invalid validBefore: %s", a.ValidBefore)
	}
	nonceBytes, err := HexToBytes(a.Nonce)
	if err != nil {
		return nil, nil, nil, nonce, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonceBytes) != 32 {
		return nil, nil, nil, nonce, fmt.Errorf("nonce must be 32 bytes, got %d", len(nonceBytes))
	}
	copy(nonce[:], nonceBytes)
	return value, validAfter, validBefore, nonce, nil
}

func (a ExactEIP3009Authorization) message() (map[string]interface{}, error) {
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("invalid authorization address")
	}
	value, validAfter, validBefore, nonce, err := a.Values()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"from":        common.HexToAddress(a.From).Hex(),
		"to":          common.HexToAddress(a.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}, nil
}

// ExactTransferCalldata encodes transferWithAuthorization(from,to,value,validAfter,validBefore,nonce,signature)
// for the token contract
func ExactTransferCalldata(auth ExactEIP3009Authorization, signature []byte) ([]byte, error) {
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("invalid authorization address")
	}
	value, validAfter, validBefore, nonce, err := auth.Values()
	if err != nil {
		return nil, err
	}
	parsed, err := transferWithAuthorizationABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse EIP-3009 ABI: %w", err)
	}
	return parsed.Pack(FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce, signature)
}
