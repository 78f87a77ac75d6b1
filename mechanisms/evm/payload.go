package evm

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ToMap converts a DelegatePayload to the wire map carried in PaymentPayload.Payload
func (p *DelegatePayload) ToMap() map[string]interface{} {
	intent := map[string]interface{}{
		"amount":    p.Intent.Amount.String(),
		"recipient": p.Intent.Recipient.Hex(),
		"nonce":     p.Intent.Nonce.String(),
		"deadline":  p.Intent.Deadline.String(),
	}
	if p.Intent.Kind == IntentKindToken {
		intent["token"] = p.Intent.Token.Hex()
	}

	return map[string]interface{}{
		"authorization": map[string]interface{}{
			"contractAddress": p.Authorization.ContractAddress.Hex(),
			"chainId":         p.Authorization.ChainID.String(),
			"nonce":           fmt.Sprintf("%d", p.Authorization.Nonce),
			"yParity":         fmt.Sprintf("0x%x", p.Authorization.YParity),
			"r":               BigToHex(p.Authorization.R),
			"s":               BigToHex(p.Authorization.S),
		},
		"intent":    intent,
		"signature": BytesToHex(p.Signature),
	}
}

// DelegatePayloadFromMap parses the wire map. The intent is the token variant
// when it carries a "token" field and the native variant otherwise.
func DelegatePayloadFromMap(data map[string]interface{}) (*DelegatePayload, error) {
	if data == nil {
		return nil, fmt.Errorf("payload is empty")
	}

	authMap, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	auth, err := parseAuthorization(authMap)
	if err != nil {
		return nil, err
	}

	intentMap, ok := data["intent"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid intent field")
	}
	intent, err := parseIntent(intentMap)
	if err != nil {
		return nil, err
	}

	sigHex, ok := data["signature"].(string)
	if !ok || sigHex == "" {
		return nil, fmt.Errorf("missing or invalid signature field")
	}
	signature, err := HexToBytes(sigHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if len(signature) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	return &DelegatePayload{
		Authorization: auth,
		Intent:        intent,
		Signature:     signature,
	}, nil
}

func parseAuthorization(m map[string]interface{}) (Authorization, error) {
	var auth Authorization

	contract, err := parseAddress(m, "contractAddress")
	if err != nil {
		return auth, fmt.Errorf("authorization.%w", err)
	}
	chainID, err := parseBig(m["chainId"])
	if err != nil {
		return auth, fmt.Errorf("authorization.chainId: %w", err)
	}
	nonce, err := parseBig(m["nonce"])
	if err != nil {
		return auth, fmt.Errorf("authorization.nonce: %w", err)
	}
	if !nonce.IsUint64() {
		return auth, fmt.Errorf("authorization.nonce out of range")
	}

	parityRaw, ok := m["yParity"]
	if !ok {
		parityRaw = m["v"]
	}
	parity, err := parseBig(parityRaw)
	if err != nil {
		return auth, fmt.Errorf("authorization.yParity: %w", err)
	}
	if !parity.IsUint64() {
		return auth, fmt.Errorf("authorization.yParity out of range")
	}
	yParity := parity.Uint64()
	if yParity >= 27 {
		yParity -= 27
	}
	if yParity > 1 {
		return auth, fmt.Errorf("authorization.yParity must be 0 or 1")
	}

	r, err := parseBig(m["r"])
	if err != nil {
		return auth, fmt.Errorf("authorization.r: %w", err)
	}
	s, err := parseBig(m["s"])
	if err != nil {
		return auth, fmt.Errorf("authorization.s: %w", err)
	}

	auth.ContractAddress = contract
	auth.ChainID = chainID
	auth.Nonce = nonce.Uint64()
	auth.YParity = uint8(yParity)
	auth.R = r
	auth.S = s
	return auth, nil
}

func parseIntent(m map[string]interface{}) (Intent, error) {
	amount, err := parseBig(m["amount"])
	if err != nil {
		return Intent{}, fmt.Errorf("intent.amount: %w", err)
	}
	recipient, err := parseAddress(m, "recipient")
	if err != nil {
		return Intent{}, fmt.Errorf("intent.%w", err)
	}
	nonce, err := parseBig(m["nonce"])
	if err != nil {
		return Intent{}, fmt.Errorf("intent.nonce: %w", err)
	}
	deadline, err := parseBig(m["deadline"])
	if err != nil {
		return Intent{}, fmt.Errorf("intent.deadline: %w", err)
	}

	if _, hasToken := m["token"]; !hasToken {
		return NewNativeIntent(amount, recipient, nonce, deadline), nil
	}
	token, err := parseAddress(m, "token")
	if err != nil {
		return Intent{}, fmt.Errorf("intent.%w", err)
	}
	return NewTokenIntent(token, amount, recipient, nonce, deadline), nil
}

func parseAddress(m map[string]interface{}, field string) (common.Address, error) {
	s, ok := m[field].(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address", field)
	}
	return common.HexToAddress(s), nil
}

// parseBig accepts decimal strings, 0x-prefixed hex strings and JSON numbers.
// Negative values are rejected since every numeric field is unsigned on chain.
func parseBig(v interface{}) (*big.Int, error) {
	var n *big.Int
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, fmt.Errorf("empty value")
		}
		var ok bool
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, ok = new(big.Int).SetString(s[2:], 16)
		} else {
			n, ok = new(big.Int).SetString(s, 10)
		}
		if !ok {
			return nil, fmt.Errorf("invalid number %q", val)
		}
	case float64:
		if val != math.Trunc(val) || val > math.MaxInt64 {
			return nil, fmt.Errorf("invalid number %v", val)
		}
		n = big.NewInt(int64(val))
	case json.Number:
		var ok bool
		n, ok = new(big.Int).SetString(val.String(), 10)
		if !ok {
			return nil, fmt.Errorf("invalid number %q", val)
		}
	case nil:
		return nil, fmt.Errorf("missing value")
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative value")
	}
	if n.BitLen() > 256 {
		return nil, fmt.Errorf("value overflows uint256")
	}
	return n, nil
}
