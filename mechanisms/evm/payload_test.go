package evm

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePayload(intent Intent) *DelegatePayload {
	sig := make([]byte, 65)
	sig[64] = 27
	return &DelegatePayload{
		Authorization: Authorization{
			ContractAddress: testToken,
			ChainID:         big.NewInt(84532),
			Nonce:           3,
			YParity:         1,
			R:               big.NewInt(0xabcdef),
			S:               big.NewInt(0x123456),
		},
		Intent:    intent,
		Signature: sig,
	}
}

func TestDelegatePayloadWireShape(t *testing.T) {
	intent := NewTokenIntent(testToken, big.NewInt(100), testRecipient, big.NewInt(12345), big.NewInt(1_700_000_000))
	m := samplePayload(intent).ToMap()

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"authorization": {
			"contractAddress": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			"chainId": "84532",
			"nonce": "3",
			"yParity": "0x1",
			"r": "0xabcdef",
			"s": "0x123456"
		},
		"intent": {
			"token": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			"amount": "100",
			"recipient": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			"nonce": "12345",
			"deadline": "1700000000"
		},
		"signature": "0x` + strings.Repeat("00", 64) + `1b"
	}`, string(raw))
}

func TestDelegatePayloadFromMap(t *testing.T) {
	t.Run("token variant survives JSON", func(t *testing.T) {
		want := samplePayload(NewTokenIntent(testToken, big.NewInt(100), testRecipient, big.NewInt(12345), big.NewInt(1_700_000_000)))

		raw, err := json.Marshal(want.ToMap())
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))

		got, err := DelegatePayloadFromMap(m)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("missing token means native", func(t *testing.T) {
		want := samplePayload(NewNativeIntent(big.NewInt(100), testRecipient, big.NewInt(1), big.NewInt(1_700_000_000)))

		got, err := DelegatePayloadFromMap(want.ToMap())
		require.NoError(t, err)
		assert.Equal(t, IntentKindNative, got.Intent.Kind)
		assert.Equal(t, want, got)
	})

	t.Run("legacy v and numeric fields", func(t *testing.T) {
		m := samplePayload(NewNativeIntent(big.NewInt(100), testRecipient, big.NewInt(1), big.NewInt(1_700_000_000))).ToMap()
		auth := m["authorization"].(map[string]interface{})
		delete(auth, "yParity")
		auth["v"] = float64(28)
		auth["chainId"] = float64(84532)
		m["intent"].(map[string]interface{})["amount"] = json.Number("100")

		got, err := DelegatePayloadFromMap(m)
		require.NoError(t, err)
		assert.Equal(t, uint8(1), got.Authorization.YParity)
		assert.Equal(t, big.NewInt(84532), got.Authorization.ChainID)
		assert.Equal(t, big.NewInt(100), got.Intent.Amount)
	})
}

func TestDelegatePayloadFromMapRejects(t *testing.T) {
	base := func() map[string]interface{} {
		return samplePayload(NewTokenIntent(testToken, big.NewInt(100), testRecipient, big.NewInt(1), big.NewInt(1_700_000_000))).ToMap()
	}
	intentOf := func(m map[string]interface{}) map[string]interface{} { return m["intent"].(map[string]interface{}) }
	authOf := func(m map[string]interface{}) map[string]interface{} { return m["authorization"].(map[string]interface{}) }

	tests := []struct {
		name   string
		mutate func(m map[string]interface{})
	}{
		{"no authorization", func(m map[string]interface{}) { delete(m, "authorization") }},
		{"no intent", func(m map[string]interface{}) { m["intent"] = "x" }},
		{"no signature", func(m map[string]interface{}) { delete(m, "signature") }},
		{"short signature", func(m map[string]interface{}) { m["signature"] = "0x1234" }},
		{"non-hex signature", func(m map[string]interface{}) { m["signature"] = "0xzz" }},
		{"negative amount", func(m map[string]interface{}) { intentOf(m)["amount"] = "-1" }},
		{"decimal amount", func(m map[string]interface{}) { intentOf(m)["amount"] = "1.5" }},
		{"bad recipient", func(m map[string]interface{}) { intentOf(m)["recipient"] = "0x1234" }},
		{"bad token", func(m map[string]interface{}) { intentOf(m)["token"] = 42 }},
		{"missing deadline", func(m map[string]interface{}) { delete(intentOf(m), "deadline") }},
		{"parity out of range", func(m map[string]interface{}) { authOf(m)["yParity"] = "0x2" }},
		{"auth nonce too large", func(m map[string]interface{}) { authOf(m)["nonce"] = "18446744073709551616" }},
		{"uint256 overflow", func(m map[string]interface{}) {
			authOf(m)["r"] = "0x1" + strings.Repeat("0", 64)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			_, err := DelegatePayloadFromMap(m)
			assert.Error(t, err)
		})
	}

	_, err := DelegatePayloadFromMap(nil)
	assert.Error(t, err)
}

func TestExactPayloadFromMap(t *testing.T) {
	p := &ExactEIP3009Payload{
		Signature: "0xdead",
		Authorization: ExactEIP3009Authorization{
			From:        testAccount.Hex(),
			To:          testRecipient.Hex(),
			Value:       "10",
			ValidAfter:  "0",
			ValidBefore: "100",
			Nonce:       "0x01",
		},
	}
	got, err := ExactPayloadFromMap(p.ToMap())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	m := p.ToMap()
	delete(m["authorization"].(map[string]interface{}), "validBefore")
	_, err = ExactPayloadFromMap(m)
	assert.Error(t, err)

	_, _, _, _, err = p.Authorization.Values()
	assert.Error(t, err, "nonce shorter than 32 bytes")
}
