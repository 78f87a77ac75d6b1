package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-foundation/x402-delegate"
)

// paymentRequestSchema covers the envelope only. Scheme payloads are checked
// by their mechanism so that a malformed payload surfaces as a reason code.
const paymentRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["paymentPayload", "paymentRequirements"],
  "properties": {
    "x402Version": {"type": "integer"},
    "paymentPayload": {
      "type": "object",
      "required": ["payload"],
      "properties": {
        "x402Version": {"type": "integer"},
        "payload": {"type": "object"},
        "accepted": {"type": "object"}
      }
    },
    "paymentRequirements": {
      "type": "object",
      "required": ["scheme", "network"],
      "properties": {
        "scheme": {"type": "string", "minLength": 1},
        "network": {"type": "string", "minLength": 1},
        "asset": {"type": "string"},
        "amount": {"type": "string"},
        "payTo": {"type": "string"},
        "maxTimeoutSeconds": {"type": "integer", "minimum": 0},
        "extra": {"type": "object"}
      }
    }
  }
}`

var compiledRequestSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(paymentRequestSchema))
})

// decodePaymentRequest validates body against the request schema and decodes it
func decodePaymentRequest(body []byte) (*x402.VerifyRequest, error) {
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}

	schema, err := compiledRequestSchema()
	if err != nil {
		return nil, fmt.Errorf("request schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, fmt.Errorf("invalid request: %s", strings.Join(problems, "; "))
	}

	var req x402.VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}
