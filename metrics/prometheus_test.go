package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-delegate"
)

type stubMechanism struct {
	verify *x402.VerifyResponse
	settle *x402.SettleResponse
	err    error
}

func (s *stubMechanism) Scheme() string                               { return "eip7702" }
func (s *stubMechanism) CaipFamily() string                           { return "eip155:*" }
func (s *stubMechanism) GetExtra(x402.Network) map[string]interface{} { return nil }
func (s *stubMechanism) GetSigners(x402.Network) []string             { return nil }

func (s *stubMechanism) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return s.verify, s.err
}

func (s *stubMechanism) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return s.settle, s.err
}

func requirements(network x402.Network) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:  "eip7702",
		Network: network,
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "100",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
}

func setup(mech *stubMechanism) (*PrometheusRecorder, *x402.X402Facilitator) {
	recorder := NewPrometheusRecorder()
	f := x402.Newx402Facilitator().Register([]x402.Network{"eip155:84532"}, mech)
	recorder.Instrument(f)
	return recorder, f
}

func TestInstrumentVerifyOutcomes(t *testing.T) {
	mech := &stubMechanism{verify: x402.Valid("0xpayer")}
	recorder, f := setup(mech)
	ctx := context.Background()

	_, err := f.Verify(ctx, x402.PaymentPayload{}, requirements("eip155:84532"))
	require.NoError(t, err)

	mech.verify = x402.Invalid(x402.ReasonExpired)
	_, err = f.Verify(ctx, x402.PaymentPayload{}, requirements("eip155:84532"))
	require.NoError(t, err)

	mech.verify = x402.Invalid("something the mechanism made up")
	_, err = f.Verify(ctx, x402.PaymentPayload{}, requirements("eip155:84532"))
	require.NoError(t, err)

	mech.verify, mech.err = nil, errors.New("rpc down")
	_, err = f.Verify(ctx, x402.PaymentPayload{}, requirements("eip155:84532"))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.verify.WithLabelValues("eip155:84532", "eip7702", ResultValid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.verify.WithLabelValues("eip155:84532", "eip7702", x402.ReasonExpired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.verify.WithLabelValues("eip155:84532", "eip7702", ResultOther)))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.verify.WithLabelValues("eip155:84532", "eip7702", ResultError)))
}

func TestInstrumentSettleOutcomes(t *testing.T) {
	mech := &stubMechanism{settle: &x402.SettleResponse{Success: true, Transaction: "0x01", Network: "eip155:84532"}}
	recorder, f := setup(mech)
	ctx := context.Background()

	_, err := f.Settle(ctx, x402.PaymentPayload{}, requirements("eip155:84532"))
	require.NoError(t, err)

	mech.settle = &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonTransactionReverted}
	_, err = f.Settle(ctx, x402.PaymentPayload{}, requirements("eip155:84532"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.settle.WithLabelValues("eip155:84532", "eip7702", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.settle.WithLabelValues("eip155:84532", "eip7702", x402.ReasonTransactionReverted)))
	assert.Equal(t, 1, testutil.CollectAndCount(recorder.duration), "one settle series per network")
}

func TestInstrumentCollapsesUnsupportedKinds(t *testing.T) {
	recorder, f := setup(&stubMechanism{})

	for _, network := range []x402.Network{"eip155:1", "eip155:2", "eip155:3"} {
		_, err := f.Verify(context.Background(), x402.PaymentPayload{}, requirements(network))
		require.ErrorIs(t, err, x402.ErrUnsupportedScheme)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.verify.WithLabelValues(Unsupported, Unsupported, ResultError)))
	assert.Equal(t, 1, testutil.CollectAndCount(recorder.verify))
}

func TestHandlerExposesFamilies(t *testing.T) {
	recorder, f := setup(&stubMechanism{verify: x402.Valid("0xpayer")})
	_, err := f.Verify(context.Background(), x402.PaymentPayload{}, requirements("eip155:84532"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(body, `x402_verify_total{network="eip155:84532",result="valid",scheme="eip7702"} 1`), body)
	assert.Contains(t, body, "x402_operation_duration_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}
