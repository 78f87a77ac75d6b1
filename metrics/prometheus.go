// Package metrics exports facilitator counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/x402-foundation/x402-delegate"
)

// Result label values besides the reason codes
const (
	ResultValid   = "valid"
	ResultSuccess = "success"
	ResultError   = "error"
	ResultOther   = "other"

	// Unsupported replaces the network and scheme labels of unroutable requests
	Unsupported = "unsupported"
)

// PrometheusRecorder owns a dedicated registry so several facilitators (or tests)
// never collide on the global one.
type PrometheusRecorder struct {
	registry *prometheus.Registry
	verify   *prometheus.CounterVec
	settle   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewPrometheusRecorder() *PrometheusRecorder {
	verify := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "verify_total",
			Help:      "Verify requests by outcome",
		},
		[]string{"network", "scheme", "result"},
	)
	settle := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "settle_total",
			Help:      "Settle requests by outcome",
		},
		[]string{"network", "scheme", "result"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "operation_duration_seconds",
			Help:      "Verify and settle latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "network"},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		verify,
		settle,
		duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &PrometheusRecorder{
		registry: registry,
		verify:   verify,
		settle:   settle,
		duration: duration,
	}
}

// Registry exposes the recorder's registry
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the exposition format for the recorder's registry
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveVerify(network x402.Network, scheme, result string, d time.Duration) {
	p.verify.WithLabelValues(string(network), scheme, result).Inc()
	p.duration.WithLabelValues("verify", string(network)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveSettle(network x402.Network, scheme, result string, d time.Duration) {
	p.settle.WithLabelValues(string(network), scheme, result).Inc()
	p.duration.WithLabelValues("settle", string(network)).Observe(d.Seconds())
}

// Instrument registers hooks on f that record every verify and settle outcome
func (p *PrometheusRecorder) Instrument(f *x402.X402Facilitator) {
	f.OnAfterVerify(func(ctx x402.FacilitatorVerifyResultContext) error {
		result := ResultValid
		if !ctx.Result.IsValid {
			result = reasonLabel(ctx.Result.InvalidReason)
		}
		network, scheme := labels(f, ctx.PaymentRequirements)
		p.ObserveVerify(network, scheme, result, ctx.Duration)
		return nil
	})
	f.OnVerifyFailure(func(ctx x402.FacilitatorVerifyFailureContext) (*x402.FacilitatorVerifyFailureHookResult, error) {
		network, scheme := labels(f, ctx.PaymentRequirements)
		p.ObserveVerify(network, scheme, ResultError, ctx.Duration)
		return nil, nil
	})
	f.OnAfterSettle(func(ctx x402.FacilitatorSettleResultContext) error {
		result := ResultSuccess
		if !ctx.Result.Success {
			result = reasonLabel(ctx.Result.ErrorReason)
		}
		network, scheme := labels(f, ctx.PaymentRequirements)
		p.ObserveSettle(network, scheme, result, ctx.Duration)
		return nil
	})
	f.OnSettleFailure(func(ctx x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
		network, scheme := labels(f, ctx.PaymentRequirements)
		p.ObserveSettle(network, scheme, ResultError, ctx.Duration)
		return nil, nil
	})
}

// labels returns the network and scheme labels for req. Requests for kinds the
// facilitator does not serve share one label so callers cannot grow the series set.
func labels(f *x402.X402Facilitator, req x402.PaymentRequirements) (x402.Network, string) {
	if !f.Supports(req.Scheme, req.Network) {
		return Unsupported, Unsupported
	}
	return req.Network, req.Scheme
}

// reasonLabel keeps label cardinality bounded to the known reason codes
func reasonLabel(reason string) string {
	if x402.IsReasonCode(reason) {
		return reason
	}
	return ResultOther
}
