package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// X402Facilitator routes verify and settle requests to the payment mechanism
// registered for the requirement's scheme and network.
type X402Facilitator struct {
	mu sync.RWMutex

	// network pattern -> scheme -> mechanism
	schemes map[Network]map[string]SchemeNetworkFacilitator

	extensions []string
	cache      *SettlementCache

	// Lifecycle hooks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// FacilitatorOption configures the facilitator
type FacilitatorOption func(*X402Facilitator)

// WithSettlementCache deduplicates settle calls carrying an identical payload.
// A retry of a completed settlement gets the cached response instead of a second submission.
func WithSettlementCache(cache *SettlementCache) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.cache = cache
	}
}

func Newx402Facilitator(opts ...FacilitatorOption) *X402Facilitator {
	f := &X402Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extensions: []string{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers a facilitator mechanism for one or more networks or network patterns
func (f *X402Facilitator) Register(networks []Network, facilitator SchemeNetworkFacilitator) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, network := range networks {
		if f.schemes[network] == nil {
			f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
		}
		f.schemes[network][facilitator.Scheme()] = facilitator
	}
	return f
}

// RegisterExtension registers a protocol extension
func (f *X402Facilitator) RegisterExtension(extension string) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}

	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *X402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *X402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods
// ============================================================================

// Verify verifies a payment with the mechanism registered for the requirements
func (f *X402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	f.mu.RLock()
	before := f.beforeVerifyHooks
	after := f.afterVerifyHooks
	onFailure := f.onVerifyFailureHooks
	f.mu.RUnlock()

	hookCtx := FacilitatorVerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
	}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return Invalid(result.Reason), nil
		}
	}

	start := time.Now()
	verifyResult, verifyErr := f.verify(ctx, payload, requirements)
	duration := time.Since(start)

	if verifyErr != nil {
		failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: verifyErr, Duration: duration}
		for _, hook := range onFailure {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return nil, verifyErr
	}

	resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: *verifyResult, Duration: duration}
	for _, hook := range after {
		_ = hook(resultCtx)
	}

	return verifyResult, nil
}

// Settle settles a payment with the mechanism registered for the requirements
func (f *X402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	f.mu.RLock()
	before := f.beforeSettleHooks
	after := f.afterSettleHooks
	onFailure := f.onSettleFailureHooks
	f.mu.RUnlock()

	hookCtx := FacilitatorSettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
	}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return &SettleResponse{Success: false, ErrorReason: result.Reason, Network: requirements.Network}, nil
		}
	}

	start := time.Now()
	settleResult, settleErr := f.settleOnce(ctx, payload, requirements)
	duration := time.Since(start)

	if settleErr != nil {
		failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: settleErr, Duration: duration}
		for _, hook := range onFailure {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return nil, settleErr
	}

	resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: *settleResult, Duration: duration}
	for _, hook := range after {
		_ = hook(resultCtx)
	}

	return settleResult, nil
}

// GetSupported returns supported payment kinds and the signers per CAIP family
func (f *X402Facilitator) GetSupported(ctx context.Context) (SupportedResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signers := make(map[string][]string)
	seen := make(map[string]map[string]bool)

	for network, schemeMap := range f.schemes {
		for scheme, facilitator := range schemeMap {
			kinds = append(kinds, SupportedKind{
				X402Version: ProtocolVersion,
				Scheme:      scheme,
				Network:     network,
				Extra:       facilitator.GetExtra(network),
			})

			family := facilitator.CaipFamily()
			if seen[family] == nil {
				seen[family] = make(map[string]bool)
			}
			for _, addr := range facilitator.GetSigners(network) {
				if !seen[family][addr] {
					seen[family][addr] = true
					signers[family] = append(signers[family], addr)
				}
			}
		}
	}

	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: append([]string{}, f.extensions...),
		Signers:    signers,
	}, nil
}

// Supports reports whether a mechanism is registered for scheme on network
func (f *X402Facilitator) Supports(scheme string, network Network) bool {
	_, err := f.lookup(scheme, network)
	return err == nil
}

// ============================================================================
// Internal Methods
// ============================================================================

func (f *X402Facilitator) lookup(scheme string, network Network) (SchemeNetworkFacilitator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	facilitator := findByNetworkAndScheme(f.schemes, scheme, network)
	if facilitator == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedScheme, scheme, network)
	}
	return facilitator, nil
}

func (f *X402Facilitator) verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return Invalid(ReasonInvalidPayload), nil
	}
	facilitator, err := f.lookup(requirements.Scheme, requirements.Network)
	if err != nil {
		return nil, err
	}
	return facilitator.Verify(ctx, payload, requirements)
}

func (f *X402Facilitator) settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return &SettleResponse{Success: false, ErrorReason: ReasonInvalidPayload, Network: requirements.Network}, nil
	}
	facilitator, err := f.lookup(requirements.Scheme, requirements.Network)
	if err != nil {
		return nil, err
	}
	return facilitator.Settle(ctx, payload, requirements)
}

// settleOnce runs settle through the settlement cache when one is configured.
// Concurrent duplicates wait for the first call; a failed or uncached first call lets the next waiter proceed.
func (f *X402Facilitator) settleOnce(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	if f.cache == nil {
		return f.settle(ctx, payload, requirements)
	}

	// The requirements are part of the key: a payload settled for one seller
	// must not answer a settle request from another.
	keyBytes, err := json.Marshal(SettleRequest{PaymentPayload: payload, PaymentRequirements: requirements})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settlement key: %w", err)
	}
	key := GenerateSettlementKey(keyBytes)

	for {
		status, cached, done := f.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			return cached, nil
		case StatusInFlight:
			result, err := f.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			continue
		}

		result, err := f.settle(ctx, payload, requirements)
		if err != nil {
			f.cache.Fail(key, done)
			return nil, err
		}
		if !cacheableSettlement(result) {
			f.cache.Fail(key, done)
			return result, nil
		}
		f.cache.Complete(key, result, done)
		return result, nil
	}
}

// cacheableSettlement reports whether result is final for its payload. Only
// outcomes reached after the nonce was consumed qualify; earlier rejections
// depend on requirements or chain state and are evaluated again on retry.
func cacheableSettlement(result *SettleResponse) bool {
	if result.Success {
		return true
	}
	switch result.ErrorReason {
	case ReasonTransactionReverted, ReasonTransactionSimulationFailed:
		return true
	}
	return false
}
