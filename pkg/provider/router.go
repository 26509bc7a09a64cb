package provider

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/telemetry"
)

// RetryPolicy tunes the jittered exponential backoff in spec §4.3:
// "waits initial · multiplier^(attempt-1) capped at maxDelay, with
// ±jitterFactor uniform jitter".
type RetryPolicy struct {
	MaxAttempts  int
	Initial      time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64
	AttemptTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.JitterFactor <= 0 {
		p.JitterFactor = 0.2
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 30 * time.Second
	}
	return p
}

// backoffDelay computes the delay before the given attempt (1-indexed).
func (p RetryPolicy) backoffDelay(attempt int) time.Duration {
	d := float64(p.Initial) * pow(p.Multiplier, attempt-1)
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := d * p.JitterFactor
	offset := (rand.Float64()*2 - 1) * jitter
	result := d + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

type registeredProvider struct {
	provider Provider
	breaker  *Breaker
}

// Router resolves chat/stream requests to providers, per spec §4.3.
type Router struct {
	mu         sync.RWMutex
	providers  map[string]*registeredProvider
	byModel    map[string]string // exact model id -> provider id
	retry      RetryPolicy
	breakerCfg BreakerConfig
	metrics    *telemetry.Metrics
}

// NewRouter builds an empty Router.
func NewRouter(retry RetryPolicy, breakerCfg BreakerConfig, metrics *telemetry.Metrics) *Router {
	return &Router{
		providers:  make(map[string]*registeredProvider),
		byModel:    make(map[string]string),
		retry:      retry.withDefaults(),
		breakerCfg: breakerCfg.withDefaults(),
		metrics:    metrics,
	}
}

// ProviderStatus summarizes one registered provider's breaker state for the
// health endpoint.
type ProviderStatus struct {
	ID    string
	State string
}

// Statuses reports every registered provider's circuit breaker state.
func (r *Router) Statuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(r.providers))
	for id, rp := range r.providers {
		out = append(out, ProviderStatus{ID: id, State: rp.breaker.State().String()})
	}
	return out
}

// Register adds p if p.IsAvailable(ctx) — spec §4.3: "only available
// providers are registered."
func (r *Router) Register(ctx context.Context, p Provider) bool {
	if !p.IsAvailable(ctx) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = &registeredProvider{provider: p, breaker: NewBreaker(r.breakerCfg)}
	for _, m := range p.ModelIDs() {
		if _, owned := r.byModel[m]; !owned {
			r.byModel[m] = p.ID()
		}
	}
	return true
}

// resolve finds the exact-match provider for model, or any provider that
// lists the same model family.
func (r *Router) resolve(model string) (*registeredProvider, bool) {
	if pid, ok := r.byModel[model]; ok {
		return r.providers[pid], true
	}
	family := ModelFamily(model)
	for _, rp := range r.providers {
		for _, m := range rp.provider.ModelIDs() {
			if ModelFamily(m) == family {
				return rp, true
			}
		}
	}
	return nil, false
}

// siblingFor finds another healthy provider (breaker CLOSED or HALF-OPEN)
// supporting the same model family as model, excluding excludeID.
func (r *Router) siblingFor(model, excludeID string) (*registeredProvider, bool) {
	family := ModelFamily(model)
	for id, rp := range r.providers {
		if id == excludeID {
			continue
		}
		state := rp.breaker.State()
		if state == Open {
			continue
		}
		for _, m := range rp.provider.ModelIDs() {
			if ModelFamily(m) == family {
				return rp, true
			}
		}
	}
	return nil, false
}

// Route resolves req.Model to a provider, applies circuit-breaker gating,
// retries retryable failures with jittered backoff, and performs at most one
// failover hop to a sibling provider, per spec §4.3.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	r.mu.RLock()
	rp, ok := r.resolve(req.Model)
	r.mu.RUnlock()
	if !ok {
		return Response{}, apperrors.New(apperrors.ProviderUnavailable, "no provider for model "+req.Model)
	}

	if !rp.breaker.Allow() {
		r.recordBreakerMetric(rp)
		return Response{}, apperrors.New(apperrors.CircuitOpen, "circuit open for provider "+rp.provider.ID())
	}

	resp, rawErr, retryable := r.attemptWithRetry(ctx, rp, req)
	if rawErr == nil {
		return resp, nil
	}
	if !retryable {
		return Response{}, wrapProviderErr(rawErr)
	}

	r.mu.RLock()
	sibling, hasSibling := r.siblingFor(req.Model, rp.provider.ID())
	r.mu.RUnlock()
	if !hasSibling {
		return Response{}, wrapProviderErr(rawErr)
	}
	if !sibling.breaker.Allow() {
		r.recordBreakerMetric(sibling)
		return Response{}, wrapProviderErr(rawErr)
	}

	resp, rawErr2, _ := r.attemptWithRetry(ctx, sibling, req)
	if rawErr2 == nil {
		return resp, nil
	}
	return Response{}, wrapProviderErr(rawErr2)
}

// attemptWithRetry runs the retry loop against one provider whose breaker
// the caller has already admitted with Allow. It returns the raw
// (unwrapped) last error and whether that error's class was retryable, so
// Route can decide on failover using the original classification rather
// than the apperrors-wrapped result.
func (r *Router) attemptWithRetry(ctx context.Context, rp *registeredProvider, req Request) (Response, error, bool) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.retry.AttemptTimeout)
		start := time.Now()
		resp, err := rp.provider.Chat(actx, req)
		cancel()

		if err == nil {
			resp.Provider = rp.provider.ID()
			resp.LatencyMS = time.Since(start).Milliseconds()
			rp.breaker.RecordSuccess()
			r.recordSuccess(rp, time.Since(start))
			return resp, nil, false
		}

		lastErr = err
		class := Classify(err)
		if !class.IsRetryable() || attempt == r.retry.MaxAttempts {
			rp.breaker.RecordFailure()
			r.recordFailure(rp)
			return Response{}, lastErr, class.IsRetryable()
		}

		select {
		case <-time.After(r.retry.backoffDelay(attempt)):
		case <-ctx.Done():
			rp.breaker.RecordFailure()
			return Response{}, lastErr, false
		}
	}

	return Response{}, lastErr, false
}

func wrapProviderErr(err error) error {
	switch Classify(err) {
	case ClassRateLimited:
		return apperrors.WrapAs(apperrors.RateLimited, "provider rate limited", err)
	case ClassTimeout:
		return apperrors.WrapAs(apperrors.Timeout, "provider timed out", err)
	case ClassAuth:
		return apperrors.WrapAs(apperrors.Unauthenticated, "provider auth failed", err)
	default:
		return apperrors.WrapAs(apperrors.ProviderUnavailable, "provider request failed", err)
	}
}

func (r *Router) recordSuccess(rp *registeredProvider, latency time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.ProviderRequests.WithLabelValues(rp.provider.ID(), "success").Inc()
	r.metrics.ProviderLatency.WithLabelValues(rp.provider.ID()).Observe(latency.Seconds())
	r.recordBreakerMetric(rp)
}

func (r *Router) recordFailure(rp *registeredProvider) {
	if r.metrics == nil {
		return
	}
	r.metrics.ProviderRequests.WithLabelValues(rp.provider.ID(), "failure").Inc()
	r.recordBreakerMetric(rp)
}

func (r *Router) recordBreakerMetric(rp *registeredProvider) {
	if r.metrics == nil {
		return
	}
	r.metrics.ProviderBreakerState.WithLabelValues(rp.provider.ID()).Set(float64(rp.breaker.State()))
}
