// Package request wraps every outbound venue call with rate limiting, a
// circuit breaker, timeouts, and retries.
package request

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	apperrors "fundarb/pkg/errors"
	"fundarb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"
)

// Category buckets endpoints into independent token buckets
type Category string

const (
	CategoryPublic  Category = "public"
	CategoryPrivate Category = "private"
	CategoryOrders  Category = "orders"
)

// Categorize maps an endpoint name onto its rate-limit category. Order
// placement and cancellation carry the strictest budget; account reads use
// the private bucket; market data is public.
func Categorize(endpoint string) Category {
	switch endpoint {
	case "createOrder", "cancelOrder":
		return CategoryOrders
	case "getBalance", "getBalances", "getPosition", "getPositions", "getOrder", "getOpenOrders":
		return CategoryPrivate
	default:
		return CategoryPublic
	}
}

// Options tune a single call through the policy. Zero values fall back to
// the policy config.
type Options struct {
	Endpoint           string
	Weight             int
	Timeout            time.Duration
	Retryable          bool
	MaxRetries         int
	SkipRateLimit      bool
	SkipCircuitBreaker bool
}

// Metrics is a point-in-time snapshot of policy counters
type Metrics struct {
	Total             uint64
	Successful        uint64
	Failed            uint64
	Retries           uint64
	RateLimitWaits    uint64
	RateLimitWaitTime time.Duration
	BreakerTrips      uint64
}

// Policy serializes retries for one call but allows independent calls to
// proceed concurrently. All venue traffic goes through one Policy instance
// so the buckets and breaker see the whole request stream.
type Policy struct {
	cfg      config.RateLimitConfig
	limiters map[Category]*rate.Limiter
	breaker  circuitbreaker.CircuitBreaker[any]
	logger   core.ILogger

	total           atomic.Uint64
	successful      atomic.Uint64
	failed          atomic.Uint64
	retries         atomic.Uint64
	rateLimitWaits  atomic.Uint64
	rateLimitWaitNs atomic.Int64
	breakerTrips    atomic.Uint64
}

// NewPolicy builds a request policy from config
func NewPolicy(cfg config.RateLimitConfig, logger core.ILogger) *Policy {
	p := &Policy{
		cfg: cfg,
		limiters: map[Category]*rate.Limiter{
			CategoryPublic:  rate.NewLimiter(rate.Limit(cfg.Public.RatePerSec), cfg.Public.Burst),
			CategoryPrivate: rate.NewLimiter(rate.Limit(cfg.Private.RatePerSec), cfg.Private.Burst),
			CategoryOrders:  rate.NewLimiter(rate.Limit(cfg.Orders.RatePerSec), cfg.Orders.Burst),
		},
		logger: logger.WithField("component", "request_policy"),
	}

	p.breaker = circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(uint(cfg.BreakerFailures)).
		WithDelay(time.Duration(cfg.BreakerResetMs) * time.Millisecond).
		WithSuccessThreshold(uint(cfg.BreakerHalfOpenPasses)).
		OnOpen(func(e circuitbreaker.StateChangedEvent) {
			p.breakerTrips.Add(1)
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("request", true)
			p.logger.Warn("circuit breaker opened", "from", e.OldState.String())
		}).
		OnClose(func(e circuitbreaker.StateChangedEvent) {
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("request", false)
			p.logger.Info("circuit breaker closed", "from", e.OldState.String())
		}).
		OnHalfOpen(func(e circuitbreaker.StateChangedEvent) {
			p.logger.Info("circuit breaker half-open")
		}).
		Build()

	return p
}

// BreakerState reports the breaker's current state
func (p *Policy) BreakerState() circuitbreaker.State {
	return p.breaker.State()
}

// Metrics returns a snapshot of the policy counters
func (p *Policy) Metrics() Metrics {
	return Metrics{
		Total:             p.total.Load(),
		Successful:        p.successful.Load(),
		Failed:            p.failed.Load(),
		Retries:           p.retries.Load(),
		RateLimitWaits:    p.rateLimitWaits.Load(),
		RateLimitWaitTime: time.Duration(p.rateLimitWaitNs.Load()),
		BreakerTrips:      p.breakerTrips.Load(),
	}
}

// Execute runs call under the policy: acquire tokens, apply the timeout,
// pass through the breaker, retry retryable failures with backoff.
func (p *Policy) Execute(ctx context.Context, opts Options, call func(ctx context.Context) error) error {
	weight := opts.Weight
	if weight <= 0 {
		weight = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(p.cfg.DefaultTimeoutMs) * time.Millisecond
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}
	if !opts.Retryable {
		maxRetries = 0
	}

	category := Categorize(opts.Endpoint)
	limiter := p.limiters[category]

	p.total.Add(1)

	for attempt := 0; ; attempt++ {
		if !opts.SkipRateLimit {
			if err := p.acquire(ctx, limiter, weight, category); err != nil {
				p.failed.Add(1)
				return err
			}
		}

		err := p.attempt(ctx, opts, timeout, call)
		if err == nil {
			p.successful.Add(1)
			telemetry.GetGlobalMetrics().RecordRequest(ctx, opts.Endpoint, "success")
			return nil
		}

		// An open breaker fails fast; retrying would only feed it.
		if errors.Is(err, apperrors.ErrCircuitOpen) {
			p.failed.Add(1)
			telemetry.GetGlobalMetrics().RecordRequest(ctx, opts.Endpoint, "circuit_open")
			return err
		}

		if !apperrors.IsRetryable(err) || attempt >= maxRetries {
			p.failed.Add(1)
			telemetry.GetGlobalMetrics().RecordRequest(ctx, opts.Endpoint, "failed")
			if attempt > 0 {
				return &apperrors.MaxRetriesError{Attempts: attempt + 1, LastErr: err}
			}
			return err
		}

		delay := p.retryDelay(attempt, err)
		p.retries.Add(1)
		telemetry.GetGlobalMetrics().RecordRetry(ctx, opts.Endpoint)
		p.logger.Warn("retrying request",
			"endpoint", opts.Endpoint,
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err.Error())

		select {
		case <-ctx.Done():
			p.failed.Add(1)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *Policy) acquire(ctx context.Context, limiter *rate.Limiter, weight int, category Category) error {
	if weight > limiter.Burst() {
		return apperrors.ErrRateLimitExceeded
	}
	if limiter.AllowN(time.Now(), weight) {
		return nil
	}

	start := time.Now()
	// AllowN consumed nothing on refusal, so WaitN sees the full budget.
	if err := limiter.WaitN(ctx, weight); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.ErrRateLimitExceeded
	}
	waited := time.Since(start)
	p.rateLimitWaits.Add(1)
	p.rateLimitWaitNs.Add(int64(waited))
	telemetry.GetGlobalMetrics().RecordRateLimitWait(ctx, float64(waited.Milliseconds()), string(category))
	return nil
}

func (p *Policy) attempt(ctx context.Context, opts Options, timeout time.Duration, call func(ctx context.Context) error) error {
	if !opts.SkipCircuitBreaker {
		if !p.breaker.TryAcquirePermit() {
			return apperrors.ErrCircuitOpen
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err := call(callCtx)
	timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()

	if timedOut {
		err = apperrors.ErrRequestTimeout
	}

	if !opts.SkipCircuitBreaker {
		if err != nil {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
	}
	return err
}

// retryDelay computes the backoff before the next attempt. A venue
// Retry-After hint wins; rate-limit rejections use the aggressive base.
func (p *Policy) retryDelay(attempt int, err error) time.Duration {
	if hint, ok := apperrors.RetryAfterHint(err); ok {
		return hint
	}

	base := time.Duration(p.cfg.BaseBackoffMs) * time.Millisecond
	if apperrors.IsRateLimited(err) {
		base = time.Duration(p.cfg.RateLimitBaseMs) * time.Millisecond
	}
	maxDelay := time.Duration(p.cfg.MaxBackoffMs) * time.Millisecond

	delay := base << uint(attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// jitter in [0.8, 1.2)
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * jitter)
}

// Do runs a result-returning call through the policy
func Do[T any](ctx context.Context, p *Policy, opts Options, call func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, opts, func(ctx context.Context) error {
		var callErr error
		result, callErr = call(ctx)
		return callErr
	})
	return result, err
}
