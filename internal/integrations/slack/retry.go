package slack

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"chatarchive/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/slack-go/slack"
)

// RetryPolicy bounds retries of a single remote call.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrier retries transient Slack failures with exponential backoff and
// trips a shared breaker after consecutive transport failures.
type Retrier struct {
	policy  RetryPolicy
	breaker *Breaker
}

func NewRetrier(policy RetryPolicy, breaker *Breaker) *Retrier {
	if policy.MaxTries == 0 {
		policy.MaxTries = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Second
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = time.Minute
	}
	return &Retrier{policy: policy, breaker: breaker}
}

// Do runs fn until it succeeds, fails permanently, or runs out of tries. The
// last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	bo := &rateLimitAwareBackOff{next: backoff.NewExponentialBackOff()}
	bo.next.InitialInterval = r.policy.InitialInterval
	bo.next.MaxInterval = r.policy.MaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if r.breaker != nil && !r.breaker.Allow() {
			return struct{}{}, backoff.Permanent(ErrCircuitOpen)
		}
		if attempt > 1 {
			metrics.SlackAPIRetries.WithLabelValues(operation).Inc()
		}

		err := fn(ctx)
		if r.breaker != nil {
			r.breaker.Record(err)
		}
		if err == nil {
			return struct{}{}, nil
		}

		var rateLimited *slack.RateLimitedError
		if errors.As(err, &rateLimited) {
			bo.wait = rateLimited.RetryAfter
			return struct{}{}, err
		}
		if IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("Retrying Slack call", "operation", operation, "attempt", attempt, "delay", d, "error", err)
		}),
	)
	return err
}

// rateLimitAwareBackOff waits at least as long as Slack asked in Retry-After.
type rateLimitAwareBackOff struct {
	next *backoff.ExponentialBackOff
	wait time.Duration
}

func (b *rateLimitAwareBackOff) NextBackOff() time.Duration {
	d := b.next.NextBackOff()
	if b.wait > d {
		d = b.wait
	}
	b.wait = 0
	return d
}

func (b *rateLimitAwareBackOff) Reset() {
	b.next.Reset()
	b.wait = 0
}

// IsRetryable reports whether err is worth another attempt: rate limiting,
// server side errors, and network timeouts.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return true
	}

	var status slack.StatusCodeError
	if errors.As(err, &status) {
		return status.Code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isTransportFailure separates failures of the connection to Slack from
// API level answers like channel_not_found.
func isTransportFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return false
	}
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return false
	}
	var status slack.StatusCodeError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return IsRetryable(err)
}

// Breaker opens after threshold consecutive transport failures and stays
// open until Reset. A success closes the failure streak.
type Breaker struct {
	threshold int32
	failures  atomic.Int32
}

func NewBreaker(threshold int) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: int32(threshold)}
}

func (b *Breaker) Allow() bool {
	return b.failures.Load() < b.threshold
}

// Record feeds the outcome of one remote call into the breaker.
func (b *Breaker) Record(err error) {
	switch {
	case err == nil:
		b.failures.Store(0)
	case isTransportFailure(err):
		if b.failures.Add(1) == b.threshold {
			metrics.CircuitBreakerOpen.Set(1)
			slog.Error("Slack circuit breaker opened", "consecutive_failures", b.threshold, "error", err)
		}
	}
}

// Reset closes the breaker; called at the start of every sync run.
func (b *Breaker) Reset() {
	b.failures.Store(0)
	metrics.CircuitBreakerOpen.Set(0)
}
