// -----------------------------------------------------------------------
// Retry policy - named presets with exponential backoff and jitter
// -----------------------------------------------------------------------

package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
)

// RetryPolicy describes how failed calls are re-attempted.
type RetryPolicy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RateLimitMaxDelay replaces MaxDelay while backing off from a rate-limit
	// error, giving the upstream quota window time to refill.
	RateLimitMaxDelay time.Duration
	Jitter            float64 // Fraction of the delay randomized, 0..1
}

// Named retry presets. API calls back off longer than database operations.
var (
	PolicyDefault = RetryPolicy{
		Name:              "default",
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		RateLimitMaxDelay: 30 * time.Second,
		Jitter:            0.2,
	}
	PolicyAggressive = RetryPolicy{
		Name:              "aggressive",
		MaxAttempts:       5,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		RateLimitMaxDelay: 20 * time.Second,
		Jitter:            0.3,
	}
	PolicyConservative = RetryPolicy{
		Name:              "conservative",
		MaxAttempts:       2,
		BaseDelay:         time.Second,
		MaxDelay:          15 * time.Second,
		RateLimitMaxDelay: 60 * time.Second,
		Jitter:            0.1,
	}
	PolicyAPI = RetryPolicy{
		Name:              "api",
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          20 * time.Second,
		RateLimitMaxDelay: 60 * time.Second,
		Jitter:            0.25,
	}
	PolicyDatabase = RetryPolicy{
		Name:              "database",
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		RateLimitMaxDelay: 2 * time.Second,
		Jitter:            0.1,
	}
)

// Retryable reports whether an error is worth another attempt. A CIRCUIT_OPEN
// aborts immediately; authentication and validation errors are final.
func Retryable(err error) bool {
	kind := common.KindOf(err)
	if kind == common.KindCircuitOpen {
		return false
	}
	return common.IsTransient(kind)
}

// Delay computes the backoff before the given attempt (1-based). Rate-limit
// errors extend the ceiling.
func (p RetryPolicy) Delay(attempt int, lastErr error) time.Duration {
	ceiling := p.MaxDelay
	if common.KindOf(lastErr) == common.KindRateLimit && p.RateLimitMaxDelay > ceiling {
		ceiling = p.RateLimitMaxDelay
	}

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > ceiling {
		delay = ceiling
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) - spread/2 + rand.Float64()*spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry runs the call up to MaxAttempts times, sleeping with exponential
// backoff between attempts. Non-retryable errors and context cancellation
// return immediately.
func Retry(ctx context.Context, policy RetryPolicy, logger arbor.ILogger, operation string, call func() error) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt, lastErr)
		logger.Warn().Err(lastErr).
			Str("operation", operation).
			Str("policy", policy.Name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Transient failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Call composes breaker and retry around an outbound call: each attempt is
// admitted by the breaker, so a retry burst that keeps failing trips it and
// the retry layer then observes CIRCUIT_OPEN and aborts.
func Call(ctx context.Context, breaker *Breaker, policy RetryPolicy, logger arbor.ILogger, operation string, call func() error) error {
	return Retry(ctx, policy, logger, operation, func() error {
		return breaker.Execute(call)
	})
}
