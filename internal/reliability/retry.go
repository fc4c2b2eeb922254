package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is repeated
type RetryPolicy interface {
	// ShouldRetry is called after attempt (starting at 0) failed with err
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// Backoff is a retry policy with a delay curve and an attempt limit
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
	Jitter     bool
	delayOf    func(b *Backoff, attempt int) time.Duration
}

// NewExponentialBackoff multiplies the delay by multiplier after each attempt
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *Backoff {
	return &Backoff{
		Initial:    initial,
		Max:        max,
		Multiplier: multiplier,
		MaxRetries: maxRetries,
		Jitter:     true,
		delayOf: func(b *Backoff, attempt int) time.Duration {
			return time.Duration(float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt)))
		},
	}
}

// NewLinearBackoff grows the delay by interval after each attempt
func NewLinearBackoff(interval time.Duration, maxRetries int) *Backoff {
	return &Backoff{
		Initial:    interval,
		MaxRetries: maxRetries,
		Jitter:     true,
		delayOf: func(b *Backoff, attempt int) time.Duration {
			return b.Initial * time.Duration(attempt+1)
		},
	}
}

// NewFixedDelay waits the same delay between attempts
func NewFixedDelay(delay time.Duration, maxRetries int) *Backoff {
	return &Backoff{
		Initial:    delay,
		MaxRetries: maxRetries,
		delayOf: func(b *Backoff, attempt int) time.Duration {
			return b.Initial
		},
	}
}

// ShouldRetry implements RetryPolicy
func (b *Backoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= b.MaxRetries || !IsRetryable(err) {
		return false, 0
	}
	return true, b.Delay(attempt)
}

// Delay returns the wait after the given attempt
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := b.delayOf(b, attempt)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter {
		// ±15%
		delay += time.Duration((rand.Float64()*0.3 - 0.15) * float64(delay))
	}
	return delay
}

// Retry calls fn until it succeeds, the policy gives up or ctx is done. When
// the policy gives up after more than one attempt the last error is wrapped
// in a *RetryError.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if attempt == 0 {
				return err
			}
			return &RetryError{Attempts: attempt + 1, Duration: time.Since(start), LastError: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
