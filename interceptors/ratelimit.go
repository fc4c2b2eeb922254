package interceptors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by a RateLimiter that denies a message
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(ctx context.Context, key string) error
}

// RateLimitingInterceptor rejects messages once their key exceeds its rate
type RateLimitingInterceptor struct {
	PhaseInterceptor
	limiter RateLimiter
	keyFn   func(msg *contracts.Message) string
}

// NewRateLimitingInterceptor creates a new rate limiting interceptor in
// pre-logical, keyed by operation
func NewRateLimitingInterceptor(limiter RateLimiter) *RateLimitingInterceptor {
	return &RateLimitingInterceptor{
		PhaseInterceptor: NewPhaseInterceptor("RateLimitingInterceptor", phase.PreLogical),
		limiter:          limiter,
		keyFn:            OperationOf,
	}
}

// WithKey replaces the function deriving the rate limiting key
func (i *RateLimitingInterceptor) WithKey(fn func(msg *contracts.Message) string) *RateLimitingInterceptor {
	i.keyFn = fn
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *RateLimitingInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	key := i.keyFn(msg)
	if err := i.limiter.Allow(ctx, key); err != nil {
		return fmt.Errorf("rate limit exceeded for %s: %w", key, err)
	}
	return nil
}

// KeyedLimiter is a token bucket per key
type KeyedLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewKeyedLimiter allows perSecond events per key with the given burst
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow implements RateLimiter without waiting for a token
func (l *KeyedLimiter) Allow(ctx context.Context, key string) error {
	if !l.limiterFor(key).Allow() {
		return ErrRateLimited
	}
	return nil
}

// Wait blocks until a token for key is available or ctx is done
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.limiterFor(key).Wait(ctx)
}

func (l *KeyedLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}
