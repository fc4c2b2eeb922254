package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	// ErrInvocationTimeout is returned when a guarded call exceeds its deadline
	ErrInvocationTimeout = errors.New("invocation: timed out")
)

// CircuitBreakerError reports a call rejected by an open or saturated breaker
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	Threshold int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.Threshold, time.Until(e.NextRetry).Round(time.Millisecond))
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s rejected call in state %s", e.Name, e.State)
	}
}

// Is matches ErrCircuitOpen
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsRetryable reports false: retrying immediately cannot pass an open breaker
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// RetryError is returned once a retried call gives up
type RetryError struct {
	Attempts  int
	Duration  time.Duration
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// IsRetryable classifies an error. Errors anywhere in the chain that
// implement IsRetryable decide; everything else is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
