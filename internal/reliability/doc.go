// Package reliability guards service invocations.
//
// It provides retry policies (exponential, linear and fixed backoff) and a
// circuit breaker. Both understand errors that report IsRetryable: a fault
// blaming the message sender is never retried and never trips a breaker.
//
//	cb := reliability.NewCircuitBreaker(
//		reliability.WithFailureThreshold(5),
//		reliability.WithOpenTimeout(30*time.Second),
//	)
//	err := reliability.Retry(ctx, reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 3),
//		func(ctx context.Context) error {
//			return cb.Execute(ctx, call)
//		})
package reliability
