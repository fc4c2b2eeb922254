// Package interceptors provides phase-ordered interceptor chains for message processing.
//
// An interceptor is bound to one phase and may declare the IDs of interceptors
// it must run before or after within that phase. Providers own the in, out,
// in-fault and out-fault lists; a Chain is assembled from the lists of several
// providers and drives one message through them.
//
// Built-in interceptors:
//   - LoggingInterceptor: Logs message processing with timing information
//   - MetricsInterceptor: Collects metrics about message processing
//   - TracingInterceptor: Opens a span per chain pass
//   - ValidationInterceptor: Validates messages before invocation
//   - AuthenticationInterceptor: Validates message authentication
//   - RateLimitingInterceptor: Rejects messages over a per-key rate
//   - FilteringInterceptor: Stops messages that fail a filter, including CEL expressions
//   - CachingInterceptor and ShortCircuitInterceptor: Answer calls without invoking
//   - DuplicateDetectionInterceptor: Drops redelivered messages
//   - ServiceInvokerInterceptor: Invokes the service with timeout, retry and circuit breaking
//
// Example usage:
//
//	provider := interceptors.NewProviderBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithValidation(validator).
//		Build()
//
//	chain, err := interceptors.BuildChain(phases.InPhases().Phases(),
//		interceptors.Lists(interceptors.In, provider))
//	if err != nil {
//		return err
//	}
//	err = chain.DoIntercept(ctx, msg)
//
// Interceptors are shared between chains and must be safe for concurrent use.
// Per-message state belongs in message or exchange properties.
//
// A failing interceptor faults the chain: the interceptors that already ran,
// including the failing one, get HandleFault in reverse order. Abort stops
// the chain without unwinding. Pause and Resume let an interceptor hand the
// rest of the chain to another goroutine.
package interceptors
