package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/internal/reliability"
	"github.com/glimte/mmate-chain/phase"
)

// Invoker calls the service behind an endpoint. The returned value becomes
// the payload of the response; a []byte is used as the raw body.
type Invoker interface {
	Invoke(ctx context.Context, msg *contracts.Message) (interface{}, error)
}

// InvokerFunc is a function adapter for Invoker
type InvokerFunc func(ctx context.Context, msg *contracts.Message) (interface{}, error)

// Invoke implements Invoker
func (f InvokerFunc) Invoke(ctx context.Context, msg *contracts.Message) (interface{}, error) {
	return f(ctx, msg)
}

// ServiceInvokerInterceptor runs in the invoke phase and turns the inbound
// message into a response on the exchange.
type ServiceInvokerInterceptor struct {
	PhaseInterceptor
	invoker        Invoker
	timeout        time.Duration
	retryPolicy    reliability.RetryPolicy
	circuitBreaker *reliability.CircuitBreaker
	logger         *slog.Logger
}

// InvokerOption configures a ServiceInvokerInterceptor
type InvokerOption func(*ServiceInvokerInterceptor)

// WithInvokeTimeout bounds every invocation attempt
func WithInvokeTimeout(timeout time.Duration) InvokerOption {
	return func(i *ServiceInvokerInterceptor) {
		i.timeout = timeout
	}
}

// WithRetryPolicy retries failed invocations
func WithRetryPolicy(policy reliability.RetryPolicy) InvokerOption {
	return func(i *ServiceInvokerInterceptor) {
		i.retryPolicy = policy
	}
}

// WithCircuitBreaker guards invocations with a circuit breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) InvokerOption {
	return func(i *ServiceInvokerInterceptor) {
		i.circuitBreaker = cb
	}
}

// WithInvokerLogger sets the logger
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(i *ServiceInvokerInterceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewServiceInvokerInterceptor creates the invoke-phase interceptor
func NewServiceInvokerInterceptor(invoker Invoker, opts ...InvokerOption) *ServiceInvokerInterceptor {
	i := &ServiceInvokerInterceptor{
		PhaseInterceptor: NewPhaseInterceptor("ServiceInvokerInterceptor", phase.Invoke),
		invoker:          invoker,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *ServiceInvokerInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	ex := msg.Exchange()

	var result interface{}
	if sc, ok := ShortCircuitOf(ex); ok {
		i.logger.Debug("invocation short-circuited", "messageId", msg.ID(), "reason", sc.Reason)
		result = sc.Result
	} else {
		var err error
		result, err = i.invoke(ctx, msg)
		if err != nil {
			return err
		}
	}

	if ex == nil || ex.IsOneWay() {
		return nil
	}
	out := msg.NewReply()
	if body, ok := result.([]byte); ok {
		out.SetBody(body)
	} else if result != nil {
		out.SetPayload(result)
	}
	ex.SetOutMessage(out)
	return nil
}

func (i *ServiceInvokerInterceptor) invoke(ctx context.Context, msg *contracts.Message) (interface{}, error) {
	var result interface{}
	call := func(ctx context.Context) error {
		r, err := i.attempt(ctx, msg)
		if err == nil {
			result = r
		}
		return err
	}

	guarded := call
	if i.circuitBreaker != nil {
		guarded = func(ctx context.Context) error {
			return i.circuitBreaker.Execute(ctx, call)
		}
	}

	var err error
	if i.retryPolicy != nil {
		err = reliability.Retry(ctx, i.retryPolicy, guarded)
	} else {
		err = guarded(ctx)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (i *ServiceInvokerInterceptor) attempt(ctx context.Context, msg *contracts.Message) (interface{}, error) {
	if i.timeout <= 0 {
		return i.invoker.Invoke(ctx, msg)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := i.invoker.Invoke(ctx, msg)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("invoke %s after %v: %w", OperationOf(msg), i.timeout, reliability.ErrInvocationTimeout)
		}
		return nil, ctx.Err()
	}
}
