package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently aborts the chain without a fault
	SkipSilently SkipBehavior = iota
	// SkipWithError faults the chain
	SkipWithError
	// SkipWithLog aborts the chain and logs the skipped message
	SkipWithLog
)

// FilteringInterceptor stops messages that do not pass its filter
type FilteringInterceptor struct {
	PhaseInterceptor
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// FilterOption configures a FilteringInterceptor
type FilterOption func(*FilteringInterceptor)

// WithFilterLogger sets the logger used by SkipWithLog
func WithFilterLogger(logger *slog.Logger) FilterOption {
	return func(i *FilteringInterceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithFilterPhase moves the interceptor to another phase
func WithFilterPhase(p contracts.PhaseName) FilterOption {
	return func(i *FilteringInterceptor) {
		i.phase = p
	}
}

// NewFilteringInterceptor creates a new filtering interceptor in user-protocol
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, opts ...FilterOption) *FilteringInterceptor {
	i := &FilteringInterceptor{
		PhaseInterceptor: NewPhaseInterceptor("FilteringInterceptor", phase.UserProtocol),
		filter:           filter,
		skipBehavior:     skipBehavior,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *FilteringInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if shouldProcess {
		return nil
	}

	switch i.skipBehavior {
	case SkipWithError:
		return contracts.NewSenderFault("message filtered: id=%s", msg.ID())
	case SkipWithLog:
		i.logger.Info("message skipped by filter",
			"messageId", msg.ID(),
			"operation", OperationOf(msg),
		)
	}
	abort(msg)
	return nil
}

func abort(msg *contracts.Message) {
	if chain := msg.Chain(); chain != nil {
		chain.Abort()
	}
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// HeaderFilter passes messages whose header has one of the allowed values
type HeaderFilter struct {
	header  string
	allowed map[string]bool
}

// NewHeaderFilter creates a filter on one header
func NewHeaderFilter(header string, allowed ...string) *HeaderFilter {
	values := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		values[v] = true
	}
	return &HeaderFilter{header: header, allowed: values}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	v, ok := msg.Header(f.header)
	return ok && f.allowed[v], nil
}

// PropertyFilter passes messages whose contextual property equals a value
type PropertyFilter struct {
	key           string
	expectedValue interface{}
}

// NewPropertyFilter creates a filter checking a message or exchange property
func NewPropertyFilter(key string, expectedValue interface{}) *PropertyFilter {
	return &PropertyFilter{
		key:           key,
		expectedValue: expectedValue,
	}
}

// ShouldProcess implements MessageFilter
func (f *PropertyFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	value, exists := msg.ContextualProperty(f.key)
	if !exists {
		return false, nil
	}
	return value == f.expectedValue, nil
}

// ConditionalInterceptor runs a wrapped interceptor only if a condition is met.
// It takes the phase and ordering hints of the wrapped interceptor.
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor contracts.Interceptor
	ranKey      string
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor contracts.Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
		ranKey:      "mmate.conditional.ran." + string(IDOf(interceptor)),
	}
}

// ID implements contracts.Interceptor
func (i *ConditionalInterceptor) ID() contracts.InterceptorID {
	return contracts.InterceptorID(fmt.Sprintf("ConditionalInterceptor[%s]", IDOf(i.interceptor)))
}

// Phase implements contracts.Interceptor
func (i *ConditionalInterceptor) Phase() contracts.PhaseName {
	return i.interceptor.Phase()
}

// Before implements contracts.Interceptor
func (i *ConditionalInterceptor) Before() []contracts.InterceptorID {
	return i.interceptor.Before()
}

// After implements contracts.Interceptor
func (i *ConditionalInterceptor) After() []contracts.InterceptorID {
	return i.interceptor.After()
}

// HandleMessage implements contracts.Interceptor
func (i *ConditionalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return err
	}
	if !shouldExecute {
		return nil
	}
	msg.Put(i.ranKey, true)
	return i.interceptor.HandleMessage(ctx, msg)
}

// HandleFault unwinds the wrapped interceptor only if it ran
func (i *ConditionalInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	if msg.GetBool(i.ranKey) {
		i.interceptor.HandleFault(ctx, msg)
	}
}
