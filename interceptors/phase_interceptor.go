package interceptors

import (
	"context"
	"reflect"

	"github.com/glimte/mmate-chain/contracts"
)

// PhaseInterceptor is an embeddable base holding the identity and ordering
// hints of an interceptor. Embedders provide HandleMessage.
type PhaseInterceptor struct {
	id     contracts.InterceptorID
	phase  contracts.PhaseName
	before []contracts.InterceptorID
	after  []contracts.InterceptorID
}

// NewPhaseInterceptor creates a base bound to a phase
func NewPhaseInterceptor(id contracts.InterceptorID, phase contracts.PhaseName) PhaseInterceptor {
	return PhaseInterceptor{id: id, phase: phase}
}

// ID implements contracts.Interceptor
func (p *PhaseInterceptor) ID() contracts.InterceptorID {
	return p.id
}

// Phase implements contracts.Interceptor
func (p *PhaseInterceptor) Phase() contracts.PhaseName {
	return p.phase
}

// Before implements contracts.Interceptor
func (p *PhaseInterceptor) Before() []contracts.InterceptorID {
	return append([]contracts.InterceptorID(nil), p.before...)
}

// After implements contracts.Interceptor
func (p *PhaseInterceptor) After() []contracts.InterceptorID {
	return append([]contracts.InterceptorID(nil), p.after...)
}

// AddBefore declares interceptors this one must precede. Call it only while
// configuring, never once the interceptor is shared by chains.
func (p *PhaseInterceptor) AddBefore(ids ...contracts.InterceptorID) {
	p.before = appendUnique(p.before, ids)
}

// AddAfter declares interceptors this one must follow
func (p *PhaseInterceptor) AddAfter(ids ...contracts.InterceptorID) {
	p.after = appendUnique(p.after, ids)
}

// HandleFault does nothing by default
func (p *PhaseInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {}

func appendUnique(set, ids []contracts.InterceptorID) []contracts.InterceptorID {
	for _, id := range ids {
		found := false
		for _, existing := range set {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			set = append(set, id)
		}
	}
	return set
}

// IDOf returns the effective identifier of an interceptor: its ID, or its Go
// type name when the ID is empty.
func IDOf(i contracts.Interceptor) contracts.InterceptorID {
	if id := i.ID(); id != "" {
		return id
	}
	t := reflect.TypeOf(i)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return contracts.InterceptorID(t.Name())
	}
	return contracts.InterceptorID(t.PkgPath() + "." + t.Name())
}

// InterceptorFunc is a function adapter for contracts.Interceptor
type InterceptorFunc struct {
	PhaseInterceptor
	fn      func(ctx context.Context, msg *contracts.Message) error
	faultFn func(ctx context.Context, msg *contracts.Message)
}

// InterceptorOption configures an InterceptorFunc
type InterceptorOption func(*InterceptorFunc)

// WithBefore declares interceptors the function must precede
func WithBefore(ids ...contracts.InterceptorID) InterceptorOption {
	return func(i *InterceptorFunc) {
		i.AddBefore(ids...)
	}
}

// WithAfter declares interceptors the function must follow
func WithAfter(ids ...contracts.InterceptorID) InterceptorOption {
	return func(i *InterceptorFunc) {
		i.AddAfter(ids...)
	}
}

// WithFaultHandler sets the function run during a fault unwind
func WithFaultHandler(fn func(ctx context.Context, msg *contracts.Message)) InterceptorOption {
	return func(i *InterceptorFunc) {
		i.faultFn = fn
	}
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(
	id contracts.InterceptorID,
	phase contracts.PhaseName,
	fn func(ctx context.Context, msg *contracts.Message) error,
	opts ...InterceptorOption,
) *InterceptorFunc {
	i := &InterceptorFunc{
		PhaseInterceptor: NewPhaseInterceptor(id, phase),
		fn:               fn,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HandleMessage implements contracts.Interceptor
func (i *InterceptorFunc) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	if i.fn == nil {
		return nil
	}
	return i.fn(ctx, msg)
}

// HandleFault implements contracts.Interceptor
func (i *InterceptorFunc) HandleFault(ctx context.Context, msg *contracts.Message) {
	if i.faultFn != nil {
		i.faultFn(ctx, msg)
	}
}
