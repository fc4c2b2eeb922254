package contracts

import (
	"context"
)

// PhaseName identifies a processing phase
type PhaseName string

// InterceptorID identifies an interceptor for before/after ordering
type InterceptorID string

// Interceptor is a unit of message processing bound to one phase.
//
// Interceptor instances are shared by every chain assembled from the same
// provider, so they must be stateless or internally thread-safe.
type Interceptor interface {
	// ID returns the identifier other interceptors use in Before/After.
	// An empty ID means the interceptor's Go type name.
	ID() InterceptorID

	// Phase returns the phase the interceptor runs in
	Phase() PhaseName

	// Before lists interceptors this one must run before within its phase
	Before() []InterceptorID

	// After lists interceptors this one must run after within its phase
	After() []InterceptorID

	// HandleMessage processes the message. Returning an error faults the chain.
	HandleMessage(ctx context.Context, msg *Message) error

	// HandleFault undoes the work of HandleMessage during a fault unwind
	HandleFault(ctx context.Context, msg *Message)
}

// State is the execution state of an interceptor chain
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further execution can happen
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}

// InterceptorChain is the view of a running chain available to interceptors
// through Message.Chain.
type InterceptorChain interface {
	// Add places interceptors in the part of the chain that has not run yet.
	// Interceptors whose ID is already present are ignored.
	Add(interceptors ...Interceptor) error

	// AddForce is Add without the duplicate ID check
	AddForce(interceptors ...Interceptor) error

	// Remove removes a not yet executed interceptor
	Remove(interceptor Interceptor) error

	// Abort stops forward processing once the current interceptor returns.
	// It is an intentional short-circuit, not a fault: nothing is unwound.
	Abort()

	// Pause suspends the chain once the current interceptor returns
	Pause()

	// Resume continues a paused chain, possibly on another goroutine
	Resume(ctx context.Context) error

	// State returns the current state
	State() State

	// DoIntercept runs the chain from its current position
	DoIntercept(ctx context.Context, msg *Message) error

	// Interceptors returns the ordered interceptors of the chain
	Interceptors() []Interceptor
}

// InterceptorProvider owns the four directional interceptor lists. Getters
// return snapshots; callers must not rely on later changes showing up in them.
type InterceptorProvider interface {
	InInterceptors() []Interceptor
	OutInterceptors() []Interceptor
	InFaultInterceptors() []Interceptor
	OutFaultInterceptors() []Interceptor
}

// MessageObserver receives messages from a transport
type MessageObserver interface {
	OnMessage(ctx context.Context, msg *Message)
}

// MessageObserverFunc is a function adapter for MessageObserver
type MessageObserverFunc func(ctx context.Context, msg *Message)

// OnMessage implements MessageObserver
func (f MessageObserverFunc) OnMessage(ctx context.Context, msg *Message) {
	f(ctx, msg)
}

// FaultListener is consulted before the chain logs a fault. Returning false
// suppresses the default log line.
type FaultListener interface {
	FaultOccurred(ctx context.Context, fault *Fault, msg *Message) bool
}

// FaultListenerFunc is a function adapter for FaultListener
type FaultListenerFunc func(ctx context.Context, fault *Fault, msg *Message) bool

// FaultOccurred implements FaultListener
func (f FaultListenerFunc) FaultOccurred(ctx context.Context, fault *Fault, msg *Message) bool {
	return f(ctx, fault, msg)
}
