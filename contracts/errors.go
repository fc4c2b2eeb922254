package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Configuration errors
	ErrDuplicatePhase = errors.New("configuration: duplicate phase")
	ErrUnknownPhase   = errors.New("configuration: unknown phase")
	ErrOrderingCycle  = errors.New("configuration: interceptor ordering cycle")

	// Chain errors
	ErrChainNotPaused      = errors.New("chain: not paused")
	ErrChainStarted        = errors.New("chain: already started")
	ErrChainTerminated     = errors.New("chain: already terminated")
	ErrInterceptorNotFound = errors.New("chain: interceptor not found")

	// ErrSuspended is returned by an interceptor to pause the chain. Unlike
	// Pause, the suspending interceptor runs again when the chain resumes.
	ErrSuspended = errors.New("chain: invocation suspended")
)

// FaultCode classifies who is responsible for a processing fault
type FaultCode string

const (
	// FaultSender means the message itself was bad and retrying it unchanged will not help
	FaultSender FaultCode = "Sender"
	// FaultReceiver means processing failed on the receiving side
	FaultReceiver FaultCode = "Receiver"
)

// Fault is a processing fault raised while a chain runs
type Fault struct {
	Code        FaultCode         `json:"code"`
	Message     string            `json:"message"`
	Interceptor InterceptorID     `json:"interceptor,omitempty"`
	Phase       PhaseName         `json:"phase,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Cause       error             `json:"-"`
}

// NewFault creates a new fault
func NewFault(code FaultCode, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// NewSenderFault creates a fault blaming the message sender
func NewSenderFault(format string, args ...interface{}) *Fault {
	return NewFault(FaultSender, fmt.Sprintf(format, args...))
}

// NewReceiverFault creates a fault raised by the receiving side
func NewReceiverFault(format string, args ...interface{}) *Fault {
	return NewFault(FaultReceiver, fmt.Sprintf(format, args...))
}

// WithCause attaches the underlying cause
func (f *Fault) WithCause(err error) *Fault {
	f.Cause = err
	return f
}

// Error implements error
func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString("fault ")
	b.WriteString(string(f.Code))
	if f.Interceptor != "" {
		fmt.Fprintf(&b, " in %s", f.Interceptor)
		if f.Phase != "" {
			fmt.Fprintf(&b, " (phase %s)", f.Phase)
		}
	}
	b.WriteString(": ")
	b.WriteString(f.Message)
	if f.Cause != nil && f.Cause.Error() != f.Message {
		fmt.Fprintf(&b, ": %v", f.Cause)
	}
	return b.String()
}

// Unwrap returns the cause
func (f *Fault) Unwrap() error {
	return f.Cause
}

// IsRetryable reports whether resending the same message may succeed
func (f *Fault) IsRetryable() bool {
	return f.Code != FaultSender
}

// AsFault converts any error into a fault. Errors that already wrap a fault
// return that fault; anything else becomes a receiver fault caused by err.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: FaultReceiver, Message: err.Error(), Cause: err}
}

// ConfigurationKind identifies a kind of configuration error
type ConfigurationKind string

const (
	KindDuplicatePhase ConfigurationKind = "duplicate-phase"
	KindUnknownPhase   ConfigurationKind = "unknown-phase"
	KindOrderingCycle  ConfigurationKind = "ordering-cycle"
)

// ConfigurationError is raised at bootstrap or chain assembly time. It is never
// surfaced to a live message flow.
type ConfigurationError struct {
	Kind         ConfigurationKind
	Phases       []PhaseName
	Interceptors []InterceptorID
	Detail       string
}

func (e *ConfigurationError) Error() string {
	switch e.Kind {
	case KindDuplicatePhase:
		return fmt.Sprintf("configuration error: duplicate phase %s", joinPhases(e.Phases))
	case KindUnknownPhase:
		if len(e.Interceptors) > 0 {
			return fmt.Sprintf("configuration error: interceptor %s references unknown phase %s",
				joinIDs(e.Interceptors), joinPhases(e.Phases))
		}
		return fmt.Sprintf("configuration error: unknown phase %s", joinPhases(e.Phases))
	case KindOrderingCycle:
		return fmt.Sprintf("configuration error: before/after cycle in phase %s: %s",
			joinPhases(e.Phases), strings.Join(idStrings(e.Interceptors), " -> "))
	default:
		return fmt.Sprintf("configuration error: %s", e.Detail)
	}
}

// Is matches the configuration sentinels
func (e *ConfigurationError) Is(target error) bool {
	switch target {
	case ErrDuplicatePhase:
		return e.Kind == KindDuplicatePhase
	case ErrUnknownPhase:
		return e.Kind == KindUnknownPhase
	case ErrOrderingCycle:
		return e.Kind == KindOrderingCycle
	}
	return false
}

func joinPhases(phases []PhaseName) string {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

func joinIDs(ids []InterceptorID) string {
	return strings.Join(idStrings(ids), ", ")
}

func idStrings(ids []InterceptorID) []string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return parts
}
