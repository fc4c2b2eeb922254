package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/interceptors"
)

// Handler implements one operation of a service. The returned value becomes
// the response payload.
type Handler func(ctx context.Context, msg *contracts.Message) (interface{}, error)

// Service is a named set of operations with its own interceptor lists. Its
// in list ends with the interceptor that invokes the selected operation.
type Service struct {
	*interceptors.Provider
	name string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewService creates a service. The options tune the invoke-phase interceptor.
func NewService(name string, opts ...interceptors.InvokerOption) *Service {
	s := &Service{
		Provider: interceptors.NewProvider(),
		name:     name,
		handlers: make(map[string]Handler),
	}
	s.AddIn(interceptors.NewServiceInvokerInterceptor(s, opts...))
	return s
}

// Name returns the service name
func (s *Service) Name() string {
	return s.name
}

// Handle registers the handler of an operation
func (s *Service) Handle(operation string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[operation] = h
}

// Operations returns the sorted operation names
func (s *Service) Operations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := make([]string, 0, len(s.handlers))
	for op := range s.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Invoke implements interceptors.Invoker by dispatching on the exchange operation
func (s *Service) Invoke(ctx context.Context, msg *contracts.Message) (interface{}, error) {
	op := ""
	if ex := msg.Exchange(); ex != nil {
		op = ex.Operation()
	}
	s.mu.RLock()
	h, ok := s.handlers[op]
	s.mu.RUnlock()
	if !ok {
		return nil, contracts.NewSenderFault("service %s has no operation %q", s.name, op)
	}
	return h(ctx, msg)
}

// Operation registers a typed operation. The request payload is decoded into
// Req; a payload that cannot be decoded is the sender's fault.
func Operation[Req, Resp any](s *Service, operation string, fn func(ctx context.Context, req Req) (Resp, error)) {
	s.Handle(operation, func(ctx context.Context, msg *contracts.Message) (interface{}, error) {
		req, err := decodePayload[Req](msg)
		if err != nil {
			return nil, contracts.NewSenderFault("invalid %s request", operation).WithCause(err)
		}
		return fn(ctx, req)
	})
}

func decodePayload[T any](msg *contracts.Message) (T, error) {
	var v T
	payload, ok := msg.Payload()
	if !ok || payload == nil {
		if body := msg.Body(); len(body) > 0 {
			return v, json.Unmarshal(body, &v)
		}
		return v, nil
	}
	switch p := payload.(type) {
	case T:
		return p, nil
	case json.RawMessage:
		return v, json.Unmarshal(p, &v)
	default:
		return v, fmt.Errorf("payload is %T", payload)
	}
}
