package interceptors

import (
	"context"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
)

var (
	receive   = phase.Receive
	unmarshal = phase.Unmarshal
	invoke    = phase.Invoke
)

func testPhases() []phase.Phase {
	return phase.MustRegistry(receive, unmarshal, invoke).Phases()
}

// recorder collects the order of HandleMessage and HandleFault calls
type recorder struct {
	mu      sync.Mutex
	handled []contracts.InterceptorID
	faulted []contracts.InterceptorID
}

func (r *recorder) handle(id contracts.InterceptorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, id)
}

func (r *recorder) fault(id contracts.InterceptorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faulted = append(r.faulted, id)
}

func (r *recorder) Handled() []contracts.InterceptorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contracts.InterceptorID(nil), r.handled...)
}

func (r *recorder) Faulted() []contracts.InterceptorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contracts.InterceptorID(nil), r.faulted...)
}

// step builds an interceptor that records itself and then runs fn
func (r *recorder) step(id contracts.InterceptorID, p contracts.PhaseName, fn func(ctx context.Context, msg *contracts.Message) error, opts ...InterceptorOption) *InterceptorFunc {
	opts = append(opts, WithFaultHandler(func(ctx context.Context, msg *contracts.Message) {
		r.fault(id)
	}))
	return NewInterceptorFunc(id, p, func(ctx context.Context, msg *contracts.Message) error {
		r.handle(id)
		if fn != nil {
			return fn(ctx, msg)
		}
		return nil
	}, opts...)
}

func ids(list []contracts.Interceptor) []contracts.InterceptorID {
	out := make([]contracts.InterceptorID, len(list))
	for i, ic := range list {
		out[i] = IDOf(ic)
	}
	return out
}

func idList(names ...string) []contracts.InterceptorID {
	out := make([]contracts.InterceptorID, len(names))
	for i, n := range names {
		out[i] = contracts.InterceptorID(n)
	}
	return out
}

func newMessage() *contracts.Message {
	ex := contracts.NewExchange()
	msg := contracts.NewMessage(contracts.Inbound())
	ex.SetInMessage(msg)
	return msg
}
