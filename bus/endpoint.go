package bus

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/phase"
	"github.com/glimte/mmate-chain/transport"
)

// EndpointKey is the exchange property holding the endpoint serving the call
const EndpointKey = "mmate.bus.endpoint"

// Endpoint serves a service over a destination. It observes the destination
// and starts an inbound chain for every received message.
type Endpoint struct {
	*interceptors.Provider
	bus         *Bus
	service     *Service
	binding     *Binding
	destination transport.Destination
	logger      *slog.Logger
	chainOpts   []interceptors.ChainOption

	inChains       *interceptors.ChainCache
	outChains      *interceptors.ChainCache
	outFaultChains *interceptors.ChainCache
}

// EndpointOption configures an Endpoint
type EndpointOption func(*Endpoint)

// WithEndpointLogger sets the endpoint logger
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEndpoint creates an endpoint and starts observing the destination. A nil
// bus means the default bus; a nil binding passes bodies through untouched.
func NewEndpoint(b *Bus, service *Service, binding *Binding, destination transport.Destination, opts ...EndpointOption) *Endpoint {
	b = orDefault(b)
	if binding == nil {
		binding = NewBinding("raw")
	}
	e := &Endpoint{
		Provider:    interceptors.NewProvider(),
		bus:         b,
		service:     service,
		binding:     binding,
		destination: destination,
		logger:      b.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.chainOpts = chainOptions(b, e.logger)
	e.inChains = interceptors.NewChainCache(e.chainOpts...)
	e.outChains = interceptors.NewChainCache(e.chainOpts...)
	e.outFaultChains = interceptors.NewChainCache(e.chainOpts...)

	e.AddIn(NewOutgoingChainInterceptor())
	sender := NewMessageSenderInterceptor()
	e.AddOut(sender)
	e.AddOutFault(sender)

	destination.SetObserver(e)
	return e
}

// Address returns the address of the destination
func (e *Endpoint) Address() string {
	return e.destination.Address()
}

// Service returns the served service
func (e *Endpoint) Service() *Service {
	return e.service
}

// Shutdown stops the destination
func (e *Endpoint) Shutdown(ctx context.Context) error {
	return e.destination.Shutdown(ctx)
}

// OnMessage implements contracts.MessageObserver. It assembles the inbound
// chain for msg and runs it; faults are answered by the out-fault chain.
func (e *Endpoint) OnMessage(ctx context.Context, msg *contracts.Message) {
	ex := msg.Exchange()
	if ex == nil {
		ex = contracts.NewExchange()
		ex.SetInMessage(msg)
	}
	if _, ok := transport.ReplyAddress(msg); !ok {
		ex.SetOneWay(true)
	}
	ex.Put(EndpointKey, e)

	chain, err := e.newChain(interceptors.In, e.bus.Phases().InPhases(), msg,
		interceptors.WithFaultObserver(contracts.MessageObserverFunc(e.initiateFault)),
		interceptors.WithCompletion(complete),
	)
	if err != nil {
		e.logger.Error("failed to assemble inbound chain",
			"address", e.Address(),
			"messageId", msg.ID(),
			"error", err,
		)
		msg.SetFault(contracts.AsFault(err))
		complete(ctx, msg, contracts.StateAborted)
		return
	}

	if err := start(ctx, chain, msg); err != nil {
		e.logger.Debug("inbound chain ended with fault",
			"messageId", msg.ID(),
			"error", err,
		)
	}
}

// chainOptions returns the options every chain of the bus gets
func chainOptions(b *Bus, logger *slog.Logger) []interceptors.ChainOption {
	opts := []interceptors.ChainOption{interceptors.WithLogger(logger)}
	if listener, ok := ExtensionOf[contracts.FaultListener](b); ok {
		opts = append(opts, interceptors.WithFaultListener(listener))
	}
	return opts
}

// complete hands the message back to its transport and releases waiters
func complete(ctx context.Context, msg *contracts.Message, state contracts.State) {
	transport.Complete(msg)
	if ex := msg.Exchange(); ex != nil {
		ex.Complete()
	}
}

// start runs the chain, honoring the start position properties of msg
func start(ctx context.Context, chain *interceptors.Chain, msg *contracts.Message) error {
	if v, ok := msg.Get(contracts.StartingAfterKey); ok {
		if id, ok := v.(contracts.InterceptorID); ok {
			return chain.DoInterceptStartingAfter(ctx, msg, id)
		}
	}
	if v, ok := msg.Get(contracts.StartingAtKey); ok {
		if id, ok := v.(contracts.InterceptorID); ok {
			return chain.DoInterceptStartingAt(ctx, msg, id)
		}
	}
	return chain.DoIntercept(ctx, msg)
}

// initiateFault answers a faulted inbound message with the out-fault chain
func (e *Endpoint) initiateFault(ctx context.Context, in *contracts.Message) {
	ex := in.Exchange()
	if ex == nil {
		return
	}
	conduit, err := e.destination.BackChannel(in)
	if err != nil {
		e.logger.Warn("fault not sent, no back channel",
			"messageId", in.ID(),
			"error", err,
		)
		return
	}
	ex.Put(transport.ConduitKey, conduit)

	faultMsg := in.NewReply()
	faultMsg.SetFault(ex.Fault())
	ex.SetOutFaultMessage(faultMsg)

	chain, err := e.newChain(interceptors.OutFault, e.bus.Phases().OutPhases(), faultMsg)
	if err != nil {
		e.logger.Error("failed to assemble out-fault chain", "messageId", in.ID(), "error", err)
		return
	}
	if err := chain.DoIntercept(ctx, faultMsg); err != nil {
		e.logger.Error("failed to send fault response", "messageId", in.ID(), "error", err)
	}
}

// newChain assembles a chain from the bus, service, endpoint and binding
// lists plus any extras carried by the message
func (e *Endpoint) newChain(d interceptors.Direction, phases *phase.Registry, msg *contracts.Message, opts ...interceptors.ChainOption) (*interceptors.Chain, error) {
	lists := interceptors.Lists(d, e.bus.Provider(), e.service, e, e.binding)
	extra := extraLists(d, msg)
	if len(extra) > 0 {
		opts = append(append([]interceptors.ChainOption(nil), e.chainOpts...), opts...)
		return interceptors.BuildChain(phases.Phases(), append(lists, extra...), opts...)
	}

	var cache *interceptors.ChainCache
	switch d {
	case interceptors.In:
		cache = e.inChains
	case interceptors.Out:
		cache = e.outChains
	default:
		cache = e.outFaultChains
	}
	return cache.Get(phases.Phases(), lists, opts...)
}

// extraLists returns the per-message interceptors of msg's InterceptorsKey
// and the d lists of its ProvidersKey
func extraLists(d interceptors.Direction, msg *contracts.Message) [][]contracts.Interceptor {
	var lists [][]contracts.Interceptor
	if v, ok := msg.Get(contracts.InterceptorsKey); ok {
		if list, ok := v.([]contracts.Interceptor); ok && len(list) > 0 {
			lists = append(lists, list)
		}
	}
	if v, ok := msg.Get(contracts.ProvidersKey); ok {
		if providers, ok := v.([]contracts.InterceptorProvider); ok {
			lists = append(lists, interceptors.Lists(d, providers...)...)
		}
	}
	return lists
}

func endpointOf(ex *contracts.Exchange) (*Endpoint, bool) {
	if ex == nil {
		return nil, false
	}
	v, ok := ex.Get(EndpointKey)
	if !ok {
		return nil, false
	}
	e, ok := v.(*Endpoint)
	return e, ok
}
