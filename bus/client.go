package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/transport"
)

var (
	// ErrRequestAborted is returned when the outbound chain stopped the request
	// before it was sent
	ErrRequestAborted = errors.New("bus: request aborted before sending")
	// ErrClientClosed is returned by a closed client
	ErrClientClosed = errors.New("bus: client closed")
)

// Client invokes operations of a remote service over a conduit. Requests run
// through the outbound chain; responses arrive through OnMessage and run
// through the inbound or in-fault chain.
type Client struct {
	*interceptors.Provider
	bus     *Bus
	binding *Binding
	conduit transport.Conduit
	logger  *slog.Logger
	timeout time.Duration

	outChains     *interceptors.ChainCache
	inChains      *interceptors.ChainCache
	inFaultChains *interceptors.ChainCache

	mu      sync.Mutex
	pending map[string]*contracts.Exchange
	closed  bool
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientLogger sets the client logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds how long Invoke waits for a response when the context
// has no deadline
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// NewClient creates a client and registers it as the conduit's observer. A
// nil bus means the default bus.
func NewClient(b *Bus, binding *Binding, conduit transport.Conduit, opts ...ClientOption) *Client {
	b = orDefault(b)
	if binding == nil {
		binding = NewBinding("raw")
	}
	c := &Client{
		Provider: interceptors.NewProvider(),
		bus:      b,
		binding:  binding,
		conduit:  conduit,
		logger:   b.Logger(),
		timeout:  30 * time.Second,
		pending:  make(map[string]*contracts.Exchange),
	}
	for _, opt := range opts {
		opt(c)
	}

	chainOpts := chainOptions(b, c.logger)
	c.outChains = interceptors.NewChainCache(chainOpts...)
	c.inChains = interceptors.NewChainCache(chainOpts...)
	c.inFaultChains = interceptors.NewChainCache(chainOpts...)
	c.AddOut(NewMessageSenderInterceptor())

	conduit.SetObserver(c)
	return c
}

// Invoke calls an operation and waits for its response, which is decoded
// into resp. A fault returned by the service is returned as *contracts.Fault.
func (c *Client) Invoke(ctx context.Context, operation string, req, resp interface{}) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ex, chain, err := c.send(ctx, operation, req, false)
	if err != nil {
		return err
	}
	if chain.State() == contracts.StateAborted {
		if sc, ok := interceptors.ShortCircuitOf(ex); ok && sc.Result != nil {
			return decodeResult(sc.Result, resp)
		}
		return ErrRequestAborted
	}

	select {
	case <-ex.Done():
	case <-ctx.Done():
		return fmt.Errorf("invoke %s: %w", operation, ctx.Err())
	}

	if f := ex.Fault(); f != nil {
		return f
	}
	in := ex.InMessage()
	if in == nil || resp == nil {
		return nil
	}
	if payload, ok := in.Payload(); ok && payload != nil {
		return decodeResult(payload, resp)
	}
	if body := in.Body(); len(body) > 0 {
		return json.Unmarshal(body, resp)
	}
	return nil
}

// InvokeOneWay sends a request without waiting for a response
func (c *Client) InvokeOneWay(ctx context.Context, operation string, req interface{}) error {
	_, chain, err := c.send(ctx, operation, req, true)
	if err != nil {
		return err
	}
	if chain.State() == contracts.StateAborted {
		return ErrRequestAborted
	}
	return nil
}

func (c *Client) send(ctx context.Context, operation string, req interface{}, oneWay bool) (*contracts.Exchange, *interceptors.Chain, error) {
	ex := contracts.NewExchange()
	ex.SetOperation(operation)
	ex.SetOneWay(oneWay)
	ex.Put(transport.ConduitKey, c.conduit)

	out := contracts.NewMessage(contracts.Requestor())
	out.SetCorrelationID(out.ID())
	out.SetHeader(contracts.OperationHeader, operation)
	if body, ok := req.([]byte); ok {
		out.SetBody(body)
	} else if req != nil {
		out.SetPayload(req)
	}
	ex.SetOutMessage(out)

	if !oneWay {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, nil, ErrClientClosed
		}
		c.pending[out.ID()] = ex
		c.mu.Unlock()
		go func() {
			select {
			case <-ex.Done():
			case <-ctx.Done():
			}
			c.mu.Lock()
			delete(c.pending, out.ID())
			c.mu.Unlock()
		}()
	}

	chain, err := c.outChains.Get(c.bus.Phases().OutPhases().Phases(),
		interceptors.Lists(interceptors.Out, c.bus.Provider(), c, c.binding))
	if err != nil {
		ex.Complete()
		return nil, nil, err
	}
	if err := chain.DoIntercept(ctx, out); err != nil {
		ex.Complete()
		return nil, nil, err
	}
	return ex, chain, nil
}

// OnMessage implements contracts.MessageObserver for responses. Responses
// that match no pending request are dropped.
func (c *Client) OnMessage(ctx context.Context, msg *contracts.Message) {
	c.mu.Lock()
	ex, ok := c.pending[msg.CorrelationID()]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request dropped",
			"messageId", msg.ID(),
			"correlationId", msg.CorrelationID(),
		)
		return
	}

	code, isFault := msg.Header(transport.FaultHeader)
	cache, d := c.inChains, interceptors.In
	if isFault {
		ex.SetInFaultMessage(msg)
		cache, d = c.inFaultChains, interceptors.InFault
	} else {
		ex.SetInMessage(msg)
	}

	chain, err := cache.Get(c.bus.Phases().InPhases().Phases(),
		interceptors.Lists(d, c.bus.Provider(), c, c.binding),
		interceptors.WithCompletion(func(ctx context.Context, msg *contracts.Message, state contracts.State) {
			if isFault && ex.Fault() == nil {
				ex.SetFault(contracts.NewFault(contracts.FaultCode(code), "remote fault"))
			}
			ex.Complete()
		}),
	)
	if err != nil {
		c.logger.Error("failed to assemble response chain", "messageId", msg.ID(), "error", err)
		ex.SetFault(contracts.AsFault(err))
		ex.Complete()
		return
	}
	_ = chain.DoIntercept(ctx, msg)
}

// Pending returns the number of requests waiting for a response
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails pending requests and releases the conduit
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*contracts.Exchange)
	c.mu.Unlock()

	for _, ex := range pending {
		ex.SetFault(contracts.NewReceiverFault("client closed").WithCause(ErrClientClosed))
		ex.Complete()
	}
	if s, ok := c.conduit.(Shutdowner); ok {
		return s.Shutdown(ctx)
	}
	return nil
}

func decodeResult(v interface{}, resp interface{}) error {
	if resp == nil {
		return nil
	}
	body, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, resp)
}
