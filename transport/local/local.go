package local

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/transport"
	"github.com/google/uuid"
)

const (
	// Scheme prefixes every local address
	Scheme      = "local://"
	replyPrefix = Scheme + "reply/"
)

// Transport is an in-process message transport. Every delivery runs on its
// own goroutine, so chains see the same concurrency as with a broker.
type Transport struct {
	logger *slog.Logger

	mu           sync.RWMutex
	destinations map[string]*Destination
	replies      map[string]*Conduit
	closed       bool

	inflight sync.WaitGroup
}

var (
	_ transport.ConduitInitiator   = (*Transport)(nil)
	_ transport.DestinationFactory = (*Transport)(nil)
)

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates an in-process transport
func New(opts ...Option) *Transport {
	t := &Transport{
		logger:       slog.Default(),
		destinations: make(map[string]*Destination),
		replies:      make(map[string]*Conduit),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Address normalizes a name into a local address
func Address(name string) string {
	if strings.HasPrefix(name, Scheme) {
		return name
	}
	return Scheme + name
}

// Destination implements transport.DestinationFactory
func (t *Transport) Destination(ctx context.Context, address string) (transport.Destination, error) {
	address = Address(address)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrConduitClosed
	}
	if _, exists := t.destinations[address]; exists {
		return nil, fmt.Errorf("%s: %w", address, transport.ErrAddressInUse)
	}
	d := &Destination{transport: t, address: address}
	t.destinations[address] = d
	t.logger.Debug("destination registered", "address", address)
	return d, nil
}

// Conduit implements transport.ConduitInitiator. The conduit gets a private
// reply address that stays registered until it is shut down.
func (t *Transport) Conduit(ctx context.Context, address string) (transport.Conduit, error) {
	c := &Conduit{
		transport: t,
		target:    Address(address),
		replyTo:   replyPrefix + uuid.New().String(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrConduitClosed
	}
	t.replies[c.replyTo] = c
	return c, nil
}

// Shutdown stops accepting messages and waits for in-flight deliveries
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.destinations = make(map[string]*Destination)
	t.replies = make(map[string]*Conduit)
	t.mu.Unlock()

	return wait(ctx, &t.inflight)
}

func (t *Transport) destination(address string) (*Destination, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.destinations[address]
	return d, ok
}

func (t *Transport) replyConduit(address string) (*Conduit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.replies[address]
	return c, ok
}

// deliver hands a copy of msg to the observer on a new goroutine. The
// receiving side is not bound to the sender's cancellation.
func (t *Transport) deliver(ctx context.Context, observer contracts.MessageObserver, local *sync.WaitGroup, msg *contracts.Message) {
	ctx = context.WithoutCancel(ctx)
	t.inflight.Add(1)
	if local != nil {
		local.Add(1)
	}
	go func() {
		defer t.inflight.Done()
		if local != nil {
			defer local.Done()
		}
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("message observer panicked",
					"messageId", msg.ID(),
					"panic", r,
				)
			}
		}()
		observer.OnMessage(ctx, msg)
	}()
}

// copyMessage produces what the receiving side would decode off a wire
func copyMessage(msg *contracts.Message, opts ...contracts.MessageOption) *contracts.Message {
	body := append([]byte(nil), msg.Body()...)
	base := []contracts.MessageOption{
		contracts.WithMessageID(msg.ID()),
		contracts.WithCorrelationID(msg.CorrelationID()),
		contracts.WithHeaders(msg.Headers()),
		contracts.WithBody(body),
		contracts.Inbound(),
	}
	return contracts.NewMessage(append(base, opts...)...)
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destination is a local address served by an observer
type Destination struct {
	transport *Transport
	address   string

	mu       sync.RWMutex
	observer contracts.MessageObserver
	inflight sync.WaitGroup
}

// Address implements transport.Destination
func (d *Destination) Address() string {
	return d.address
}

// SetObserver implements transport.Destination
func (d *Destination) SetObserver(observer contracts.MessageObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = observer
}

func (d *Destination) getObserver() contracts.MessageObserver {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.observer
}

// BackChannel implements transport.Destination
func (d *Destination) BackChannel(in *contracts.Message) (transport.Conduit, error) {
	addr, ok := transport.ReplyAddress(in)
	if !ok {
		return nil, transport.ErrNoReplyAddress
	}
	return &backChannel{transport: d.transport, replyTo: addr}, nil
}

// Shutdown unregisters the address and waits for its in-flight deliveries
func (d *Destination) Shutdown(ctx context.Context) error {
	t := d.transport
	t.mu.Lock()
	if t.destinations[d.address] == d {
		delete(t.destinations, d.address)
	}
	t.mu.Unlock()

	return wait(ctx, &d.inflight)
}

// Conduit sends messages to one local address
type Conduit struct {
	transport *Transport
	target    string
	replyTo   string

	mu       sync.RWMutex
	observer contracts.MessageObserver
	closed   bool
}

// ReplyAddress returns the address responses to this conduit are sent to
func (c *Conduit) ReplyAddress() string {
	return c.replyTo
}

// SetObserver implements transport.Conduit
func (c *Conduit) SetObserver(observer contracts.MessageObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = observer
}

// Prepare implements transport.Conduit
func (c *Conduit) Prepare(ctx context.Context, msg *contracts.Message) error {
	if ex := msg.Exchange(); ex == nil || !ex.IsOneWay() {
		msg.SetHeader(transport.ReplyToHeader, c.replyTo)
	}
	return nil
}

// Send implements transport.Conduit
func (c *Conduit) Send(ctx context.Context, msg *contracts.Message) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return transport.ErrConduitClosed
	}

	d, ok := c.transport.destination(c.target)
	if !ok {
		return fmt.Errorf("%s: %w", c.target, transport.ErrUnknownAddress)
	}
	observer := d.getObserver()
	if observer == nil {
		return fmt.Errorf("%s has no observer: %w", c.target, transport.ErrUnknownAddress)
	}
	c.transport.deliver(ctx, observer, &d.inflight, copyMessage(msg))
	return nil
}

// Close implements transport.Conduit
func (c *Conduit) Close(ctx context.Context, msg *contracts.Message) error {
	return nil
}

// Shutdown releases the reply address
func (c *Conduit) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	t := c.transport
	t.mu.Lock()
	delete(t.replies, c.replyTo)
	t.mu.Unlock()
	return nil
}

func (c *Conduit) getObserver() contracts.MessageObserver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observer
}

// backChannel carries responses to the conduit that owns a reply address
type backChannel struct {
	transport *Transport
	replyTo   string
}

func (b *backChannel) Prepare(ctx context.Context, msg *contracts.Message) error {
	return nil
}

func (b *backChannel) Send(ctx context.Context, msg *contracts.Message) error {
	c, ok := b.transport.replyConduit(b.replyTo)
	if !ok {
		return fmt.Errorf("%s: %w", b.replyTo, transport.ErrUnknownAddress)
	}
	observer := c.getObserver()
	if observer == nil {
		b.transport.logger.Warn("response dropped, conduit has no observer",
			"replyTo", b.replyTo,
			"messageId", msg.ID(),
		)
		return nil
	}
	b.transport.deliver(ctx, observer, nil, copyMessage(msg, contracts.Requestor()))
	return nil
}

func (b *backChannel) Close(ctx context.Context, msg *contracts.Message) error {
	return nil
}

func (b *backChannel) SetObserver(observer contracts.MessageObserver) {}
