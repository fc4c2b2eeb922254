package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/internal/rabbitmq"
	"github.com/glimte/mmate-chain/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RedeliveredKey is the message property set on deliveries the broker has
// delivered before
const RedeliveredKey = "mmate.rabbitmq.redelivered"

// Transport carries messages over AMQP 0-9-1. Addresses are queue names:
// requests are published through the default exchange straight to the
// destination queue and responses go to the caller's reply queue.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	enableFIFO bool
	deadLetter bool
}

var (
	_ transport.ConduitInitiator   = (*Transport)(nil)
	_ transport.DestinationFactory = (*Transport)(nil)
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	EnableFIFO        bool
	DeadLetter        bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithFIFOMode enables single active consumer on destination queues for
// strict message ordering
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// WithDeadLetter routes rejected requests to a <queue>.dlq queue
func WithDeadLetter(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeadLetter = enabled
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and creates a transport on it
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t := newTransport(manager, cfg)
	t.manager = manager
	return t, nil
}

// NewTransportOn creates a transport using channels from source. The caller
// owns whatever connection backs the source.
func NewTransportOn(source rabbitmq.ChannelSource, options ...TransportOption) *Transport {
	return newTransport(source, newConfig(options))
}

func newConfig(options []TransportOption) *TransportConfig {
	cfg := &TransportConfig{DeadLetter: true}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func newTransport(source rabbitmq.ChannelSource, cfg *TransportConfig) *Transport {
	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	conOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)
	return &Transport{
		publisher:  rabbitmq.NewPublisher(source, pubOpts...),
		consumer:   rabbitmq.NewConsumer(source, conOpts...),
		topology:   rabbitmq.NewTopologyManager(source),
		logger:     cfg.Logger,
		enableFIFO: cfg.EnableFIFO,
		deadLetter: cfg.DeadLetter,
	}
}

// Destination declares the queue and starts consuming it
func (t *Transport) Destination(ctx context.Context, queue string) (transport.Destination, error) {
	topology := rabbitmq.EndpointTopology(queue, t.deadLetter)
	if t.enableFIFO {
		for i := range topology.Queues {
			if topology.Queues[i].Name != queue {
				continue
			}
			if topology.Queues[i].Arguments == nil {
				topology.Queues[i].Arguments = amqp.Table{}
			}
			topology.Queues[i].Arguments["x-single-active-consumer"] = true
		}
	}
	if err := t.topology.Declare(ctx, topology); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	d := &Destination{transport: t, queue: queue}
	if err := t.consumer.Subscribe(ctx, queue, d.handle); err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return d, nil
}

// Conduit declares a private reply queue and returns a conduit sending to queue
func (t *Transport) Conduit(ctx context.Context, queue string) (transport.Conduit, error) {
	replyQueue, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}

	c := &Conduit{transport: t, target: queue, replyQueue: replyQueue}
	if err := t.consumer.Subscribe(ctx, replyQueue, c.handle); err != nil {
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}
	return c, nil
}

// Close closes all resources
func (t *Transport) Close() error {
	if err := t.consumer.Close(); err != nil {
		t.logger.Warn("failed to close consumer", "error", err)
	}
	if err := t.publisher.Close(); err != nil {
		t.logger.Warn("failed to close publisher", "error", err)
	}
	if t.manager != nil {
		return t.manager.Close()
	}
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	if t.manager == nil {
		return true
	}
	return t.manager.IsConnected()
}

func (t *Transport) publish(ctx context.Context, queue string, msg *contracts.Message) error {
	return t.publisher.Publish(ctx, "", queue, toPublishing(msg))
}

// Destination consumes one queue and hands each delivery to its observer
type Destination struct {
	transport *Transport
	queue     string

	mu       sync.RWMutex
	observer contracts.MessageObserver
	inflight sync.WaitGroup
}

// Address implements transport.Destination
func (d *Destination) Address() string {
	return d.queue
}

// SetObserver implements transport.Destination
func (d *Destination) SetObserver(observer contracts.MessageObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = observer
}

// BackChannel implements transport.Destination
func (d *Destination) BackChannel(in *contracts.Message) (transport.Conduit, error) {
	addr, ok := transport.ReplyAddress(in)
	if !ok {
		return nil, transport.ErrNoReplyAddress
	}
	return &replyConduit{transport: d.transport, replyTo: addr}, nil
}

// Shutdown stops consuming and waits for unsettled deliveries
func (d *Destination) Shutdown(ctx context.Context) error {
	if err := d.transport.consumer.Unsubscribe(d.queue); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Destination) handle(ctx context.Context, delivery amqp.Delivery) {
	d.mu.RLock()
	observer := d.observer
	d.mu.RUnlock()

	logger := d.transport.logger
	if observer == nil {
		logger.Warn("no observer for queue, requeueing", "queue", d.queue, "messageId", delivery.MessageId)
		if err := delivery.Nack(false, true); err != nil {
			logger.Error("failed to nack delivery", "queue", d.queue, "error", err)
		}
		return
	}

	msg := toMessage(delivery)
	d.inflight.Add(1)
	transport.OnComplete(msg, func(fault *contracts.Fault) {
		defer d.inflight.Done()
		settle(logger, delivery, msg, fault)
	})
	observer.OnMessage(ctx, msg)
}

// settle acknowledges a request delivery. A faulted request that has a
// reply address was answered with a fault response and is acked. A faulted
// one-way request is rejected and requeued once if the fault is retryable;
// otherwise it goes to the dead letter queue.
func settle(logger *slog.Logger, delivery amqp.Delivery, msg *contracts.Message, fault *contracts.Fault) {
	_, hasReply := transport.ReplyAddress(msg)
	if fault == nil || hasReply {
		if err := delivery.Ack(false); err != nil {
			logger.Error("failed to ack delivery", "messageId", delivery.MessageId, "error", err)
		}
		return
	}

	requeue := fault.IsRetryable() && !delivery.Redelivered
	logger.Warn("rejecting delivery",
		"messageId", delivery.MessageId,
		"code", fault.Code,
		"requeue", requeue,
	)
	if err := delivery.Nack(false, requeue); err != nil {
		logger.Error("failed to nack delivery", "messageId", delivery.MessageId, "error", err)
	}
}

// Conduit publishes requests to a queue and receives responses on a
// private reply queue
type Conduit struct {
	transport  *Transport
	target     string
	replyQueue string

	mu       sync.RWMutex
	observer contracts.MessageObserver
}

// ReplyAddress returns the name of the reply queue
func (c *Conduit) ReplyAddress() string {
	return c.replyQueue
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
		msg.SetHeader(transport.ReplyToHeader, c.replyQueue)
	}
	return nil
}

// Send implements transport.Conduit
func (c *Conduit) Send(ctx context.Context, msg *contracts.Message) error {
	return c.transport.publish(ctx, c.target, msg)
}

// Close implements transport.Conduit
func (c *Conduit) Close(ctx context.Context, msg *contracts.Message) error {
	return nil
}

// Shutdown stops consuming the reply queue
func (c *Conduit) Shutdown(ctx context.Context) error {
	return c.transport.consumer.Unsubscribe(c.replyQueue)
}

func (c *Conduit) handle(ctx context.Context, delivery amqp.Delivery) {
	c.mu.RLock()
	observer := c.observer
	c.mu.RUnlock()

	// responses are never redelivered; a lost response surfaces as a caller timeout
	if err := delivery.Ack(false); err != nil {
		c.transport.logger.Error("failed to ack response", "messageId", delivery.MessageId, "error", err)
	}
	if observer == nil {
		c.transport.logger.Warn("response dropped, conduit has no observer", "messageId", delivery.MessageId)
		return
	}
	observer.OnMessage(ctx, toMessage(delivery, contracts.Requestor()))
}

// replyConduit publishes responses to the reply queue of a request
type replyConduit struct {
	transport *Transport
	replyTo   string
}

func (r *replyConduit) Prepare(ctx context.Context, msg *contracts.Message) error {
	return nil
}

func (r *replyConduit) Send(ctx context.Context, msg *contracts.Message) error {
	return r.transport.publish(ctx, r.replyTo, msg)
}

func (r *replyConduit) Close(ctx context.Context, msg *contracts.Message) error {
	return nil
}

func (r *replyConduit) SetObserver(observer contracts.MessageObserver) {}
