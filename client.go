// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-chain/bus"
	"github.com/glimte/mmate-chain/config"
	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/internal/rabbitmq"
	"github.com/glimte/mmate-chain/observability"
	"github.com/glimte/mmate-chain/transport"
	"github.com/glimte/mmate-chain/transport/local"
	rabbitmqTransport "github.com/glimte/mmate-chain/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

// Transport is what a client needs from a transport: conduits to call
// services and destinations to serve them
type Transport interface {
	transport.ConduitInitiator
	transport.DestinationFactory
}

// Client provides the main entry point for mmate-chain. It owns one bus and
// one transport, and the endpoints and service clients created through it.
type Client struct {
	bus       *bus.Bus
	transport Transport
	shutdown  func(ctx context.Context) error
	binding   *bus.Binding
	logger    *slog.Logger

	mu        sync.Mutex
	endpoints []*bus.Endpoint
	clients   []*bus.Client
	closed    bool
}

// ErrClosed is returned by a closed client
var ErrClosed = errors.New("mmate: client closed")

// NewClient creates a new mmate client with default RabbitMQ transport
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a new mmate client over RabbitMQ
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithLogger(cfg.logger),
		),
		rabbitmqTransport.WithFIFOMode(cfg.enableFIFO),
	}
	if cfg.config != nil {
		transportOpts = append(transportOpts,
			rabbitmqTransport.WithDeadLetter(cfg.config.DeadLetterEnabled()),
			rabbitmqTransport.WithConsumerOptions(rabbitmq.WithPrefetchCount(cfg.config.AMQP.PrefetchCount)),
		)
	}

	t, err := rabbitmqTransport.NewTransport(context.Background(), connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	c, err := newClient(cfg, t, func(context.Context) error { return t.Close() })
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if cfg.health != nil {
		cfg.health.Register(observability.ConnectionChecker("rabbitmq", t))
	}
	return c, nil
}

// NewLocalClient creates a client whose services and callers share an
// in-process transport
func NewLocalClient(options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)
	t := local.New(local.WithLogger(cfg.logger))
	return newClient(cfg, t, t.Shutdown)
}

func newClient(cfg *clientConfig, t Transport, shutdown func(ctx context.Context) error) (*Client, error) {
	busOpts := []bus.Option{bus.WithLogger(cfg.logger)}
	if cfg.config != nil {
		phases, err := cfg.config.PhaseManager()
		if err != nil {
			return nil, fmt.Errorf("failed to build phases: %w", err)
		}
		busOpts = append(busOpts, bus.WithPhases(phases))
	}
	b := bus.New(busOpts...)

	if cfg.metrics != nil {
		bus.SetExtension[interceptors.MetricsCollector](b, observability.NewMetrics(cfg.metrics))
	}
	if cfg.config != nil {
		if err := cfg.config.Apply(b); err != nil {
			return nil, fmt.Errorf("failed to apply config: %w", err)
		}
	}

	return &Client{
		bus:       b,
		transport: t,
		shutdown:  shutdown,
		binding:   cfg.binding,
		logger:    cfg.logger,
	}, nil
}

// Bus returns the bus whose interceptors every chain of this client includes
func (c *Client) Bus() *bus.Bus {
	return c.bus
}

// Transport returns the underlying transport
func (c *Client) Transport() Transport {
	return c.transport
}

// ServiceQueue returns the receive queue of a service
func ServiceQueue(serviceName string) string {
	return fmt.Sprintf("%s-queue", serviceName)
}

// Serve starts an endpoint for svc on its service queue
func (c *Client) Serve(ctx context.Context, svc *bus.Service) (*bus.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	dest, err := c.transport.Destination(ctx, ServiceQueue(svc.Name()))
	if err != nil {
		return nil, fmt.Errorf("failed to create destination for %s: %w", svc.Name(), err)
	}
	e := bus.NewEndpoint(c.bus, svc, c.binding, dest, bus.WithEndpointLogger(c.logger))
	c.endpoints = append(c.endpoints, e)
	c.logger.Info("service endpoint started", "service", svc.Name(), "address", e.Address())
	return e, nil
}

// Connect returns a client calling the service named serviceName
func (c *Client) Connect(ctx context.Context, serviceName string, opts ...bus.ClientOption) (*bus.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	conduit, err := c.transport.Conduit(ctx, ServiceQueue(serviceName))
	if err != nil {
		return nil, fmt.Errorf("failed to create conduit for %s: %w", serviceName, err)
	}
	opts = append([]bus.ClientOption{bus.WithClientLogger(c.logger)}, opts...)
	client := bus.NewClient(c.bus, c.binding, conduit, opts...)
	c.clients = append(c.clients, client)
	return client, nil
}

// Close closes all resources: service clients first, then endpoints, the
// bus extensions and finally the transport
func (c *Client) Close() error {
	return c.CloseContext(context.Background())
}

// CloseContext is Close bounded by ctx
func (c *Client) CloseContext(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	clients, endpoints := c.clients, c.endpoints
	c.mu.Unlock()

	var errs []error
	for _, client := range clients {
		errs = append(errs, client.Close(ctx))
	}
	for i := len(endpoints) - 1; i >= 0; i-- {
		errs = append(errs, endpoints[i].Shutdown(ctx))
	}
	errs = append(errs, c.bus.Shutdown(ctx))
	if c.shutdown != nil {
		errs = append(errs, c.shutdown(ctx))
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	enableFIFO bool
	binding    *bus.Binding
	config     *config.Config
	metrics    prometheus.Registerer
	health     *observability.Health
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:  slog.Default(),
		binding: bus.JSON(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithFIFOMode enables FIFO mode for strict message ordering
func WithFIFOMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.enableFIFO = enabled
	}
}

// WithBinding replaces the JSON binding used by endpoints and service clients
func WithBinding(binding *bus.Binding) ClientOption {
	return func(cfg *clientConfig) {
		cfg.binding = binding
	}
}

// WithConfig applies the phases and bus interceptor lists of cfg
func WithConfig(cfg *config.Config) ClientOption {
	return func(c *clientConfig) {
		c.config = cfg
	}
}

// WithMetrics registers chain metrics with reg and makes them available to
// the "metrics" interceptor
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = reg
	}
}

// WithHealth registers the broker connection with h
func WithHealth(h *observability.Health) ClientOption {
	return func(cfg *clientConfig) {
		cfg.health = h
	}
}
