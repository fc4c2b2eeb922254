package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-chain/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages over one channel, reopened when it closes.
// Publishes are serialized so each confirm belongs to exactly one message.
type Publisher struct {
	source         ChannelSource
	confirm        bool
	confirmTimeout time.Duration
	retry          reliability.RetryPolicy
	logger         *slog.Logger

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	closed   bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirms enables or disables publisher confirms
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetry sets the policy for failed publishes
func WithPublishRetry(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retry = policy
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(source ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		source:         source,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		retry:          reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 3),
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish publishes a message, waiting for the broker confirm when enabled
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPublisherClosed
	}

	err := reliability.Retry(ctx, p.retry, func(ctx context.Context) error {
		return p.publishOnce(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.resetLocked()
		return err
	}
	if !p.confirm {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.resetLocked()
			return ErrConnectionClosed
		}
		if !c.Ack {
			return ErrPublishNotConfirmed
		}
		return nil
	case <-timer.C:
		// a late confirm would be taken for the next message
		p.resetLocked()
		return ErrPublishNotConfirmed
	case <-ctx.Done():
		p.resetLocked()
		return ctx.Err()
	}
}

func (p *Publisher) channelLocked() (Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.source.Channel()
	if err != nil {
		return nil, err
	}
	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, err
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Debug("closing publisher channel", "error", err)
		}
	}
	p.ch = nil
	p.confirms = nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.resetLocked()
	return nil
}
