package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-chain/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeBroker routes publishes on the default exchange to consumed queues
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string]chan amqp.Delivery
	args      map[string]amqp.Table
	tag       uint64
	generated int
	settled   []settlement
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues: make(map[string]chan amqp.Delivery),
		args:   make(map[string]amqp.Table),
	}
}

func (b *fakeBroker) Channel() (rabbitmq.Channel, error) {
	return &fakeChannel{broker: b}, nil
}

func (b *fakeBroker) queue(name string) chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan amqp.Delivery, 16)
		b.queues[name] = q
	}
	return q
}

func (b *fakeBroker) deliver(queue string, d amqp.Delivery) {
	b.mu.Lock()
	b.tag++
	d.DeliveryTag = b.tag
	b.mu.Unlock()
	d.Acknowledger = b
	b.queue(queue) <- d
}

func (b *fakeBroker) Settled() []settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]settlement(nil), b.settled...)
}

func (b *fakeBroker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, settlement{tag: tag, ack: true})
	return nil
}

func (b *fakeBroker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, settlement{tag: tag, requeue: requeue})
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

type fakeChannel struct {
	broker *fakeBroker
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.broker.queue(queue), nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.broker.deliver(key, amqp.Delivery{
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Body:          msg.Body,
		RoutingKey:    key,
	})
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	return confirm
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	b.args[name] = args
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	return false
}

func (c *fakeChannel) Close() error {
	return nil
}
