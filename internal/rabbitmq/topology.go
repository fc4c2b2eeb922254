package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterExchange receives messages rejected by endpoint queues
const DeadLetterExchange = "mmate.dlx"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name lets the
// broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of exchanges, queues and bindings declared together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// EndpointTopology returns a durable queue for an endpoint. With deadLetter
// set, rejected messages are routed to "<queue>.dlq" through DeadLetterExchange.
func EndpointTopology(queue string, deadLetter bool) Topology {
	if !deadLetter {
		return Topology{Queues: []QueueDeclaration{{Name: queue, Durable: true}}}
	}
	dlq := queue + ".dlq"
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
			{
				Name:    queue,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    DeadLetterExchange,
					"x-dead-letter-routing-key": dlq,
				},
			},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: DeadLetterExchange, RoutingKey: dlq},
		},
	}
}

// TopologyManager declares topology on channels from a source
type TopologyManager struct {
	source ChannelSource
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(source ChannelSource) *TopologyManager {
	return &TopologyManager{source: source}
}

// Declare declares the exchanges, then the queues, then the bindings
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	return tm.withChannel(func(ch Channel) error {
		for _, e := range topology.Exchanges {
			if err := ch.ExchangeDeclare(e.Name, e.Type, e.Durable, e.AutoDelete, false, false, e.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: e.Name, Err: err}
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Err: err}
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Err: err}
			}
		}
		return nil
	})
}

// DeclareQueue declares one queue and returns its name, which the broker
// generates when the declaration has none
func (tm *TopologyManager) DeclareQueue(ctx context.Context, q QueueDeclaration) (string, error) {
	var name string
	err := tm.withChannel(func(ch Channel) error {
		declared, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
		if err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Err: err}
		}
		name = declared.Name
		return nil
	})
	return name, err
}

func (tm *TopologyManager) withChannel(fn func(ch Channel) error) error {
	ch, err := tm.source.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}
