package rabbitmq

import (
	"fmt"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toMessage converts a delivery into an inbound message. AMQP properties
// that have a message header counterpart are mapped onto it.
func toMessage(d amqp.Delivery, opts ...contracts.MessageOption) *contracts.Message {
	headers := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	if d.ReplyTo != "" {
		headers[transport.ReplyToHeader] = d.ReplyTo
	}
	if d.ContentType != "" {
		headers[contracts.ContentTypeHeader] = d.ContentType
	}

	base := []contracts.MessageOption{
		contracts.WithCorrelationID(d.CorrelationId),
		contracts.WithHeaders(headers),
		contracts.WithBody(d.Body),
		contracts.Inbound(),
	}
	if d.MessageId != "" {
		base = append(base, contracts.WithMessageID(d.MessageId))
	}
	msg := contracts.NewMessage(append(base, opts...)...)
	if d.Redelivered {
		msg.Put(RedeliveredKey, true)
	}
	return msg
}

// toPublishing converts an outbound message into an AMQP publishing
func toPublishing(msg *contracts.Message) amqp.Publishing {
	headers := msg.Headers()
	replyTo := headers[transport.ReplyToHeader]
	contentType := headers[contracts.ContentTypeHeader]
	delete(headers, transport.ReplyToHeader)
	delete(headers, contracts.ContentTypeHeader)

	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	return amqp.Publishing{
		Headers:       table,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID(),
		ReplyTo:       replyTo,
		MessageId:     msg.ID(),
		Timestamp:     msg.Timestamp(),
		Body:          msg.Body(),
	}
}
