package transport

import (
	"context"
	"errors"

	"github.com/glimte/mmate-chain/contracts"
)

// Header and property names shared by transports
const (
	// ReplyToHeader carries the address responses are sent to
	ReplyToHeader = "Reply-To"
	// FaultHeader marks a response carrying a fault body
	FaultHeader = "Fault"
	// ConduitKey is the exchange property holding the conduit of the current leg
	ConduitKey = "mmate.transport.conduit"
	// completionKey is the message property holding the transport's completion callback
	completionKey = "mmate.transport.completion"
)

var (
	// ErrUnknownAddress is returned when no destination listens on an address
	ErrUnknownAddress = errors.New("unknown address")
	// ErrAddressInUse is returned when a destination already listens on an address
	ErrAddressInUse = errors.New("address already in use")
	// ErrNoReplyAddress is returned when a back channel is requested for a message without one
	ErrNoReplyAddress = errors.New("message has no reply address")
	// ErrConduitClosed is returned when sending on a closed conduit
	ErrConduitClosed = errors.New("conduit closed")
)

// Conduit sends messages from the calling side. Responses come back to the
// conduit's observer as inbound messages.
type Conduit interface {
	// Prepare readies the conduit for the message, typically stamping
	// transport headers such as the reply address
	Prepare(ctx context.Context, msg *contracts.Message) error
	// Send transmits the message
	Send(ctx context.Context, msg *contracts.Message) error
	// Close releases what Prepare acquired for the message
	Close(ctx context.Context, msg *contracts.Message) error
	// SetObserver sets the receiver of responses
	SetObserver(observer contracts.MessageObserver)
}

// Destination receives messages sent to an address
type Destination interface {
	// Address returns the address the destination listens on
	Address() string
	// SetObserver sets the receiver of incoming messages
	SetObserver(observer contracts.MessageObserver)
	// BackChannel returns the conduit that carries the response to in
	BackChannel(in *contracts.Message) (Conduit, error)
	// Shutdown stops receiving and waits for in-flight deliveries
	Shutdown(ctx context.Context) error
}

// ConduitInitiator creates conduits to a target address
type ConduitInitiator interface {
	Conduit(ctx context.Context, address string) (Conduit, error)
}

// DestinationFactory creates destinations listening on an address
type DestinationFactory interface {
	Destination(ctx context.Context, address string) (Destination, error)
}

// OnComplete registers the callback a transport wants when processing of
// msg ends, with the fault the call ended with, if any
func OnComplete(msg *contracts.Message, fn func(fault *contracts.Fault)) {
	msg.Put(completionKey, fn)
}

// Complete runs the completion callback registered on msg, once
func Complete(msg *contracts.Message) {
	v, ok := msg.Get(completionKey)
	if !ok {
		return
	}
	msg.Remove(completionKey)
	fn, ok := v.(func(fault *contracts.Fault))
	if !ok {
		return
	}
	var fault *contracts.Fault
	if ex := msg.Exchange(); ex != nil {
		fault = ex.Fault()
	}
	if fault == nil {
		fault = msg.Fault()
	}
	fn(fault)
}

// ConduitOf returns the conduit stored on the exchange
func ConduitOf(ex *contracts.Exchange) (Conduit, bool) {
	if ex == nil {
		return nil, false
	}
	v, ok := ex.Get(ConduitKey)
	if !ok {
		return nil, false
	}
	c, ok := v.(Conduit)
	return c, ok
}

// ReplyAddress returns the reply address of msg
func ReplyAddress(msg *contracts.Message) (string, bool) {
	addr, ok := msg.Header(ReplyToHeader)
	return addr, ok && addr != ""
}
