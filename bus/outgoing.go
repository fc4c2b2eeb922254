package bus

import (
	"context"
	"errors"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/phase"
	"github.com/glimte/mmate-chain/transport"
)

// ErrNoConduit is returned when a message is sent on an exchange without a conduit
var ErrNoConduit = errors.New("bus: no conduit on exchange")

// OutgoingChainInterceptor runs after the invocation and sends the response
// through the endpoint's outbound chain. One-way calls have no response.
type OutgoingChainInterceptor struct {
	interceptors.PhaseInterceptor
}

// NewOutgoingChainInterceptor creates the post-invoke interceptor
func NewOutgoingChainInterceptor() *OutgoingChainInterceptor {
	return &OutgoingChainInterceptor{
		PhaseInterceptor: interceptors.NewPhaseInterceptor("OutgoingChainInterceptor", phase.PostInvoke),
	}
}

// HandleMessage implements contracts.Interceptor
func (i *OutgoingChainInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	ex := msg.Exchange()
	if ex == nil || ex.IsOneWay() {
		return nil
	}
	e, ok := endpointOf(ex)
	if !ok {
		return errors.New("outgoing chain: no endpoint on exchange")
	}

	out := ex.OutMessage()
	if out == nil {
		out = msg.NewReply()
		ex.SetOutMessage(out)
	}

	conduit, err := e.destination.BackChannel(msg)
	if err != nil {
		return err
	}
	ex.Put(transport.ConduitKey, conduit)

	chain, err := e.newChain(interceptors.Out, e.bus.Phases().OutPhases(), out)
	if err != nil {
		return err
	}
	return chain.DoIntercept(ctx, out)
}

// MessageSenderInterceptor prepares the exchange's conduit for the message
// and splices in the ending interceptor that sends it once marshalling and
// the other write phases are done
type MessageSenderInterceptor struct {
	interceptors.PhaseInterceptor
	ending *MessageSenderEndingInterceptor
}

// NewMessageSenderInterceptor creates the prepare-send interceptor
func NewMessageSenderInterceptor() *MessageSenderInterceptor {
	return &MessageSenderInterceptor{
		PhaseInterceptor: interceptors.NewPhaseInterceptor("MessageSenderInterceptor", phase.PrepareSend),
		ending: &MessageSenderEndingInterceptor{
			PhaseInterceptor: interceptors.NewPhaseInterceptor("MessageSenderEndingInterceptor", phase.PrepareSendEnding),
		},
	}
}

// HandleMessage implements contracts.Interceptor
func (i *MessageSenderInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	conduit, ok := transport.ConduitOf(msg.Exchange())
	if !ok {
		return ErrNoConduit
	}
	if err := conduit.Prepare(ctx, msg); err != nil {
		return err
	}
	if chain := msg.Chain(); chain != nil {
		return chain.Add(i.ending)
	}
	return nil
}

// HandleFault implements contracts.Interceptor
func (i *MessageSenderInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) {
	if conduit, ok := transport.ConduitOf(msg.Exchange()); ok {
		_ = conduit.Close(ctx, msg)
	}
}

// MessageSenderEndingInterceptor sends the message and closes the conduit
type MessageSenderEndingInterceptor struct {
	interceptors.PhaseInterceptor
}

// HandleMessage implements contracts.Interceptor
func (i *MessageSenderEndingInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	conduit, ok := transport.ConduitOf(msg.Exchange())
	if !ok {
		return ErrNoConduit
	}
	if err := conduit.Send(ctx, msg); err != nil {
		return err
	}
	return conduit.Close(ctx, msg)
}
