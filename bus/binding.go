package bus

import (
	"context"
	"encoding/json"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/phase"
	"github.com/glimte/mmate-chain/transport"
)

// JSONContentType is the media type written by the JSON binding
const JSONContentType = "application/json"

// Binding maps messages to and from a wire format through its interceptor lists
type Binding struct {
	*interceptors.Provider
	name string
}

// NewBinding creates a binding without interceptors
func NewBinding(name string) *Binding {
	return &Binding{Provider: interceptors.NewProvider(), name: name}
}

// Name returns the binding name
func (b *Binding) Name() string {
	return b.name
}

// JSON returns a binding that decodes bodies into json.RawMessage payloads
// and encodes payloads and faults as JSON
func JSON() *Binding {
	b := NewBinding("json")
	b.AddIn(&jsonUnmarshalInterceptor{
		PhaseInterceptor: interceptors.NewPhaseInterceptor("JSONUnmarshalInterceptor", phase.Unmarshal),
	})
	b.AddOut(&jsonMarshalInterceptor{
		PhaseInterceptor: interceptors.NewPhaseInterceptor("JSONMarshalInterceptor", phase.Marshal),
	})
	b.AddInFault(&faultUnmarshalInterceptor{
		PhaseInterceptor: interceptors.NewPhaseInterceptor("FaultUnmarshalInterceptor", phase.Unmarshal),
	})
	b.AddOutFault(&faultMarshalInterceptor{
		PhaseInterceptor: interceptors.NewPhaseInterceptor("FaultMarshalInterceptor", phase.Marshal),
	})
	return b
}

type jsonUnmarshalInterceptor struct {
	interceptors.PhaseInterceptor
}

func (i *jsonUnmarshalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	if ex := msg.Exchange(); ex != nil && ex.Operation() == "" {
		if op, ok := msg.Header(contracts.OperationHeader); ok {
			ex.SetOperation(op)
		}
	}
	body := msg.Body()
	if len(body) == 0 {
		return nil
	}
	if !json.Valid(body) {
		return contracts.NewSenderFault("malformed JSON body")
	}
	msg.SetPayload(json.RawMessage(body))
	return nil
}

type jsonMarshalInterceptor struct {
	interceptors.PhaseInterceptor
}

func (i *jsonMarshalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	payload, ok := msg.Payload()
	if !ok || payload == nil {
		return nil
	}
	body, err := encodeJSON(payload)
	if err != nil {
		return contracts.NewReceiverFault("encode %T", payload).WithCause(err)
	}
	msg.SetBody(body)
	msg.SetHeader(contracts.ContentTypeHeader, JSONContentType)
	return nil
}

func encodeJSON(v interface{}) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// faultBody is the wire form of a fault
type faultBody struct {
	Code    contracts.FaultCode `json:"code"`
	Message string              `json:"message"`
}

type faultMarshalInterceptor struct {
	interceptors.PhaseInterceptor
}

func (i *faultMarshalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	f := msg.Fault()
	if f == nil {
		f = contracts.NewReceiverFault("unknown fault")
	}
	body, err := json.Marshal(faultBody{Code: f.Code, Message: f.Message})
	if err != nil {
		return err
	}
	msg.SetBody(body)
	msg.SetHeader(transport.FaultHeader, string(f.Code))
	msg.SetHeader(contracts.ContentTypeHeader, JSONContentType)
	return nil
}

type faultUnmarshalInterceptor struct {
	interceptors.PhaseInterceptor
}

func (i *faultUnmarshalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) error {
	var fb faultBody
	if err := json.Unmarshal(msg.Body(), &fb); err != nil {
		code, _ := msg.Header(transport.FaultHeader)
		fb = faultBody{Code: contracts.FaultCode(code), Message: "undecodable fault response"}
	}
	msg.SetFault(contracts.NewFault(fb.Code, fb.Message))
	return nil
}
