package contracts

import (
	"sync"

	"github.com/google/uuid"
)

// Exchange correlates the messages of one logical call and holds call-scoped
// state. Both legs of the call share it by reference.
type Exchange struct {
	id string

	mu              sync.RWMutex
	inMessage       *Message
	outMessage      *Message
	inFaultMessage  *Message
	outFaultMessage *Message
	operation       string
	oneWay          bool
	synchronous     bool
	fault           *Fault
	properties      map[string]interface{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewExchange creates a new exchange
func NewExchange() *Exchange {
	return &Exchange{
		id:          uuid.New().String(),
		synchronous: true,
		properties:  make(map[string]interface{}),
		done:        make(chan struct{}),
	}
}

// ID returns the exchange ID
func (e *Exchange) ID() string {
	return e.id
}

// InMessage returns the inbound message
func (e *Exchange) InMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inMessage
}

// SetInMessage sets the inbound message and attaches it to the exchange
func (e *Exchange) SetInMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inMessage = m
}

// OutMessage returns the outbound message
func (e *Exchange) OutMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outMessage
}

// SetOutMessage sets the outbound message and attaches it to the exchange
func (e *Exchange) SetOutMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outMessage = m
}

// InFaultMessage returns the inbound fault message
func (e *Exchange) InFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inFaultMessage
}

// SetInFaultMessage sets the inbound fault message
func (e *Exchange) SetInFaultMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFaultMessage = m
}

// OutFaultMessage returns the outbound fault message
func (e *Exchange) OutFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outFaultMessage
}

// SetOutFaultMessage sets the outbound fault message
func (e *Exchange) SetOutFaultMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outFaultMessage = m
}

func (e *Exchange) attach(m *Message) {
	if m != nil && m.Exchange() != e {
		m.SetExchange(e)
	}
}

// Operation returns the selected operation
func (e *Exchange) Operation() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.operation
}

// SetOperation selects the operation of the call
func (e *Exchange) SetOperation(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operation = op
}

// IsOneWay reports whether the call expects no response
func (e *Exchange) IsOneWay() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oneWay
}

// SetOneWay marks the call as one-way
func (e *Exchange) SetOneWay(oneWay bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oneWay = oneWay
}

// IsSynchronous reports whether a caller is blocked on the exchange
func (e *Exchange) IsSynchronous() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.synchronous
}

// SetSynchronous sets the synchronous flag
func (e *Exchange) SetSynchronous(synchronous bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synchronous = synchronous
}

// Fault returns the fault raised on either leg
func (e *Exchange) Fault() *Fault {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fault
}

// SetFault flags the exchange as faulted
func (e *Exchange) SetFault(f *Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fault = f
}

// Put stores a call-scoped property
func (e *Exchange) Put(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.properties[key] = value
}

// Get retrieves a call-scoped property
func (e *Exchange) Get(key string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.properties[key]
	return v, ok
}

// Remove deletes a call-scoped property
func (e *Exchange) Remove(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.properties, key)
}

// Complete marks the call finished and releases anyone waiting on Done.
// Calling it more than once is harmless.
func (e *Exchange) Complete() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

// Done is closed once the call has completed
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}
