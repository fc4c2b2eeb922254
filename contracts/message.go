package contracts

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message property keys understood by the runtime
const (
	// InterceptorsKey holds []Interceptor added to this message's chain only
	InterceptorsKey = "mmate.chain.interceptors"
	// ProvidersKey holds []InterceptorProvider whose lists are added to this message's chain only
	ProvidersKey = "mmate.chain.providers"
	// StartingAfterKey holds the InterceptorID after which chain execution starts
	StartingAfterKey = "mmate.chain.starting-after"
	// StartingAtKey holds the InterceptorID at which chain execution starts
	StartingAtKey = "mmate.chain.starting-at"
	// ContentTypeHeader names the header carrying the body media type
	ContentTypeHeader = "Content-Type"
	// OperationHeader names the header selecting the operation of a request
	OperationHeader = "Operation"
)

// Message is one in-flight request or response.
//
// A message is created by a transport or a client, mutated by each interceptor
// of the chain driving it and discarded when the call ends.
type Message struct {
	id            string
	timestamp     time.Time
	correlationID string
	inbound       bool
	requestor     bool

	mu         sync.RWMutex
	headers    map[string]string
	body       []byte
	content    map[reflect.Type]interface{}
	properties map[string]interface{}
	exchange   *Exchange
	chain      InterceptorChain
}

// MessageOption configures a new message
type MessageOption func(*Message)

// WithMessageID overrides the generated message ID
func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		m.id = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		m.correlationID = id
	}
}

// WithHeaders copies the given headers into the message
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) {
		for k, v := range headers {
			m.headers[k] = v
		}
	}
}

// WithBody sets the raw body
func WithBody(body []byte) MessageOption {
	return func(m *Message) {
		m.body = body
	}
}

// Inbound marks the message as received rather than sent
func Inbound() MessageOption {
	return func(m *Message) {
		m.inbound = true
	}
}

// Requestor marks the message as belonging to the calling side
func Requestor() MessageOption {
	return func(m *Message) {
		m.requestor = true
	}
}

// NewMessage creates a new message with a generated ID and current timestamp
func NewMessage(options ...MessageOption) *Message {
	m := &Message{
		id:         uuid.New().String(),
		timestamp:  time.Now().UTC(),
		headers:    make(map[string]string),
		content:    make(map[reflect.Type]interface{}),
		properties: make(map[string]interface{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ID returns the message ID
func (m *Message) ID() string {
	return m.id
}

// Timestamp returns the creation time
func (m *Message) Timestamp() time.Time {
	return m.timestamp
}

// CorrelationID returns the correlation ID
func (m *Message) CorrelationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.correlationID
}

// SetCorrelationID sets the correlation ID
func (m *Message) SetCorrelationID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correlationID = id
}

// IsInbound reports whether the message was received
func (m *Message) IsInbound() bool {
	return m.inbound
}

// IsRequestor reports whether the message belongs to the calling side
func (m *Message) IsRequestor() bool {
	return m.requestor
}

// Header returns a header value
func (m *Message) Header(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.headers[name]
	return v, ok
}

// SetHeader sets a header value
func (m *Message) SetHeader(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[name] = value
}

// Headers returns a copy of all headers
func (m *Message) Headers() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	headers := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		headers[k] = v
	}
	return headers
}

// Body returns the raw body
func (m *Message) Body() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.body
}

// SetBody replaces the raw body
func (m *Message) SetBody(body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = body
}

// Put stores a property
func (m *Message) Put(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties[key] = value
}

// Get retrieves a property
func (m *Message) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.properties[key]
	return v, ok
}

// GetString retrieves a string property
func (m *Message) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool retrieves a bool property, false when missing
func (m *Message) GetBool(key string) bool {
	v, ok := m.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Remove deletes a property
func (m *Message) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.properties, key)
}

// Keys returns the sorted property keys
func (m *Message) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.properties))
	for k := range m.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContextualProperty looks the key up on the message, then on its exchange
func (m *Message) ContextualProperty(key string) (interface{}, bool) {
	if v, ok := m.Get(key); ok {
		return v, true
	}
	if ex := m.Exchange(); ex != nil {
		return ex.Get(key)
	}
	return nil, false
}

// Exchange returns the exchange the message belongs to
func (m *Message) Exchange() *Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchange
}

// SetExchange attaches the message to an exchange
func (m *Message) SetExchange(ex *Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchange = ex
}

// Chain returns the chain currently processing the message
func (m *Message) Chain() InterceptorChain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// SetChain binds the message to a chain
func (m *Message) SetChain(chain InterceptorChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = chain
}

// Fault returns the fault stored on the message, if any
func (m *Message) Fault() *Fault {
	f, _ := ContentOf[*Fault](m)
	return f
}

// SetFault stores a fault on the message and flags its exchange
func (m *Message) SetFault(f *Fault) {
	SetContent(m, f)
	if ex := m.Exchange(); ex != nil {
		ex.SetFault(f)
	}
}

type payload struct {
	value interface{}
}

// Payload returns the decoded body, as set by a binding or an invoker
func (m *Message) Payload() (interface{}, bool) {
	p, ok := ContentOf[payload](m)
	return p.value, ok
}

// SetPayload stores the decoded body
func (m *Message) SetPayload(v interface{}) {
	SetContent(m, payload{value: v})
}

// SetContent stores typed content on the message, keyed by its Go type
func SetContent[T any](m *Message, value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[reflect.TypeFor[T]()] = value
}

// ContentOf retrieves typed content from the message
func ContentOf[T any](m *Message) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var zero T
	v, ok := m.content[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// RemoveContent deletes typed content from the message
func RemoveContent[T any](m *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.content, reflect.TypeFor[T]())
}

// NewReply creates the counterpart message on the same exchange, copying the
// correlation ID. Inbound replies are used by requestors, outbound by responders.
func (m *Message) NewReply(options ...MessageOption) *Message {
	corr := m.CorrelationID()
	if corr == "" {
		corr = m.ID()
	}
	opts := append([]MessageOption{WithCorrelationID(corr)}, options...)
	if m.requestor {
		opts = append(opts, Requestor())
	}
	reply := NewMessage(opts...)
	reply.SetExchange(m.Exchange())
	return reply
}
