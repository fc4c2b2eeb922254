package interceptors

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
)

// Direction selects one of the four interceptor lists of a provider
type Direction int

const (
	In Direction = iota
	Out
	InFault
	OutFault
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InFault:
		return "in-fault"
	case OutFault:
		return "out-fault"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Directions lists every direction in a fixed order
var Directions = []Direction{In, Out, InFault, OutFault}

// Provider owns the in, out, in-fault and out-fault interceptor lists of a
// bus, service, endpoint or client.
//
// Lists are copy-on-write: every mutation installs a fresh slice, so chain
// assembly can read a snapshot while configuration changes concurrently.
type Provider struct {
	mu      sync.RWMutex
	lists   [4][]contracts.Interceptor
	version uint64
}

// NewProvider creates an empty provider
func NewProvider() *Provider {
	return &Provider{}
}

// List returns a snapshot of one list
func (p *Provider) List(d Direction) []contracts.Interceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]contracts.Interceptor(nil), p.lists[d]...)
}

// InInterceptors implements contracts.InterceptorProvider
func (p *Provider) InInterceptors() []contracts.Interceptor {
	return p.List(In)
}

// OutInterceptors implements contracts.InterceptorProvider
func (p *Provider) OutInterceptors() []contracts.Interceptor {
	return p.List(Out)
}

// InFaultInterceptors implements contracts.InterceptorProvider
func (p *Provider) InFaultInterceptors() []contracts.Interceptor {
	return p.List(InFault)
}

// OutFaultInterceptors implements contracts.InterceptorProvider
func (p *Provider) OutFaultInterceptors() []contracts.Interceptor {
	return p.List(OutFault)
}

// Add appends interceptors to one list. An interceptor already in the list
// is not added twice.
func (p *Provider) Add(d Direction, interceptors ...contracts.Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := append([]contracts.Interceptor(nil), p.lists[d]...)
	for _, i := range interceptors {
		if i == nil || indexOf(next, i) >= 0 {
			continue
		}
		next = append(next, i)
	}
	p.swap(d, next)
}

// AddIn appends inbound interceptors
func (p *Provider) AddIn(interceptors ...contracts.Interceptor) {
	p.Add(In, interceptors...)
}

// AddOut appends outbound interceptors
func (p *Provider) AddOut(interceptors ...contracts.Interceptor) {
	p.Add(Out, interceptors...)
}

// AddInFault appends inbound fault interceptors
func (p *Provider) AddInFault(interceptors ...contracts.Interceptor) {
	p.Add(InFault, interceptors...)
}

// AddOutFault appends outbound fault interceptors
func (p *Provider) AddOutFault(interceptors ...contracts.Interceptor) {
	p.Add(OutFault, interceptors...)
}

// Set replaces one list
func (p *Provider) Set(d Direction, interceptors []contracts.Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.swap(d, append([]contracts.Interceptor(nil), interceptors...))
}

// SetAll replaces all four lists in one step, indexed by Direction. A chain
// assembled concurrently sees either every old list or every new one.
func (p *Provider) SetAll(lists [4][]contracts.Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range Directions {
		p.lists[d] = append([]contracts.Interceptor(nil), lists[d]...)
	}
	p.version++
}

// Remove removes an interceptor from one list and reports whether it was present
func (p *Provider) Remove(d Direction, interceptor contracts.Interceptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := indexOf(p.lists[d], interceptor)
	if i < 0 {
		return false
	}
	next := make([]contracts.Interceptor, 0, len(p.lists[d])-1)
	next = append(next, p.lists[d][:i]...)
	next = append(next, p.lists[d][i+1:]...)
	p.swap(d, next)
	return true
}

// RemoveID removes every interceptor with the given effective ID from one list
func (p *Provider) RemoveID(d Direction, id contracts.InterceptorID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([]contracts.Interceptor, 0, len(p.lists[d]))
	for _, i := range p.lists[d] {
		if IDOf(i) != id {
			next = append(next, i)
		}
	}
	removed := len(p.lists[d]) - len(next)
	if removed > 0 {
		p.swap(d, next)
	}
	return removed
}

// Clear empties all four lists
func (p *Provider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range Directions {
		p.swap(d, nil)
	}
}

// Version increases with every mutation
func (p *Provider) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Provider) swap(d Direction, next []contracts.Interceptor) {
	p.lists[d] = next
	p.version++
}

// Lists returns the list of the given direction from each provider, skipping
// nil providers.
func Lists(d Direction, providers ...contracts.InterceptorProvider) [][]contracts.Interceptor {
	lists := make([][]contracts.Interceptor, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		switch d {
		case In:
			lists = append(lists, p.InInterceptors())
		case Out:
			lists = append(lists, p.OutInterceptors())
		case InFault:
			lists = append(lists, p.InFaultInterceptors())
		case OutFault:
			lists = append(lists, p.OutFaultInterceptors())
		}
	}
	return lists
}

func indexOf(list []contracts.Interceptor, target contracts.Interceptor) int {
	for i, candidate := range list {
		if same(candidate, target) {
			return i
		}
	}
	return -1
}

// same reports identity. Interceptors held by a non-comparable value type
// are never identical to anything.
func same(a, b contracts.Interceptor) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}
