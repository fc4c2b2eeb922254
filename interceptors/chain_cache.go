package interceptors

import (
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
)

// ChainCache keeps the sorted order of the last assembled chain and reuses
// it while the contributed lists stay the same. Each Get returns a fresh
// chain since chains are single-use.
type ChainCache struct {
	opts []ChainOption

	mu       sync.Mutex
	phases   []phase.Phase
	lists    [][]contracts.Interceptor
	template []contracts.Interceptor
	hits     uint64
}

// NewChainCache creates a cache whose chains get the given options
func NewChainCache(opts ...ChainOption) *ChainCache {
	return &ChainCache{opts: opts}
}

// Get returns a new chain for the lists, sorting only when they changed.
// Options are applied after the cache's own.
func (cc *ChainCache) Get(phases []phase.Phase, lists [][]contracts.Interceptor, opts ...ChainOption) (*Chain, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.template == nil || !samePhases(cc.phases, phases) || !sameLists(cc.lists, lists) {
		sorted, err := Assemble(phases, lists...)
		if err != nil {
			return nil, err
		}
		cc.phases = append([]phase.Phase(nil), phases...)
		cc.lists = copyLists(lists)
		cc.template = sorted
	} else {
		cc.hits++
	}

	c := NewChain(cc.phases, append(append([]ChainOption(nil), cc.opts...), opts...)...)
	c.list = append([]contracts.Interceptor(nil), cc.template...)
	return c, nil
}

// Hits returns how many chains were built from a cached order
func (cc *ChainCache) Hits() uint64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.hits
}

func samePhases(a, b []phase.Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameLists(a, b [][]contracts.Interceptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if !same(a[i][j], b[i][j]) {
				return false
			}
		}
	}
	return true
}

func copyLists(lists [][]contracts.Interceptor) [][]contracts.Interceptor {
	out := make([][]contracts.Interceptor, len(lists))
	for i, l := range lists {
		out[i] = append([]contracts.Interceptor(nil), l...)
	}
	return out
}
