package phase

import (
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
)

// Name identifies a phase
type Name = contracts.PhaseName

// Phase is a named processing stage with its position in a registry
type Phase struct {
	Name     Name
	Priority int
}

func (p Phase) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.Priority)
}

// Registry is an ordered set of phases. It is built while the runtime boots and
// only read afterwards; reads are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	phases []Phase
	index  map[Name]int
}

// NewRegistry creates a registry with the given phases in order
func NewRegistry(names ...Name) (*Registry, error) {
	r := &Registry{index: make(map[Name]int, len(names))}
	for _, name := range names {
		if err := r.Add(name, AtEnd()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry for static phase lists
func MustRegistry(names ...Name) *Registry {
	r, err := NewRegistry(names...)
	if err != nil {
		panic(err)
	}
	return r
}

// Position tells Add where to insert a phase
type Position struct {
	anchor Name
	after  bool
	index  int
}

// AtEnd appends the phase
func AtEnd() Position {
	return Position{index: -1}
}

// AtStart prepends the phase
func AtStart() Position {
	return Position{index: 0}
}

// At inserts the phase at the given index, clamped to the registry bounds
func At(index int) Position {
	if index < 0 {
		index = 0
	}
	return Position{index: index}
}

// Before inserts the phase directly before another one
func Before(other Name) Position {
	return Position{anchor: other}
}

// After inserts the phase directly after another one
func After(other Name) Position {
	return Position{anchor: other, after: true}
}

// Add inserts a phase. Priorities are renumbered so they stay unique and
// follow registry order.
func (r *Registry) Add(name Name, pos Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return &contracts.ConfigurationError{Kind: contracts.KindUnknownPhase, Detail: "empty phase name"}
	}
	if _, exists := r.index[name]; exists {
		return &contracts.ConfigurationError{
			Kind:   contracts.KindDuplicatePhase,
			Phases: []Name{name},
		}
	}

	at := len(r.phases)
	switch {
	case pos.anchor != "":
		i, ok := r.index[pos.anchor]
		if !ok {
			return &contracts.ConfigurationError{
				Kind:   contracts.KindUnknownPhase,
				Phases: []Name{pos.anchor},
			}
		}
		at = i
		if pos.after {
			at = i + 1
		}
	case pos.index >= 0 && pos.index < len(r.phases):
		at = pos.index
	}

	r.phases = append(r.phases, Phase{})
	copy(r.phases[at+1:], r.phases[at:])
	r.phases[at] = Phase{Name: name}
	r.renumber()
	return nil
}

func (r *Registry) renumber() {
	for i := range r.phases {
		r.phases[i].Priority = i
		r.index[r.phases[i].Name] = i
	}
}

// Phases returns the ordered phases
func (r *Registry) Phases() []Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	phases := make([]Phase, len(r.phases))
	copy(phases, r.phases)
	return phases
}

// Names returns the ordered phase names
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Name, len(r.phases))
	for i, p := range r.phases {
		names[i] = p.Name
	}
	return names
}

// Len returns the number of phases
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.phases)
}

// Index returns the position of a phase
func (r *Registry) Index(name Name) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	return i, ok
}

// Contains reports whether the phase is registered
func (r *Registry) Contains(name Name) bool {
	_, ok := r.Index(name)
	return ok
}

// Compare orders two phases by registry position. Unknown phases sort after
// all known ones and compare equal to each other.
func (r *Registry) Compare(a, b Name) int {
	ia, oka := r.Index(a)
	ib, okb := r.Index(b)
	switch {
	case !oka && !okb:
		return 0
	case !oka:
		return 1
	case !okb:
		return -1
	case ia < ib:
		return -1
	case ia > ib:
		return 1
	default:
		return 0
	}
}

// Clone returns an independent copy of the registry
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{
		phases: make([]Phase, len(r.phases)),
		index:  make(map[Name]int, len(r.index)),
	}
	copy(c.phases, r.phases)
	for k, v := range r.index {
		c.index[k] = v
	}
	return c
}

func (r *Registry) String() string {
	names := r.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, " > ")
}
