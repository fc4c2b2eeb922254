package interceptors

import (
	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/phase"
)

// Assemble merges interceptor lists into one chain order.
//
// Interceptors are sorted by phase first. Inside a phase an interceptor A
// runs before B when A lists B in Before or B lists A in After; unrelated
// interceptors keep the order in which they were first seen. Duplicates by
// identity are dropped, as are later interceptors whose ID is already
// present. Before/After references to interceptors missing from the chain
// are ignored.
//
// Assemble fails with a ConfigurationError when an interceptor names a phase
// not in phases or when the ordering hints form a cycle. The input lists are
// never modified.
func Assemble(phases []phase.Phase, lists ...[]contracts.Interceptor) ([]contracts.Interceptor, error) {
	var merged []contracts.Interceptor
	for _, list := range lists {
		merged = merge(merged, list, false)
	}
	return sortChain(indexPhases(phases), merged)
}

func indexPhases(phases []phase.Phase) map[contracts.PhaseName]int {
	idx := make(map[contracts.PhaseName]int, len(phases))
	for i, p := range phases {
		idx[p.Name] = i
	}
	return idx
}

// merge appends add to existing. Identity duplicates are always dropped;
// ID duplicates only when force is false.
func merge(existing, add []contracts.Interceptor, force bool) []contracts.Interceptor {
	out := existing
	for _, i := range add {
		if i == nil || indexOf(out, i) >= 0 {
			continue
		}
		if !force && containsID(out, IDOf(i)) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func containsID(list []contracts.Interceptor, id contracts.InterceptorID) bool {
	for _, i := range list {
		if IDOf(i) == id {
			return true
		}
	}
	return false
}

func sortChain(phaseIdx map[contracts.PhaseName]int, list []contracts.Interceptor) ([]contracts.Interceptor, error) {
	buckets := make(map[int][]contracts.Interceptor)
	maxIdx := -1
	for _, i := range list {
		p, ok := phaseIdx[i.Phase()]
		if !ok {
			return nil, &contracts.ConfigurationError{
				Kind:         contracts.KindUnknownPhase,
				Phases:       []contracts.PhaseName{i.Phase()},
				Interceptors: []contracts.InterceptorID{IDOf(i)},
			}
		}
		buckets[p] = append(buckets[p], i)
		if p > maxIdx {
			maxIdx = p
		}
	}

	sorted := make([]contracts.Interceptor, 0, len(list))
	for p := 0; p <= maxIdx; p++ {
		bucket, ok := buckets[p]
		if !ok {
			continue
		}
		ordered, err := sortBucket(bucket)
		if err != nil {
			return nil, err
		}
		sorted = append(sorted, ordered...)
	}
	return sorted, nil
}

// sortBucket is Kahn's algorithm, always emitting the earliest-seen ready node.
func sortBucket(bucket []contracts.Interceptor) ([]contracts.Interceptor, error) {
	n := len(bucket)
	if n < 2 {
		return bucket, nil
	}

	ids := make([]contracts.InterceptorID, n)
	byID := make(map[contracts.InterceptorID][]int, n)
	for i, ic := range bucket {
		ids[i] = IDOf(ic)
		byID[ids[i]] = append(byID[ids[i]], i)
	}

	succ := make([][]int, n)
	pred := make([][]int, n)
	indeg := make([]int, n)
	seen := make(map[[2]int]bool)
	edge := func(from, to int) {
		if from == to || seen[[2]int{from, to}] {
			return
		}
		seen[[2]int{from, to}] = true
		succ[from] = append(succ[from], to)
		pred[to] = append(pred[to], from)
		indeg[to]++
	}
	for a, ic := range bucket {
		for _, id := range ic.Before() {
			for _, b := range byID[id] {
				edge(a, b)
			}
		}
		for _, id := range ic.After() {
			for _, b := range byID[id] {
				edge(b, a)
			}
		}
	}

	done := make([]bool, n)
	out := make([]contracts.Interceptor, 0, n)
	for len(out) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, cycleError(bucket, ids, pred, done)
		}
		done[next] = true
		out = append(out, bucket[next])
		for _, s := range succ[next] {
			indeg[s]--
		}
	}
	return out, nil
}

// cycleError walks predecessor edges among the unsorted nodes until one
// repeats. Every unsorted node has an unsorted predecessor, so the walk
// always closes a cycle.
func cycleError(bucket []contracts.Interceptor, ids []contracts.InterceptorID, pred [][]int, done []bool) error {
	start := 0
	for done[start] {
		start++
	}

	pos := map[int]int{start: 0}
	path := []int{start}
	for {
		cur := path[len(path)-1]
		var p int
		for _, candidate := range pred[cur] {
			if !done[candidate] {
				p = candidate
				break
			}
		}
		if at, ok := pos[p]; ok {
			// p precedes cur, so the cycle read forwards is p, cur, ..., path[at+1], p
			cycle := []contracts.InterceptorID{ids[p]}
			for i := len(path) - 1; i > at; i-- {
				cycle = append(cycle, ids[path[i]])
			}
			cycle = append(cycle, ids[p])
			return &contracts.ConfigurationError{
				Kind:         contracts.KindOrderingCycle,
				Phases:       []contracts.PhaseName{bucket[start].Phase()},
				Interceptors: cycle,
			}
		}
		pos[p] = len(path)
		path = append(path, p)
	}
}
