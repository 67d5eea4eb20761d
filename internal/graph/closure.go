package graph

import (
	"fmt"
	"sort"
)

// ClosureCache memoizes transitive dependency sets for one graph snapshot.
// Create one per computation pass and drop it when the graph is rebuilt.
type ClosureCache struct {
	closures map[string][]string
}

// NewClosureCache returns an empty cache.
func NewClosureCache() *ClosureCache {
	return &ClosureCache{closures: make(map[string][]string)}
}

// Len returns the number of memoized closures.
func (c *ClosureCache) Len() int {
	return len(c.closures)
}

func (c *ClosureCache) get(name string) ([]string, bool) {
	deps, ok := c.closures[name]
	return deps, ok
}

func (c *ClosureCache) put(name string, deps []string) {
	c.closures[name] = deps
}

// Closure returns the transitive local dependencies of name, sorted. The
// closures of the nodes reachable from name are computed bottom-up along the
// topological order and stored in cache, which may be nil.
func (g *Graph) Closure(name string, cache *ClosureCache) ([]string, error) {
	if !g.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	if cache == nil {
		cache = NewClosureCache()
	}
	if deps, ok := cache.get(name); ok {
		return append([]string(nil), deps...), nil
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	reachable := g.reachable(name)
	for _, n := range order {
		if !reachable[n] {
			continue
		}
		if _, ok := cache.get(n); ok {
			continue
		}
		cache.put(n, g.closureFrom(n, cache))
	}

	deps, _ := cache.get(name)
	return append([]string(nil), deps...), nil
}

// Closures returns the transitive local dependencies of every name.
func (g *Graph) Closures() (map[string][]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	cache := NewClosureCache()
	out := make(map[string][]string, len(order))
	for _, name := range order {
		deps := g.closureFrom(name, cache)
		cache.put(name, deps)
		out[name] = deps
	}
	return out, nil
}

// closureFrom unions the direct dependencies of name with their cached
// closures. Every dependency must already be in cache.
func (g *Graph) closureFrom(name string, cache *ClosureCache) []string {
	set := make(map[string]bool)
	for _, dep := range g.deps[name] {
		set[dep] = true
		inherited, _ := cache.get(dep)
		for _, d := range inherited {
			set[d] = true
		}
	}

	deps := make([]string, 0, len(set))
	for d := range set {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

func (g *Graph) reachable(name string) map[string]bool {
	seen := map[string]bool{name: true}
	stack := []string{name}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range g.deps[current] {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return seen
}
