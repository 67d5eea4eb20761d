// Package graph turns a project name to local dependency names map into an
// executable plan: a deterministic topological order, greedy parallel
// stages and transitive dependency closures.
//
// A Graph is an immutable snapshot. When the underlying projects change,
// build a new one.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCycle matches every *CycleError.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrUnknownProject indicates a name that is not a node of the graph.
	ErrUnknownProject = errors.New("unknown project")
)

// CycleError reports a dependency cycle. Cycle starts and ends with the same
// name, e.g. [a b a].
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " → "))
}

// Is makes errors.Is(err, ErrCycle) hold.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Graph is a directed graph of local dependencies. An edge a -> b means a
// depends on b.
type Graph struct {
	names []string
	deps  map[string][]string
}

// New builds a graph from a name -> dependency names map. Dependencies that
// are not keys of deps are external packages and are dropped. Edges are
// deduplicated and sorted.
func New(deps map[string][]string) *Graph {
	g := &Graph{
		names: make([]string, 0, len(deps)),
		deps:  make(map[string][]string, len(deps)),
	}
	for name := range deps {
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		seen := make(map[string]bool)
		local := []string{}
		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known || seen[dep] {
				continue
			}
			seen[dep] = true
			local = append(local, dep)
		}
		sort.Strings(local)
		g.deps[name] = local
	}
	return g
}

// Names returns every node, sorted.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.names)
}

// Has reports whether name is a node of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.deps[name]
	return ok
}

// Dependencies returns the direct local dependencies of name, sorted.
// Unknown names have none.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Adjacency returns a copy of the filtered name -> dependencies map.
func (g *Graph) Adjacency() map[string][]string {
	out := make(map[string][]string, len(g.deps))
	for name, deps := range g.deps {
		out[name] = append([]string(nil), deps...)
	}
	return out
}

// DetectCycle returns a cycle if one exists, nil otherwise. The result
// starts and ends with the same name.
func (g *Graph) DetectCycle() []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(g.names))
	parent := make(map[string]string)

	var cycle []string

	var dfs func(name string) bool
	dfs = func(name string) bool {
		state[name] = visiting
		for _, dep := range g.deps[name] {
			if state[dep] == visiting {
				cycle = reconstructCycle(name, dep, parent)
				return true
			}
			if state[dep] == unvisited {
				parent[dep] = name
				if dfs(dep) {
					return true
				}
			}
		}
		state[name] = visited
		return false
	}

	for _, name := range g.names {
		if state[name] == unvisited && dfs(name) {
			return cycle
		}
	}
	return nil
}

// reconstructCycle walks parent links from start back to end, which is the
// node currently on the DFS stack that start points to.
func reconstructCycle(start, end string, parent map[string]string) []string {
	path := []string{end}

	current := start
	for current != end && current != "" {
		path = append([]string{current}, path...)
		current = parent[current]
	}

	return append([]string{end}, path...)
}

// TopologicalOrder returns every name so that dependencies come before their
// dependents. Kahn's algorithm is run in rounds: each round emits all names
// whose dependencies were already emitted, sorted lexicographically.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if cycle := g.DetectCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return g.orderOf(g.names), nil
}

// orderOf runs the round-based Kahn sort on the subgraph induced by names.
// The subgraph must be acyclic.
func (g *Graph) orderOf(names []string) []string {
	member := make(map[string]bool, len(names))
	for _, name := range names {
		member[name] = true
	}

	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string)
	for _, name := range names {
		for _, dep := range g.deps[name] {
			if !member[dep] {
				continue
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		sort.Strings(ready)
		order = append(order, ready...)

		var next []string
		for _, name := range ready {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}
	return order
}

// Stages partitions the topological order into batches that can run in
// parallel. The order is walked once: a name joins the current stage unless
// one of its direct dependencies is already in it, in which case it opens a
// new stage.
func (g *Graph) Stages() ([][]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	return g.stagesOf(order), nil
}

func (g *Graph) stagesOf(order []string) [][]string {
	var stages [][]string
	current := make(map[string]bool)

	for _, name := range order {
		if len(stages) == 0 || dependsOnAny(g.deps[name], current) {
			stages = append(stages, []string{name})
			current = map[string]bool{name: true}
			continue
		}
		last := len(stages) - 1
		stages[last] = append(stages[last], name)
		current[name] = true
	}
	return stages
}

func dependsOnAny(deps []string, stage map[string]bool) bool {
	for _, dep := range deps {
		if stage[dep] {
			return true
		}
	}
	return false
}

// Select returns, in topological order, the names of include plus all their
// transitive dependencies, minus exclude. An empty include selects every
// name. Excluded names are removed from the result but their own
// dependencies stay selected.
func (g *Graph) Select(include, exclude []string) ([]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	for _, name := range append(append([]string(nil), include...), exclude...) {
		if !g.Has(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
		}
	}

	var selected map[string]bool
	if len(include) > 0 {
		selected = make(map[string]bool)
		cache := NewClosureCache()
		for _, name := range include {
			selected[name] = true
			closure, err := g.Closure(name, cache)
			if err != nil {
				return nil, err
			}
			for _, dep := range closure {
				selected[dep] = true
			}
		}
	}

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	var out []string
	for _, name := range order {
		if excluded[name] || (selected != nil && !selected[name]) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// StagesFor returns the greedy stages over Select(include, exclude).
func (g *Graph) StagesFor(include, exclude []string) ([][]string, error) {
	order, err := g.Select(include, exclude)
	if err != nil {
		return nil, err
	}
	return g.stagesOf(order), nil
}

// Dependents returns every name that depends on name, directly or
// transitively, sorted.
func (g *Graph) Dependents(name string) []string {
	reverse := make(map[string][]string)
	for _, n := range g.names {
		for _, dep := range g.deps[n] {
			reverse[dep] = append(reverse[dep], n)
		}
	}

	seen := make(map[string]bool)
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range reverse[current] {
			if !seen[dependent] {
				seen[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}
	delete(seen, name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
