package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNew_FiltersExternalDependencies(t *testing.T) {
	g := New(map[string][]string{
		"api":  {"core", "requests", "core"},
		"core": {"pydantic"},
	})

	if g.Len() != 2 {
		t.Errorf("Len() = %d, want 2", g.Len())
	}
	if got := g.Dependencies("api"); !reflect.DeepEqual(got, []string{"core"}) {
		t.Errorf("Dependencies(api) = %v, want [core]", got)
	}
	if got := g.Dependencies("core"); len(got) != 0 {
		t.Errorf("Dependencies(core) = %v, want none", got)
	}
	if got := g.Dependencies("missing"); len(got) != 0 {
		t.Errorf("Dependencies(missing) = %v, want none", got)
	}
}

func TestTopologicalOrder(t *testing.T) {
	tests := []struct {
		name string
		deps map[string][]string
		want []string
	}{
		{
			name: "empty",
			deps: map[string][]string{},
			want: []string{},
		},
		{
			name: "two nodes",
			deps: map[string][]string{"A": {"B"}, "B": {}},
			want: []string{"B", "A"},
		},
		{
			name: "diamond",
			deps: map[string][]string{
				"top":   {"left", "right"},
				"left":  {"base"},
				"right": {"base"},
				"base":  nil,
			},
			want: []string{"base", "left", "right", "top"},
		},
		{
			name: "independent nodes sorted",
			deps: map[string][]string{"c": nil, "a": nil, "b": nil},
			want: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.deps).TopologicalOrder()
			if err != nil {
				t.Fatalf("TopologicalOrder() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TopologicalOrder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopologicalOrder_DependenciesFirst(t *testing.T) {
	deps := map[string][]string{
		"app":     {"api", "worker"},
		"api":     {"core", "db"},
		"worker":  {"core", "queue"},
		"db":      {"core"},
		"queue":   nil,
		"core":    nil,
		"cli":     {"app"},
		"plugins": {"core", "cli"},
	}
	g := New(deps)

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	if len(order) != len(deps) {
		t.Fatalf("len(order) = %d, want %d", len(order), len(deps))
	}

	position := make(map[string]int)
	for i, name := range order {
		position[name] = i
	}
	for name, ds := range deps {
		for _, dep := range ds {
			if position[dep] >= position[name] {
				t.Errorf("%s appears before its dependency %s in %v", name, dep, order)
			}
		}
	}
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	tests := []struct {
		name string
		deps map[string][]string
	}{
		{name: "two nodes", deps: map[string][]string{"A": {"B"}, "B": {"A"}}},
		{name: "self dependency", deps: map[string][]string{"A": {"A"}}},
		{name: "three nodes", deps: map[string][]string{"A": {"B"}, "B": {"C"}, "C": {"A"}, "D": nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps).TopologicalOrder()
			if !errors.Is(err, ErrCycle) {
				t.Fatalf("TopologicalOrder() error = %v, want ErrCycle", err)
			}

			var cycleErr *CycleError
			if !errors.As(err, &cycleErr) {
				t.Fatalf("error type = %T, want *CycleError", err)
			}
			cycle := cycleErr.Cycle
			if len(cycle) < 2 || cycle[0] != cycle[len(cycle)-1] {
				t.Errorf("Cycle = %v, want a closed path", cycle)
			}
			if !strings.Contains(err.Error(), "→") {
				t.Errorf("Error() = %q, want the cycle path", err.Error())
			}
		})
	}
}

func TestDetectCycle_Acyclic(t *testing.T) {
	g := New(map[string][]string{"A": {"B"}, "B": nil})
	if cycle := g.DetectCycle(); cycle != nil {
		t.Errorf("DetectCycle() = %v, want nil", cycle)
	}
}

func TestStages(t *testing.T) {
	tests := []struct {
		name string
		deps map[string][]string
		want [][]string
	}{
		{
			name: "fan in",
			deps: map[string][]string{"A": {}, "B": {}, "C": {"A", "B"}, "D": {"C"}},
			want: [][]string{{"A", "B"}, {"C"}, {"D"}},
		},
		{
			name: "chain",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}},
			want: [][]string{{"a"}, {"b"}, {"c"}},
		},
		{
			name: "all independent",
			deps: map[string][]string{"x": nil, "y": nil, "z": nil},
			want: [][]string{{"x", "y", "z"}},
		},
		{
			name: "external dependencies ignored",
			deps: map[string][]string{"a": {"numpy"}, "b": {"a", "httpx"}},
			want: [][]string{{"a"}, {"b"}},
		},
		{
			name: "empty",
			deps: map[string][]string{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.deps).Stages()
			if err != nil {
				t.Fatalf("Stages() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Stages() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStages_NoEdgeWithinStage(t *testing.T) {
	deps := map[string][]string{
		"app":    {"api", "worker"},
		"api":    {"core"},
		"worker": {"core", "queue"},
		"queue":  nil,
		"core":   nil,
		"docs":   nil,
		"tools":  {"docs"},
	}
	g := New(deps)

	stages, err := g.Stages()
	if err != nil {
		t.Fatalf("Stages() error = %v", err)
	}

	var flat []string
	for _, stage := range stages {
		in := make(map[string]bool)
		for _, name := range stage {
			in[name] = true
		}
		for _, name := range stage {
			for _, dep := range deps[name] {
				if in[dep] {
					t.Errorf("stage %v contains %s and its dependency %s", stage, name, dep)
				}
			}
		}
		flat = append(flat, stage...)
	}

	order, _ := g.TopologicalOrder()
	if !reflect.DeepEqual(flat, order) {
		t.Errorf("flattened stages = %v, want topological order %v", flat, order)
	}
}

func TestStages_Cycle(t *testing.T) {
	_, err := New(map[string][]string{"A": {"B"}, "B": {"A"}}).Stages()
	if !errors.Is(err, ErrCycle) {
		t.Errorf("Stages() error = %v, want ErrCycle", err)
	}
}

func TestClosure(t *testing.T) {
	g := New(map[string][]string{
		"app":  {"api"},
		"api":  {"core", "db"},
		"db":   {"core"},
		"core": nil,
		"misc": nil,
	})
	cache := NewClosureCache()

	got, err := g.Closure("app", cache)
	if err != nil {
		t.Fatalf("Closure() error = %v", err)
	}
	if want := []string{"api", "core", "db"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Closure(app) = %v, want %v", got, want)
	}

	// Every node reachable from app is memoized, misc is not.
	if cache.Len() != 4 {
		t.Errorf("cache.Len() = %d, want 4", cache.Len())
	}
	if _, ok := cache.get("misc"); ok {
		t.Error("misc should not be cached")
	}

	got, err = g.Closure("db", cache)
	if err != nil {
		t.Fatalf("Closure() error = %v", err)
	}
	if want := []string{"core"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Closure(db) = %v, want %v", got, want)
	}

	if _, err := g.Closure("nope", nil); !errors.Is(err, ErrUnknownProject) {
		t.Errorf("Closure(nope) error = %v, want ErrUnknownProject", err)
	}
}

func TestClosures(t *testing.T) {
	g := New(map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}})

	got, err := g.Closures()
	if err != nil {
		t.Fatalf("Closures() error = %v", err)
	}
	want := map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"a", "b"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Closures() = %v, want %v", got, want)
	}
}

func TestSelect(t *testing.T) {
	g := New(map[string][]string{
		"app":   {"api"},
		"api":   {"core"},
		"core":  nil,
		"docs":  nil,
		"tools": {"core"},
	})

	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name: "everything",
			want: []string{"core", "docs", "api", "tools", "app"},
		},
		{
			name:    "include pulls dependencies",
			include: []string{"app"},
			want:    []string{"core", "api", "app"},
		},
		{
			name:    "exclude removes only the named project",
			include: []string{"app"},
			exclude: []string{"api"},
			want:    []string{"core", "app"},
		},
		{
			name:    "exclude without include",
			exclude: []string{"docs", "tools"},
			want:    []string{"core", "api", "app"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Select(tt.include, tt.exclude)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelect_UnknownProject(t *testing.T) {
	g := New(map[string][]string{"a": nil})

	if _, err := g.Select([]string{"b"}, nil); !errors.Is(err, ErrUnknownProject) {
		t.Errorf("Select() error = %v, want ErrUnknownProject", err)
	}
	if _, err := g.Select(nil, []string{"b"}); !errors.Is(err, ErrUnknownProject) {
		t.Errorf("Select() error = %v, want ErrUnknownProject", err)
	}
}

func TestStagesFor(t *testing.T) {
	g := New(map[string][]string{"A": {}, "B": {}, "C": {"A", "B"}, "D": {"C"}, "E": nil})

	got, err := g.StagesFor([]string{"C"}, nil)
	if err != nil {
		t.Fatalf("StagesFor() error = %v", err)
	}
	if want := [][]string{{"A", "B"}, {"C"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("StagesFor() = %v, want %v", got, want)
	}
}

func TestDependents(t *testing.T) {
	g := New(map[string][]string{
		"app":  {"api"},
		"api":  {"core"},
		"core": nil,
		"docs": nil,
	})

	if got, want := g.Dependents("core"), []string{"api", "app"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Dependents(core) = %v, want %v", got, want)
	}
	if got := g.Dependents("docs"); len(got) != 0 {
		t.Errorf("Dependents(docs) = %v, want none", got)
	}
}

func TestText(t *testing.T) {
	g := New(map[string][]string{"a": nil, "b": {"a"}})
	text := g.Text()

	for _, want := range []string{"Stage 1:", "Stage 2:", "b ← (a)"} {
		if !strings.Contains(text, want) {
			t.Errorf("Text() missing %q:\n%s", want, text)
		}
	}

	cyclic := New(map[string][]string{"a": {"a"}}).Text()
	if !strings.Contains(cyclic, "Error:") {
		t.Errorf("Text() on cyclic graph should report the error:\n%s", cyclic)
	}
}

func TestMermaid(t *testing.T) {
	g := New(map[string][]string{"core-lib": nil, "api": {"core-lib"}})
	out := g.Mermaid()

	if !strings.HasPrefix(out, "graph TD\n") {
		t.Errorf("Mermaid() should start with graph TD:\n%s", out)
	}
	if !strings.Contains(out, `core_lib["core-lib"]`) {
		t.Errorf("Mermaid() missing node declaration:\n%s", out)
	}
	if !strings.Contains(out, "core_lib --> api") {
		t.Errorf("Mermaid() missing edge:\n%s", out)
	}
}
