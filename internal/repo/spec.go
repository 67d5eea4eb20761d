package repo

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ProjectFileNames are the descriptor names searched in workspaces.
var ProjectFileNames = []string{"project.yml", "project.yaml"}

// ProjectSpec is the content of a project.yml file.
type ProjectSpec struct {
	Name          string                    `yaml:"name" validate:"required"`
	Version       string                    `yaml:"version,omitempty"`
	Description   string                    `yaml:"description,omitempty"`
	License       string                    `yaml:"license,omitempty"`
	Authors       []string                  `yaml:"authors,omitempty"`
	Readme        string                    `yaml:"readme,omitempty"`
	Homepage      string                    `yaml:"homepage,omitempty"`
	Repository    string                    `yaml:"repository,omitempty"`
	Keywords      []string                  `yaml:"keywords,omitempty"`
	Packages      []PackageInclude          `yaml:"packages,omitempty" validate:"dive"`
	Scripts       map[string]string         `yaml:"scripts,omitempty"`
	Dependencies  DependencyList            `yaml:"dependencies,omitempty" validate:"dive"`
	Extras        map[string]DependencyList `yaml:"extras,omitempty" validate:"dive,dive"`
}

// PackageInclude declares a package shipped in the distribution.
type PackageInclude struct {
	Include string `yaml:"include" toml:"include" validate:"required"`
	From    string `yaml:"from,omitempty" toml:"from,omitempty"`
	Format  string `yaml:"format,omitempty" toml:"format,omitempty"`
}

// Dependency is one declared dependency. In project.yml it is either a bare
// name or a single-key map from name to its options.
type Dependency struct {
	Name             string   `yaml:"-" validate:"required"`
	Version          string   `yaml:"version,omitempty"`
	Extras           []string `yaml:"extras,omitempty"`
	Optional         bool     `yaml:"optional,omitempty"`
	Python           string   `yaml:"python,omitempty"`
	Markers          string   `yaml:"markers,omitempty"`
	AllowPrereleases bool     `yaml:"allow-prereleases,omitempty"`
}

// hasOptions reports whether d needs a table form rather than a bare version.
func (d Dependency) hasOptions() bool {
	return len(d.Extras) > 0 || d.Optional || d.Python != "" || d.Markers != "" || d.AllowPrereleases
}

// DependencyList is a list of dependencies in either short or long form.
type DependencyList []Dependency

// UnmarshalYAML accepts scalars and single-key mappings.
func (l *DependencyList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: dependencies must be a list", node.Line)
	}

	deps := make(DependencyList, 0, len(node.Content))
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			deps = append(deps, Dependency{Name: item.Value})
		case yaml.MappingNode:
			if len(item.Content) != 2 {
				return fmt.Errorf("line %d: dependency must have exactly one name", item.Line)
			}
			var dep Dependency
			if err := item.Content[1].Decode(&dep); err != nil {
				return fmt.Errorf("line %d: invalid dependency %s: %w", item.Line, item.Content[0].Value, err)
			}
			dep.Name = item.Content[0].Value
			deps = append(deps, dep)
		default:
			return fmt.Errorf("line %d: invalid dependency", item.Line)
		}
	}
	*l = deps
	return nil
}

// Names returns the dependency names in declaration order.
func (l DependencyList) Names() []string {
	names := make([]string, 0, len(l))
	for _, d := range l {
		names = append(names, d.Name)
	}
	return names
}

// DependencyNames returns every declared dependency name, including extras
// when includeExtras is set, deduplicated and sorted.
func (s *ProjectSpec) DependencyNames(includeExtras bool) []string {
	set := make(map[string]bool)
	for _, name := range s.Dependencies.Names() {
		set[name] = true
	}
	if includeExtras {
		for _, deps := range s.Extras {
			for _, name := range deps.Names() {
				set[name] = true
			}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Groups returns the extras group names, sorted.
func (s *ProjectSpec) Groups() []string {
	groups := make([]string, 0, len(s.Extras))
	for group := range s.Extras {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

var specValidator = validator.New()

// ReadProjectSpec reads and validates a project.yml file.
func ReadProjectSpec(path string) (*ProjectSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}

	var spec ProjectSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := specValidator.Struct(&spec); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}
	return &spec, nil
}

// RepoSpec is the subset of the root pyproject.toml kapla reads.
type RepoSpec struct {
	Tool struct {
		Poetry PoetrySection `toml:"poetry"`
		Repo   *RepoSection  `toml:"repo"`
	} `toml:"tool"`
}

// PoetrySection is the [tool.poetry] table.
type PoetrySection struct {
	Name         string                 `toml:"name"`
	Version      string                 `toml:"version"`
	Dependencies map[string]any         `toml:"dependencies"`
	Group        map[string]PoetryGroup `toml:"group"`
}

// PoetryGroup is a [tool.poetry.group.<name>] table.
type PoetryGroup struct {
	Optional     bool           `toml:"optional"`
	Dependencies map[string]any `toml:"dependencies"`
}

// RepoSection is the [tool.repo] table.
type RepoSection struct {
	Workspaces map[string][]string `toml:"workspaces"`
}

// DefaultWorkspaces is used when the repository declares none.
var DefaultWorkspaces = map[string][]string{"default": {"./"}}

// Workspaces returns the declared workspaces or DefaultWorkspaces.
func (s *RepoSpec) Workspaces() map[string][]string {
	if s.Tool.Repo == nil || len(s.Tool.Repo.Workspaces) == 0 {
		return DefaultWorkspaces
	}
	return s.Tool.Repo.Workspaces
}

// PythonConstraint returns the python version constraint of the repository.
func (s *RepoSpec) PythonConstraint() string {
	return constraintOf(s.Tool.Poetry.Dependencies["python"])
}

// GroupDependencies returns the dependency names of a poetry group, sorted.
func (s *RepoSpec) GroupDependencies(group string) []string {
	g, ok := s.Tool.Poetry.Group[group]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(g.Dependencies))
	for name := range g.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Constraints maps every dependency declared in any poetry group to its
// version constraint.
func (s *RepoSpec) Constraints() map[string]string {
	out := make(map[string]string)
	for _, g := range s.Tool.Poetry.Group {
		for name, value := range g.Dependencies {
			out[normalizeName(name)] = constraintOf(value)
		}
	}
	return out
}

// constraintOf extracts a version from a poetry dependency value, which is
// either a string or a table with a version key.
func constraintOf(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if version, ok := v["version"].(string); ok {
			return version
		}
	}
	return "*"
}

// ReadRepoSpec reads a root pyproject.toml file.
func ReadRepoSpec(path string) (*RepoSpec, error) {
	var spec RepoSpec
	if _, err := toml.DecodeFile(path, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &spec, nil
}

// normalizeName applies the package index name normalization: lower case,
// runs of '-', '_' and '.' collapsed to '-'.
func normalizeName(name string) string {
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !lastDash {
				sb.WriteRune('-')
			}
			lastDash = true
			continue
		}
		sb.WriteRune(r)
		lastDash = false
	}
	return sb.String()
}
