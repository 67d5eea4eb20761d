package repo

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// GeneratedFileName is the pyproject written next to each project.yml so
// that poetry and pip can build the project.
const GeneratedFileName = "pyproject.toml"

// Pyproject is the generated pyproject.toml of a project.
type Pyproject struct {
	Tool struct {
		Poetry PoetryProject `toml:"poetry"`
	} `toml:"tool"`
	BuildSystem BuildSystem `toml:"build-system"`
}

// PoetryProject is the [tool.poetry] table of a generated pyproject.
type PoetryProject struct {
	Name         string              `toml:"name"`
	Version      string              `toml:"version"`
	Description  string              `toml:"description"`
	Authors      []string            `toml:"authors"`
	License      string              `toml:"license,omitempty"`
	Readme       string              `toml:"readme,omitempty"`
	Homepage     string              `toml:"homepage,omitempty"`
	Repository   string              `toml:"repository,omitempty"`
	Keywords     []string            `toml:"keywords,omitempty"`
	Packages     []PackageInclude    `toml:"packages,omitempty"`
	Dependencies map[string]any      `toml:"dependencies"`
	Extras       map[string][]string `toml:"extras,omitempty"`
	Scripts      map[string]string   `toml:"scripts,omitempty"`
}

// BuildSystem is the [build-system] table.
type BuildSystem struct {
	Requires     []string `toml:"requires"`
	BuildBackend string   `toml:"build-backend"`
}

var defaultBuildSystem = BuildSystem{
	Requires:     []string{"poetry-core>=1.2.0"},
	BuildBackend: "poetry.core.masonry.api",
}

// Pyproject renders the pyproject of a project. Every dependency is pinned
// to its locked version; extras dependencies are optional and listed under
// their group.
func (r *Repo) Pyproject(p *Project) *Pyproject {
	py := &Pyproject{BuildSystem: defaultBuildSystem}

	tool := &py.Tool.Poetry
	tool.Name = p.Name
	tool.Version = r.ProjectVersion(p)
	tool.Description = p.Spec.Description
	tool.Authors = p.Spec.Authors
	if tool.Authors == nil {
		tool.Authors = []string{}
	}
	tool.License = p.Spec.License
	tool.Readme = p.Spec.Readme
	tool.Homepage = p.Spec.Homepage
	tool.Repository = p.Spec.Repository
	tool.Keywords = p.Spec.Keywords
	tool.Packages = p.Spec.Packages
	tool.Scripts = p.Spec.Scripts

	tool.Dependencies = make(map[string]any)
	if python := r.Spec().PythonConstraint(); python != "*" {
		tool.Dependencies["python"] = python
	}
	for _, dep := range p.Spec.Dependencies {
		tool.Dependencies[dep.Name] = r.pin(dep, false)
	}

	for _, group := range p.Spec.Groups() {
		if tool.Extras == nil {
			tool.Extras = make(map[string][]string)
		}
		names := []string{}
		for _, dep := range p.Spec.Extras[group] {
			names = append(names, dep.Name)
			if _, required := tool.Dependencies[dep.Name]; !required {
				tool.Dependencies[dep.Name] = r.pin(dep, true)
			}
		}
		tool.Extras[group] = names
	}
	return py
}

// pin returns the poetry dependency value of dep: a bare version string when
// dep has no options, a table otherwise.
func (r *Repo) pin(dep Dependency, optional bool) any {
	version := dep.Version
	if version == "" || version == "*" {
		version = r.LockedVersion(dep.Name)
	}
	if !optional && !dep.hasOptions() {
		return version
	}

	table := map[string]any{"version": version}
	if len(dep.Extras) > 0 {
		table["extras"] = dep.Extras
	}
	if optional || dep.Optional {
		table["optional"] = true
	}
	if dep.Python != "" {
		table["python"] = dep.Python
	}
	if dep.Markers != "" {
		table["markers"] = dep.Markers
	}
	if dep.AllowPrereleases {
		table["allow-prereleases"] = true
	}
	return table
}

// WritePyproject writes the generated pyproject of a project into its
// directory and returns the file path.
func (r *Repo) WritePyproject(p *Project) (string, error) {
	if p.Dir == r.root {
		return "", fmt.Errorf("project %s lives at the repository root, refusing to overwrite %s", p.Name, RootFileName)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(r.Pyproject(p)); err != nil {
		return "", fmt.Errorf("failed to encode pyproject for %s: %w", p.Name, err)
	}

	path := filepath.Join(p.Dir, GeneratedFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write pyproject for %s: %w", p.Name, err)
	}
	r.logger.Debug("Wrote pyproject", "project", p.Name, "path", path)
	return path, nil
}

// RemovePyproject deletes the generated pyproject of a project, if any.
func (r *Repo) RemovePyproject(p *Project) error {
	if p.Dir == r.root {
		return nil
	}
	err := os.Remove(filepath.Join(p.Dir, GeneratedFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
