// Package repo models a Python monorepo: a root pyproject.toml declaring
// workspaces, and project.yml descriptors for every sub-project found in
// them.
//
// A Repo is a snapshot. Mutating actions (adding or removing dependencies)
// call Refresh, which rebuilds every derived structure from disk.
package repo

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/charbonnierg/kapla-v2/internal/executor"
	"github.com/charbonnierg/kapla-v2/internal/graph"
)

// RootFileName is the repository descriptor.
const RootFileName = "pyproject.toml"

var (
	// ErrNoRepository indicates no pyproject.toml was found.
	ErrNoRepository = errors.New("no repository found")

	// ErrProjectNotFound indicates an unknown project name or directory.
	ErrProjectNotFound = errors.New("project not found")

	// ErrDuplicateProject indicates two descriptors declare the same name.
	ErrDuplicateProject = errors.New("duplicate project name")
)

// skippedDirs are never searched for project files.
var skippedDirs = map[string]bool{
	"node_modules":  true,
	"__pycache__":   true,
	"dist":          true,
	"build":         true,
	"site-packages": true,
}

// Options configures a Repo.
type Options struct {
	// VenvDir is the virtual environment directory, relative to the root
	VenvDir string

	// PythonBin overrides the interpreter found in VenvDir
	PythonBin string

	// PoetryBin is the poetry executable
	PoetryBin string

	// Runner runs commands. Defaults to an executor.Executor.
	Runner executor.Runner

	// Logger defaults to log.Default()
	Logger *log.Logger

	// Stdout and Stderr receive command output unless the action is quiet
	Stdout io.Writer
	Stderr io.Writer
}

// Project is one sub-project of the repository.
type Project struct {
	Name      string
	Dir       string
	File      string
	Workspace string
	Spec      *ProjectSpec

	// LocalDependencies are the direct dependencies that are projects of
	// the same repository, sorted.
	LocalDependencies []string
}

// Repo is a loaded monorepo.
type Repo struct {
	root   string
	opts   Options
	logger *log.Logger

	mu       sync.RWMutex
	spec     *RepoSpec
	lock     *LockFile
	projects map[string]*Project
	graph    *graph.Graph
}

// FindRoot walks up from start to the nearest directory whose pyproject.toml
// declares [tool.repo]. When none does, the nearest pyproject.toml wins.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	nearest := ""
	for {
		path := filepath.Join(dir, RootFileName)
		if fileExists(path) {
			if nearest == "" {
				nearest = dir
			}
			if spec, err := ReadRepoSpec(path); err == nil && spec.Tool.Repo != nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if nearest == "" {
		return "", fmt.Errorf("%w from %s", ErrNoRepository, start)
	}
	return nearest, nil
}

// Load reads the repository rooted at root.
func Load(root string, opts Options) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if !fileExists(filepath.Join(abs, RootFileName)) {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNoRepository, abs, RootFileName)
	}

	if opts.VenvDir == "" {
		opts.VenvDir = ".venv"
	}
	if opts.PoetryBin == "" {
		opts.PoetryBin = "poetry"
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Runner == nil {
		opts.Runner = executor.New(opts.Logger, 0)
	}

	r := &Repo{
		root:   abs,
		opts:   opts,
		logger: opts.Logger,
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-reads every descriptor and rebuilds the dependency graph.
func (r *Repo) Refresh() error {
	spec, err := ReadRepoSpec(filepath.Join(r.root, RootFileName))
	if err != nil {
		return err
	}
	lock, err := ReadLockFile(filepath.Join(r.root, LockFileName))
	if err != nil {
		return err
	}
	projects, err := discover(r.root, spec.Workspaces())
	if err != nil {
		return err
	}

	deps := make(map[string][]string, len(projects))
	for _, p := range projects {
		for _, dep := range p.Spec.DependencyNames(true) {
			if _, local := projects[dep]; local {
				p.LocalDependencies = append(p.LocalDependencies, dep)
			}
		}
		sort.Strings(p.LocalDependencies)
		deps[p.Name] = p.LocalDependencies
	}

	g := graph.New(deps)

	r.mu.Lock()
	r.spec = spec
	r.lock = lock
	r.projects = projects
	r.graph = g
	r.mu.Unlock()

	r.logger.Debug("Loaded repository", "root", r.root, "projects", len(projects), "locked", lock.Len())
	return nil
}

// discover parses every project file found in the workspaces.
func discover(root string, workspaces map[string][]string) (map[string]*Project, error) {
	type found struct {
		path      string
		workspace string
	}

	names := make([]string, 0, len(workspaces))
	for name := range workspaces {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var files []found
	for _, ws := range names {
		for _, dir := range workspaces[ws] {
			wsDir := filepath.Join(root, dir)
			paths, err := findProjectFiles(wsDir)
			if err != nil {
				return nil, fmt.Errorf("failed to search workspace %s: %w", ws, err)
			}
			for _, path := range paths {
				if seen[path] {
					continue
				}
				seen[path] = true
				files = append(files, found{path: path, workspace: ws})
			}
		}
	}

	parsed := make([]*Project, len(files))
	var g errgroup.Group
	g.SetLimit(8)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			spec, err := ReadProjectSpec(f.path)
			if err != nil {
				return err
			}
			parsed[i] = &Project{
				Name:      spec.Name,
				Dir:       filepath.Dir(f.path),
				File:      f.path,
				Workspace: f.workspace,
				Spec:      spec,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	projects := make(map[string]*Project, len(parsed))
	for _, p := range parsed {
		if other, ok := projects[p.Name]; ok {
			return nil, fmt.Errorf("%w: %s declared in %s and %s", ErrDuplicateProject, p.Name, other.File, p.File)
		}
		projects[p.Name] = p
	}
	return projects, nil
}

// findProjectFiles returns the project files below dir, sorted. Hidden
// directories and build outputs are skipped. A directory holding both
// project.yml and project.yaml uses project.yml.
func findProjectFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != dir && (strings.HasPrefix(name, ".") || skippedDirs[name]) {
				return filepath.SkipDir
			}
			for _, candidate := range ProjectFileNames {
				p := filepath.Join(path, candidate)
				if fileExists(p) {
					paths = append(paths, p)
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Root returns the absolute repository directory.
func (r *Repo) Root() string {
	return r.root
}

// Name returns the repository name from [tool.poetry].
func (r *Repo) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spec.Tool.Poetry.Name
}

// Version returns the repository version from [tool.poetry].
func (r *Repo) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spec.Tool.Poetry.Version
}

// Spec returns the parsed root pyproject.toml.
func (r *Repo) Spec() *RepoSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spec
}

// Workspaces returns the workspace name to directories map.
func (r *Repo) Workspaces() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spec.Workspaces()
}

// Graph returns the dependency graph of the current snapshot.
func (r *Repo) Graph() *graph.Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph
}

// Project returns a project by name.
func (r *Repo) Project(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return p, nil
}

// ProjectAt returns the project whose directory contains path.
func (r *Repo) ProjectAt(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Project
	for _, p := range r.projects {
		rel, err := filepath.Rel(p.Dir, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(p.Dir) > len(best.Dir) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w in %s", ErrProjectNotFound, path)
	}
	return best, nil
}

// Filter restricts the projects an operation applies to.
type Filter struct {
	// Include selects these projects and their local dependencies (empty = all)
	Include []string
	// Exclude removes these projects
	Exclude []string
	// Workspaces keeps only projects of these workspaces (empty = all)
	Workspaces []string
}

// ListProjects returns the projects selected by f in dependency order.
func (r *Repo) ListProjects(f Filter) ([]*Project, error) {
	names, err := r.selectNames(f)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	projects := make([]*Project, 0, len(names))
	for _, name := range names {
		projects = append(projects, r.projects[name])
	}
	return projects, nil
}

// Plan is the execution order of a selection.
type Plan struct {
	Stages [][]string

	// Dependencies maps each selected project to its selected local
	// dependencies. Projects left out of the selection do not appear.
	Dependencies map[string][]string
}

// Plan returns the parallel stages for the projects selected by f, with the
// dependency edges between them.
func (r *Repo) Plan(f Filter) (*Plan, error) {
	names, err := r.selectNames(f)
	if err != nil {
		return nil, err
	}

	selected := make(map[string]bool, len(names))
	for _, name := range names {
		selected[name] = true
	}

	g := r.Graph()
	sub := make(map[string][]string, len(names))
	for _, name := range names {
		deps := []string{}
		for _, dep := range g.Dependencies(name) {
			if selected[dep] {
				deps = append(deps, dep)
			}
		}
		sub[name] = deps
	}

	stages, err := graph.New(sub).Stages()
	if err != nil {
		return nil, err
	}
	return &Plan{Stages: stages, Dependencies: sub}, nil
}

// Stages returns the parallel stages for the projects selected by f.
func (r *Repo) Stages(f Filter) ([][]string, error) {
	plan, err := r.Plan(f)
	if err != nil {
		return nil, err
	}
	return plan.Stages, nil
}

func (r *Repo) selectNames(f Filter) ([]string, error) {
	g := r.Graph()
	names, err := g.Select(f.Include, f.Exclude)
	if err != nil {
		if errors.Is(err, graph.ErrUnknownProject) {
			return nil, fmt.Errorf("%w: %v", ErrProjectNotFound, err)
		}
		return nil, err
	}
	if len(f.Workspaces) == 0 {
		return names, nil
	}

	keep := make(map[string]bool, len(f.Workspaces))
	for _, ws := range f.Workspaces {
		keep[ws] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range names {
		if keep[r.projects[name].Workspace] {
			out = append(out, name)
		}
	}
	return out, nil
}

// ProjectVersion returns the version of a project, falling back to the
// repository version.
func (r *Repo) ProjectVersion(p *Project) string {
	if p.Spec.Version != "" {
		return p.Spec.Version
	}
	return r.Version()
}

// LockedVersion returns the version a package is pinned to: the project
// version for local projects, the poetry.lock version otherwise, "*" when
// unknown.
func (r *Repo) LockedVersion(name string) string {
	if p, err := r.Project(name); err == nil {
		if v := r.ProjectVersion(p); v != "" {
			return v
		}
		return "*"
	}

	r.mu.RLock()
	lock := r.lock
	r.mu.RUnlock()

	if v := lock.Version(name); v != "" {
		return v
	}
	return "*"
}

// VenvPath returns the absolute virtual environment directory.
func (r *Repo) VenvPath() string {
	if filepath.IsAbs(r.opts.VenvDir) {
		return r.opts.VenvDir
	}
	return filepath.Join(r.root, r.opts.VenvDir)
}

// PythonPath returns the interpreter used for pip commands.
func (r *Repo) PythonPath() string {
	if r.opts.PythonBin != "" {
		return r.opts.PythonBin
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(r.VenvPath(), "Scripts", "python.exe")
	}
	return filepath.Join(r.VenvPath(), "bin", "python")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
