package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/charbonnierg/kapla-v2/internal/executor"
)

// GroupDrift lists the differences between the dependencies a project file
// declares and the poetry group resolving them in the root pyproject.
type GroupDrift struct {
	Project string

	// Group is the extras group of the project, empty for the main
	// dependencies
	Group string

	// PoetryGroup is the root pyproject group, see PoetryGroupName
	PoetryGroup string

	// Missing are declared in the project file but absent from the group
	Missing []Dependency

	// Zombies are in the group but no longer declared, sorted
	Zombies []string
}

// Empty reports whether the group is in sync.
func (d GroupDrift) Empty() bool {
	return len(d.Missing) == 0 && len(d.Zombies) == 0
}

// Drift compares every project file with the root pyproject groups and
// returns the groups out of sync, sorted by poetry group. Local projects are
// never expected in a group.
func (r *Repo) Drift() []GroupDrift {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := r.spec.Tool.Poetry.Group
	var out []GroupDrift
	for _, p := range r.projects {
		// every name present in one of the groups of the project
		resolved := make(map[string]bool)
		for name, g := range groups {
			if name == p.Name || strings.HasPrefix(name, p.Name+"--") {
				for dep := range g.Dependencies {
					resolved[normalizeName(dep)] = true
				}
			}
		}

		direct := r.external(p.Spec.Dependencies)
		declared := namesOf(direct)
		for _, list := range p.Spec.Extras {
			for name := range namesOf(r.external(list)) {
				declared[name] = true
			}
		}
		drift := GroupDrift{Project: p.Name, PoetryGroup: PoetryGroupName(p.Name, "")}
		for _, dep := range direct {
			if !resolved[normalizeName(dep.Name)] {
				drift.Missing = append(drift.Missing, dep)
			}
		}
		drift.Zombies = unused(groups[drift.PoetryGroup].Dependencies, declared)
		out = appendDrift(out, drift)

		for group, list := range p.Spec.Extras {
			extras := r.external(list)
			drift := GroupDrift{Project: p.Name, Group: group, PoetryGroup: PoetryGroupName(p.Name, group)}
			present := groups[drift.PoetryGroup].Dependencies
			inGroup := make(map[string]bool, len(present))
			for name := range present {
				inGroup[normalizeName(name)] = true
			}
			for _, dep := range extras {
				if !inGroup[normalizeName(dep.Name)] {
					drift.Missing = append(drift.Missing, dep)
				}
			}
			drift.Zombies = unused(present, namesOf(extras))
			out = appendDrift(out, drift)
		}

		// groups of extras that were dropped from the project file
		for name, g := range groups {
			group, ok := strings.CutPrefix(name, p.Name+"--")
			if !ok {
				continue
			}
			if _, kept := p.Spec.Extras[group]; kept {
				continue
			}
			if _, other := r.projects[name]; other {
				continue
			}
			drift := GroupDrift{Project: p.Name, Group: group, PoetryGroup: name}
			drift.Zombies = unused(g.Dependencies, nil)
			out = appendDrift(out, drift)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PoetryGroup < out[j].PoetryGroup })
	return out
}

// external drops the local projects of list. Callers hold r.mu.
func (r *Repo) external(list DependencyList) DependencyList {
	var out DependencyList
	for _, dep := range list {
		if _, local := r.projects[dep.Name]; !local {
			out = append(out, dep)
		}
	}
	return out
}

func namesOf(list DependencyList) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, dep := range list {
		out[normalizeName(dep.Name)] = true
	}
	return out
}

// unused returns the names of group not in declared, sorted.
func unused(group map[string]any, declared map[string]bool) []string {
	var out []string
	for name := range group {
		if !declared[normalizeName(name)] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func appendDrift(out []GroupDrift, d GroupDrift) []GroupDrift {
	if d.Empty() {
		return out
	}
	return append(out, d)
}

// RepairOptions configures Repair.
type RepairOptions struct {
	// Missing adds the dependencies missing from the groups
	Missing bool

	// Zombies removes the group dependencies no project declares
	Zombies bool

	// Quiet suppresses command output
	Quiet bool
}

// Repair brings the root pyproject groups back in sync with the project
// files, running one poetry command per group and action, then refreshes
// the repository. Project files are never modified. It returns the drift
// found before the repair.
func (r *Repo) Repair(ctx context.Context, opts RepairOptions) ([]GroupDrift, error) {
	drift := r.Drift()

	var errs []error
	for _, d := range drift {
		if opts.Missing && len(d.Missing) > 0 {
			args := []string{r.opts.PoetryBin, "add", "--lock", "--group", d.PoetryGroup}
			for _, dep := range d.Missing {
				args = append(args, requirement(dep))
			}
			errs = append(errs, r.runChecked(ctx, args, opts.Quiet))
		}
		if opts.Zombies && len(d.Zombies) > 0 {
			args := append([]string{r.opts.PoetryBin, "remove", "--lock", "--group", d.PoetryGroup}, d.Zombies...)
			errs = append(errs, r.runChecked(ctx, args, opts.Quiet))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return drift, err
	}
	return drift, r.Refresh()
}

// requirement formats dep for poetry add: name[extras]@version.
func requirement(dep Dependency) string {
	out := dep.Name
	if len(dep.Extras) > 0 {
		out += "[" + strings.Join(dep.Extras, ",") + "]"
	}
	if dep.Version != "" && dep.Version != "*" {
		out += "@" + dep.Version
	}
	return out
}

func (r *Repo) runChecked(ctx context.Context, args []string, quiet bool) error {
	res, err := r.run(ctx, args, r.root, quiet, nil)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s exited with code %d", ErrCommandFailed, res.CommandLine(), res.ExitCode)
	}
	return nil
}

// VenvBinDir returns the directory holding the executables of the virtual
// environment.
func (r *Repo) VenvBinDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(r.VenvPath(), "Scripts")
	}
	return filepath.Join(r.VenvPath(), "bin")
}

// Exec runs an arbitrary command in dir (the root when empty) with the
// virtual environment activated: VIRTUAL_ENV is set and its executables come
// first in PATH. Output is always streamed. A non-zero exit code is reported
// in the result.
func (r *Repo) Exec(ctx context.Context, args []string, dir string) (*executor.Result, error) {
	if dir == "" {
		dir = r.root
	}
	path := r.VenvBinDir()
	if current := os.Getenv("PATH"); current != "" {
		path += string(os.PathListSeparator) + current
	}
	return r.opts.Runner.Run(ctx, args, executor.Options{
		Dir:    dir,
		Env:    []string{"VIRTUAL_ENV=" + r.VenvPath(), "PATH=" + path},
		Stdout: r.opts.Stdout,
		Stderr: r.opts.Stderr,
	})
}

// VenvOptions configures EnsureVenv.
type VenvOptions struct {
	// Interpreter creates the environment; python3 or python when empty
	Interpreter string

	// Update upgrades pip, setuptools and wheel even when the environment
	// already exists
	Update bool

	// Quiet suppresses command output
	Quiet bool
}

// BaseToolkit is upgraded in every new virtual environment.
var BaseToolkit = []string{"pip", "setuptools", "wheel"}

// EnsureVenv creates the virtual environment when missing and upgrades its
// base toolkit when it was just created or opts.Update is set. Nothing is
// created when an interpreter is configured with Options.PythonBin.
// Returns whether the environment was created.
func (r *Repo) EnsureVenv(ctx context.Context, opts VenvOptions) (bool, error) {
	created := false
	if r.opts.PythonBin == "" && !dirExists(r.VenvPath()) {
		interpreter := opts.Interpreter
		if interpreter == "" {
			interpreter = systemPython()
		}
		r.logger.Info("Creating virtual environment", "path", r.VenvPath(), "python", interpreter)
		if err := r.runChecked(ctx, []string{interpreter, "-m", "venv", r.VenvPath()}, opts.Quiet); err != nil {
			return false, err
		}
		created = true
	}
	if !created && !opts.Update {
		return false, nil
	}

	args := append([]string{r.PythonPath(), "-m", "pip", "install", "-U"}, BaseToolkit...)
	if opts.Quiet {
		args = append(args, "--quiet")
	}
	return created, r.runChecked(ctx, args, opts.Quiet)
}

func systemPython() string {
	if _, err := exec.LookPath("python3"); err == nil {
		return "python3"
	}
	return "python"
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CleanPatterns are the build outputs removed by Clean in every project.
var CleanPatterns = []string{DistDir, "build", "__pycache__", "*.egg-info", ".pytest_cache", ".mypy_cache"}

// CleanOptions configures Clean.
type CleanOptions struct {
	// Venv also removes the virtual environment
	Venv bool

	// DryRun lists the paths without removing them
	DryRun bool
}

// Clean removes the generated pyproject and the build outputs of every
// project, and the root dist directory. It returns the removed paths,
// relative to the root and sorted.
func (r *Repo) Clean(opts CleanOptions) ([]string, error) {
	projects, err := r.ListProjects(Filter{})
	if err != nil {
		return nil, err
	}

	var targets []string
	for _, p := range projects {
		if p.Dir != r.root {
			if generated := filepath.Join(p.Dir, GeneratedFileName); fileExists(generated) {
				targets = append(targets, generated)
			}
		}
		found, err := findCleanTargets(p.Dir, r.VenvPath())
		if err != nil {
			return nil, err
		}
		targets = append(targets, found...)
	}
	if dist := filepath.Join(r.root, DistDir); dirExists(dist) {
		targets = append(targets, dist)
	}
	if opts.Venv && dirExists(r.VenvPath()) {
		targets = append(targets, r.VenvPath())
	}

	sort.Strings(targets)
	targets = dedupNested(targets)

	var (
		removed []string
		errs    []error
	)
	for _, target := range targets {
		if !opts.DryRun {
			if err := os.RemoveAll(target); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		rel, err := filepath.Rel(r.root, target)
		if err != nil {
			rel = target
		}
		removed = append(removed, rel)
	}
	return removed, errors.Join(errs...)
}

// findCleanTargets returns the paths below dir matching CleanPatterns,
// without descending into matches, hidden directories other than caches, or
// the virtual environment.
func findCleanTargets(dir, venv string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if d.IsDir() && (path == venv || d.Name() == ".git" || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		for _, pattern := range CleanPatterns {
			if ok, _ := filepath.Match(pattern, d.Name()); ok {
				out = append(out, path)
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return nil
	})
	return out, err
}

// dedupNested drops the paths inside another path of sorted.
func dedupNested(sorted []string) []string {
	var out []string
	for _, path := range sorted {
		if n := len(out); n > 0 {
			last := out[n-1]
			if path == last || strings.HasPrefix(path, last+string(filepath.Separator)) {
				continue
			}
		}
		out = append(out, path)
	}
	return out
}
