package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/charbonnierg/kapla-v2/internal/executor"
)

// DistDir is the directory, relative to the root, collecting built wheels.
const DistDir = "dist"

// ErrCommandFailed indicates a command of a repository-wide action exited
// with a non-zero code.
var ErrCommandFailed = errors.New("command failed")

// InstallOptions configures Install.
type InstallOptions struct {
	// Extras selects extras groups to install; nil installs every group
	Extras []string

	// Quiet suppresses command output
	Quiet bool

	// NoBuildIsolation passes --no-build-isolation to pip
	NoBuildIsolation bool

	// Force reinstalls projects already installed in editable mode
	Force bool

	// Log receives a copy of the command output when set
	Log io.Writer
}

// BuildOptions configures Build.
type BuildOptions struct {
	// Quiet suppresses command output
	Quiet bool

	// Clean removes the generated pyproject once the build is done
	Clean bool

	// Log receives a copy of the command output when set
	Log io.Writer
}

// DependencyOptions configures AddDependencies and RemoveDependencies.
type DependencyOptions struct {
	// Group is the extras group of the project to edit; empty edits the
	// main dependencies
	Group string

	// Quiet suppresses command output
	Quiet bool
}

// Install installs a project in editable mode in the repository virtual
// environment. The project pyproject is generated first.
func (r *Repo) Install(ctx context.Context, name string, opts InstallOptions) (*executor.Result, error) {
	p, err := r.Project(name)
	if err != nil {
		return nil, err
	}

	extras := opts.Extras
	if extras == nil {
		extras = p.Spec.Groups()
	}
	target := p.Dir
	if len(extras) > 0 {
		target = fmt.Sprintf("%s[%s]", p.Dir, strings.Join(extras, ","))
	}
	args := []string{r.PythonPath(), "-m", "pip", "install", "-e", target}
	if opts.Quiet {
		args = append(args, "--quiet")
	}
	if opts.NoBuildIsolation {
		args = append(args, "--no-build-isolation")
	}

	if !opts.Force && r.IsInstalled(p) {
		r.logger.Info("Already installed", "project", name)
		now := time.Now()
		return &executor.Result{Command: args, Dir: r.root, StartedAt: now, CompletedAt: now}, nil
	}

	if _, err := r.WritePyproject(p); err != nil {
		return nil, err
	}
	return r.run(ctx, args, r.root, opts.Quiet, opts.Log)
}

// IsInstalled reports whether an editable install of the project is present
// in the virtual environment.
func (r *Repo) IsInstalled(p *Project) bool {
	module := strings.ReplaceAll(normalizeName(p.Name), "-", "_")
	pattern := filepath.Join(r.VenvPath(), "lib", "python*", "site-packages", module+".pth")
	if runtime.GOOS == "windows" {
		pattern = filepath.Join(r.VenvPath(), "Lib", "site-packages", module+".pth")
	}
	matches, _ := filepath.Glob(pattern)
	return len(matches) > 0
}

// Build builds the distributions of a project with poetry and copies them to
// the repository dist directory.
func (r *Repo) Build(ctx context.Context, name string, opts BuildOptions) (*executor.Result, error) {
	p, err := r.Project(name)
	if err != nil {
		return nil, err
	}

	if _, err := r.WritePyproject(p); err != nil {
		return nil, err
	}
	if opts.Clean {
		defer func() {
			if err := r.RemovePyproject(p); err != nil {
				r.logger.Warn("Failed to remove generated pyproject", "project", name, "error", err)
			}
		}()
	}

	projectDist := filepath.Join(p.Dir, DistDir)
	if err := os.RemoveAll(projectDist); err != nil {
		return nil, fmt.Errorf("failed to clean %s: %w", projectDist, err)
	}

	args := []string{r.opts.PoetryBin, "build"}
	if opts.Quiet {
		args = append(args, "--quiet")
	}
	res, err := r.run(ctx, args, p.Dir, opts.Quiet, opts.Log)
	if err != nil || !res.Success() {
		return res, err
	}

	if err := copyDistributions(projectDist, filepath.Join(r.root, DistDir)); err != nil {
		return res, fmt.Errorf("failed to collect distributions of %s: %w", name, err)
	}
	return res, nil
}

// copyDistributions copies every wheel and source archive of src into dst.
func copyDistributions(src, dst string) error {
	entries, err := os.ReadDir(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	var g errgroup.Group
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".whl") || strings.HasSuffix(name, ".tar.gz")) {
			continue
		}
		g.Go(func() error {
			return copyFile(filepath.Join(src, name), filepath.Join(dst, name))
		})
	}
	return g.Wait()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Uninstall removes projects from the virtual environment in a single pip
// call.
func (r *Repo) Uninstall(ctx context.Context, names []string, quiet bool) (*executor.Result, error) {
	if len(names) == 0 {
		return nil, nil
	}
	for _, name := range names {
		if _, err := r.Project(name); err != nil {
			return nil, err
		}
	}

	args := append([]string{r.PythonPath(), "-m", "pip", "uninstall", "-y"}, names...)
	if quiet {
		args = append(args, "--quiet")
	}
	res, err := r.run(ctx, args, r.root, quiet, nil)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, fmt.Errorf("%w: %s exited with code %d", ErrCommandFailed, res.CommandLine(), res.ExitCode)
	}
	return res, nil
}

// PoetryGroupName returns the root poetry group holding the dependencies of
// a project or of one of its extras groups.
func PoetryGroupName(project, group string) string {
	if group == "" {
		return project
	}
	return project + "--" + group
}

// AddDependencies adds packages to a project. poetry resolves them in the
// project group of the root pyproject, the resolved constraints are written
// to the project file, then the repository is refreshed.
func (r *Repo) AddDependencies(ctx context.Context, name string, packages []string, opts DependencyOptions) error {
	return r.editDependencies(ctx, "add", name, packages, opts)
}

// RemoveDependencies removes packages from a project, mirroring
// AddDependencies.
func (r *Repo) RemoveDependencies(ctx context.Context, name string, packages []string, opts DependencyOptions) error {
	return r.editDependencies(ctx, "remove", name, packages, opts)
}

func (r *Repo) editDependencies(ctx context.Context, verb, name string, packages []string, opts DependencyOptions) error {
	if len(packages) == 0 {
		return nil
	}
	p, err := r.Project(name)
	if err != nil {
		return err
	}
	if opts.Group != "" {
		if _, ok := p.Spec.Extras[opts.Group]; !ok && verb == "remove" {
			return fmt.Errorf("project %s has no extras group %s", name, opts.Group)
		}
	}

	group := PoetryGroupName(name, opts.Group)
	before := r.Spec().Tool.Poetry.Group[group].Dependencies

	args := append([]string{r.opts.PoetryBin, verb, "--group", group}, packages...)
	res, err := r.run(ctx, args, r.root, opts.Quiet, nil)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s exited with code %d", ErrCommandFailed, res.CommandLine(), res.ExitCode)
	}

	spec, err := ReadRepoSpec(filepath.Join(r.root, RootFileName))
	if err != nil {
		return err
	}
	after := spec.Tool.Poetry.Group[group].Dependencies

	patch := diffGroup(before, after)
	patch.Group = opts.Group
	if verb == "remove" {
		// poetry drops an empty group entirely, so removed names are taken
		// from the request as well.
		patch.Remove = mergeNames(patch.Remove, packages)
	}
	if !patch.Empty() {
		if err := PatchFile(p.File, patch); err != nil {
			return err
		}
		r.logger.Info("Updated project file", "project", name, "added", len(patch.Add), "removed", len(patch.Remove))
	}
	return r.Refresh()
}

// diffGroup computes the patch turning the before group dependencies into
// the after ones.
func diffGroup(before, after map[string]any) DependencyPatch {
	var patch DependencyPatch

	names := make([]string, 0, len(after))
	for name := range after {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		version := constraintOf(after[name])
		if old, ok := before[name]; ok && constraintOf(old) == version {
			continue
		}
		dep := Dependency{Name: name, Version: version}
		if table, ok := after[name].(map[string]any); ok {
			dep.Extras = stringList(table["extras"])
			dep.Optional, _ = table["optional"].(bool)
			dep.Python, _ = table["python"].(string)
			dep.Markers, _ = table["markers"].(string)
			dep.AllowPrereleases, _ = table["allow-prereleases"].(bool)
		}
		patch.Add = append(patch.Add, dep)
	}

	for name := range before {
		if _, ok := after[name]; !ok {
			patch.Remove = append(patch.Remove, name)
		}
	}
	sort.Strings(patch.Remove)
	return patch
}

func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, name := range append(append([]string(nil), a...), b...) {
		if key := normalizeName(name); !seen[key] {
			seen[key] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// run executes a command with the repository virtual environment activated.
func (r *Repo) run(ctx context.Context, args []string, dir string, quiet bool, log io.Writer) (*executor.Result, error) {
	opts := executor.Options{
		Dir: dir,
		Env: []string{"VIRTUAL_ENV=" + r.VenvPath()},
	}
	if !quiet {
		opts.Stdout = r.opts.Stdout
		opts.Stderr = r.opts.Stderr
	}
	if log != nil {
		opts.Stdout = tee(opts.Stdout, log)
		opts.Stderr = tee(opts.Stderr, log)
	}
	return r.opts.Runner.Run(ctx, args, opts)
}

func tee(w, log io.Writer) io.Writer {
	if w == nil {
		return log
	}
	return io.MultiWriter(w, log)
}
