package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/charbonnierg/kapla-v2/internal/executor"
	"github.com/charbonnierg/kapla-v2/internal/repo"
	"github.com/charbonnierg/kapla-v2/internal/scheduler"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
}

// setupRepo creates a repository where app depends on lib.
func setupRepo(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pyproject.toml"), `[tool.poetry]
name = "mono"
version = "0.3.0"

[tool.repo.workspaces]
libs = ["libs"]
`)
	writeFile(t, filepath.Join(root, "libs", "lib", "project.yml"), "name: lib\n")
	writeFile(t, filepath.Join(root, "libs", "app", "project.yml"), "name: app\ndependencies: [lib, requests]\n")
	writeFile(t, filepath.Join(root, "libs", "tool", "project.yml"), "name: tool\n")
	return root
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("relies on the true and false unix commands")
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.0.0", "abc123", "2024-01-01")
	defer SetVersionInfo("dev", "none", "unknown")

	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.Contains(out, "kapla 1.0.0") || !strings.Contains(out, "abc123") {
		t.Errorf("version output = %q", out)
	}
}

func TestListCommand_JSON(t *testing.T) {
	root := setupRepo(t)

	out, err := runCLI(t, "list", "--repo", root, "-o", "json")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}

	var infos []projectInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}

	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	if want := []string{"lib", "tool", "app"}; !reflect.DeepEqual(names, want) {
		t.Errorf("projects = %v, want %v", names, want)
	}
	app := infos[2]
	if app.Version != "0.3.0" || app.Path != filepath.Join("libs", "app") {
		t.Errorf("app = %+v", app)
	}
	if !reflect.DeepEqual(app.Dependencies, []string{"lib"}) {
		t.Errorf("app dependencies = %v, want [lib]", app.Dependencies)
	}
}

func TestListCommand_Stages(t *testing.T) {
	root := setupRepo(t)

	out, err := runCLI(t, "list", "--repo", root, "--stages")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	want := "Stage 0: lib, tool\nStage 1: app\n"
	if out != want {
		t.Errorf("list --stages = %q, want %q", out, want)
	}
}

func TestGraphCommand(t *testing.T) {
	root := setupRepo(t)

	out, err := runCLI(t, "graph", "--repo", root, "--format", "mermaid")
	if err != nil {
		t.Fatalf("graph error: %v", err)
	}
	if !strings.HasPrefix(out, "graph TD") || !strings.Contains(out, "lib --> app") {
		t.Errorf("mermaid output = %q", out)
	}

	if _, err := runCLI(t, "graph", "--repo", root, "--format", "dot"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestInitCommand(t *testing.T) {
	root := setupRepo(t)

	out, err := runCLI(t, "init", "--repo", root)
	if err != nil {
		t.Fatalf("init error: %v", err)
	}
	if !strings.Contains(out, "Created") {
		t.Errorf("init output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(root, "kapla.yaml")); err != nil {
		t.Errorf("kapla.yaml not created: %v", err)
	}
	gitignore, _ := os.ReadFile(filepath.Join(root, ".gitignore"))
	if !strings.Contains(string(gitignore), "# kapla") {
		t.Errorf(".gitignore = %q", gitignore)
	}

	out, err = runCLI(t, "init", "--repo", root)
	if err != nil {
		t.Fatalf("second init error: %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("second init should skip, got %q", out)
	}
}

func TestInstallCommand(t *testing.T) {
	skipOnWindows(t)
	root := setupRepo(t)
	t.Setenv("KAPLA_PYTHON_BIN", "true")

	out, err := runCLI(t, "install", "--repo", root, "--include", "app", "--quiet")
	if err != nil {
		t.Fatalf("install error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 succeeded") {
		t.Errorf("summary = %q, want 2 succeeded", out)
	}
	if strings.Contains(out, "tool") {
		t.Error("tool is not a dependency of app and should not be installed")
	}
	if _, err := os.Stat(filepath.Join(root, "libs", "app", "pyproject.toml")); err != nil {
		t.Errorf("pyproject of app not generated: %v", err)
	}
}

func TestInstallCommand_Failure(t *testing.T) {
	skipOnWindows(t)
	root := setupRepo(t)
	t.Setenv("KAPLA_PYTHON_BIN", "false")

	out, err := runCLI(t, "install", "--repo", root, "--policy", "skip-dependents", "--quiet")
	if !errors.Is(err, scheduler.ErrActionFailed) {
		t.Fatalf("install error = %v, want ErrActionFailed\n%s", err, out)
	}
	if !strings.Contains(out, "2 failed") || !strings.Contains(out, "1 skipped") {
		t.Errorf("summary = %q, want 2 failed and 1 skipped", out)
	}
	if !strings.Contains(out, "Logs of failed projects:") {
		t.Errorf("summary should list the logs of failed projects, got %q", out)
	}

	out, err = runCLI(t, "logs", "lib", "--repo", root, "--verb", "install", "--path")
	if err != nil {
		t.Fatalf("logs error: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(strings.TrimSpace(out)), "install-lib-") {
		t.Errorf("logs --path = %q", out)
	}

	if _, err := runCLI(t, "logs", "app", "--repo", root); err == nil {
		t.Error("skipped project has no log and should fail")
	}
}

func TestInstallCommand_SkipDependentsExcluded(t *testing.T) {
	skipOnWindows(t)
	root := setupRepo(t)
	t.Setenv("KAPLA_PYTHON_BIN", "true")

	out, err := runCLI(t, "install", "--repo", root, "--policy", "skip-dependents", "--exclude", "lib", "--quiet")
	if err != nil {
		t.Fatalf("install error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 succeeded") {
		t.Errorf("summary = %q, want app and tool to succeed", out)
	}
}

func TestRepairCommand_Check(t *testing.T) {
	root := setupRepo(t)

	out, err := runCLI(t, "repair", "--repo", root, "--check")
	if err == nil {
		t.Fatal("repair --check should fail when groups are out of sync")
	}
	if !strings.Contains(out, "app") || !strings.Contains(out, "requests") {
		t.Errorf("drift output = %q, want app missing requests", out)
	}
}

func TestRunCommand(t *testing.T) {
	skipOnWindows(t)
	root := setupRepo(t)

	if out, err := runCLI(t, "run", "--repo", root, "--project", "lib", "true"); err != nil {
		t.Fatalf("run error: %v\n%s", err, out)
	}
	if _, err := runCLI(t, "run", "--repo", root, "false"); !errors.Is(err, repo.ErrCommandFailed) {
		t.Errorf("run error = %v, want ErrCommandFailed", err)
	}
	if _, err := runCLI(t, "run", "--repo", root, "--project", "missing", "true"); err == nil {
		t.Error("run in an unknown project should fail")
	}
}

func TestVenvCommand_ConfiguredInterpreter(t *testing.T) {
	root := setupRepo(t)
	t.Setenv("KAPLA_PYTHON_BIN", "true")

	if out, err := runCLI(t, "venv", "ensure", "--repo", root); err != nil {
		t.Fatalf("venv ensure error: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(root, ".venv")); !os.IsNotExist(err) {
		t.Error("no environment should be created when an interpreter is configured")
	}
}

func TestCleanCommand(t *testing.T) {
	root := setupRepo(t)
	writeFile(t, filepath.Join(root, "libs", "lib", "pyproject.toml"), "[tool.poetry]\n")
	writeFile(t, filepath.Join(root, "dist", "lib-0.1.0.whl"), "")

	out, err := runCLI(t, "clean", "--repo", root, "--dry-run")
	if err != nil {
		t.Fatalf("clean --dry-run error: %v", err)
	}
	if !strings.Contains(out, filepath.Join("libs", "lib", "pyproject.toml")) {
		t.Errorf("clean --dry-run = %q, want the generated pyproject listed", out)
	}

	if _, err := runCLI(t, "clean", "--repo", root); err != nil {
		t.Fatalf("clean error: %v", err)
	}
	for _, rel := range []string{"dist", filepath.Join("libs", "lib", "pyproject.toml")} {
		if _, err := os.Stat(filepath.Join(root, rel)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", rel)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "pyproject.toml")); err != nil {
		t.Errorf("root pyproject must be kept: %v", err)
	}
}

func TestLogTransition_Progress(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf)
	tracker := scheduler.NewTracker()
	tracker.AddListener(logTransition(logger, tracker))

	for _, project := range []string{"a", "b"} {
		tracker.Transition(project, 0, scheduler.StatusPending, "")
	}
	tracker.Transition("a", 0, scheduler.StatusRunning, "")
	tracker.Transition("a", 0, scheduler.StatusSucceeded, "")

	if !strings.Contains(buf.String(), "done=1/2") {
		t.Errorf("log = %q, want done=1/2", buf.String())
	}

	tracker.Transition("b", 0, scheduler.StatusSkipped, "dependency a failed")
	if !strings.Contains(buf.String(), "done=2/2") {
		t.Errorf("log = %q, want done=2/2", buf.String())
	}
}

func TestPrintSummary(t *testing.T) {
	s := scheduler.New(scheduler.Options{
		Policy:       scheduler.SkipDependents,
		Dependencies: map[string][]string{"a": nil, "b": {"a"}},
	})
	report, err := s.Run(context.Background(), [][]string{{"a"}, {"b"}},
		func(ctx context.Context, project string) (*executor.Result, error) {
			return &executor.Result{Command: []string{"build", project}, ExitCode: 1}, nil
		})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var buf bytes.Buffer
	printSummary(&buf, "build", report)
	out := buf.String()

	for _, want := range []string{"PROJECT", "failed", "skipped", "build: 1 failed, 1 skipped"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "-"},
		{1234567 * time.Nanosecond, "1ms"},
		{1234567890 * time.Nanosecond, "1.2s"},
		{95 * time.Second, "1m35s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
