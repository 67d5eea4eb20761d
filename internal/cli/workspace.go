package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/charbonnierg/kapla-v2/internal/config"
	"github.com/charbonnierg/kapla-v2/internal/executor"
	"github.com/charbonnierg/kapla-v2/internal/repo"
	"github.com/charbonnierg/kapla-v2/internal/runlog"
	"github.com/charbonnierg/kapla-v2/internal/scheduler"
)

// workspace bundles what a command needs: the merged configuration and the
// loaded repository.
type workspace struct {
	cfg    *config.Config
	repo   *repo.Repo
	logger *log.Logger
}

// loadWorkspace finds the repository from --repo, loads its configuration
// with the given overrides and loads the repository itself.
func loadWorkspace(cmd *cobra.Command, g *globalFlags, overrides map[string]interface{}) (*workspace, error) {
	logger := loggerFromContext(cmd.Context())

	root, err := repo.FindRoot(g.repo)
	if err != nil {
		return nil, err
	}

	loader := config.NewLoader()
	loader.SetProjectDir(root)
	for key, value := range overrides {
		loader.SetOverride(key, value)
	}

	var cfg *config.Config
	if g.config != "" {
		cfg, err = loader.LoadFromPath(g.config)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	r, err := repo.Load(root, repo.Options{
		VenvDir:   cfg.Python.Venv,
		PythonBin: cfg.Python.Bin,
		PoetryBin: cfg.Poetry.Bin,
		Runner:    executor.New(logger, cfg.CancelGrace),
		Logger:    logger,
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Loaded workspace", "root", root, "concurrency", cfg.Concurrency, "policy", cfg.Policy)
	return &workspace{cfg: cfg, repo: r, logger: logger}, nil
}

// selection holds the project filter flags shared by commands.
type selection struct {
	include    []string
	exclude    []string
	workspaces []string
}

func (s *selection) bind(flags *pflag.FlagSet) {
	flags.StringSliceVarP(&s.include, "include", "i", nil, "Projects to process, with their local dependencies (default: all)")
	flags.StringSliceVarP(&s.exclude, "exclude", "e", nil, "Projects to leave out")
	flags.StringSliceVarP(&s.workspaces, "workspace", "w", nil, "Only process projects of these workspaces")
}

func (s *selection) filter() repo.Filter {
	return repo.Filter{Include: s.include, Exclude: s.exclude, Workspaces: s.workspaces}
}

// runFlags holds the execution flags shared by install and build.
type runFlags struct {
	selection
	concurrency int
	timeout     time.Duration
	policy      string
	quiet       bool
}

func (f *runFlags) bind(flags *pflag.FlagSet) {
	f.selection.bind(flags)
	flags.IntVarP(&f.concurrency, "concurrency", "j", 0, "Maximum projects processed at once (default from config)")
	flags.DurationVar(&f.timeout, "timeout", 0, "Abort the run after this duration (default from config)")
	flags.StringVar(&f.policy, "policy", "", "What to do after a failure: best-effort, stop-on-failure, skip-dependents")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "Do not stream command output")
}

// overrides returns the config overrides of the flags explicitly set.
func (f *runFlags) overrides(cmd *cobra.Command, concurrencyKey string) map[string]interface{} {
	out := make(map[string]interface{})
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		out[concurrencyKey] = f.concurrency
	}
	if flags.Changed("timeout") {
		out["timeout"] = f.timeout
	}
	if flags.Changed("policy") {
		out["policy"] = f.policy
	}
	if flags.Changed("quiet") {
		out["quiet"] = f.quiet
	}
	return out
}

// projectAction runs the command of one project. out, when not nil,
// receives a copy of the command output.
type projectAction func(ctx context.Context, project string, out io.Writer) (*executor.Result, error)

// runStaged runs action over the stages of the selected projects and prints
// the summary. It returns an error when the run was interrupted or any
// project failed.
func (ws *workspace) runStaged(cmd *cobra.Command, sel selection, concurrency int, verb string, action projectAction) error {
	plan, err := ws.repo.Plan(sel.filter())
	if err != nil {
		return err
	}
	stages := plan.Stages
	if len(stages) == 0 {
		ws.logger.Warn("No project selected")
		return nil
	}

	policy, err := scheduler.ParsePolicy(ws.cfg.Policy)
	if err != nil {
		return err
	}

	tracker := scheduler.NewTracker()
	tracker.AddListener(logTransition(ws.logger, tracker))

	s := scheduler.New(scheduler.Options{
		Concurrency:  concurrency,
		Policy:       policy,
		Timeout:      ws.cfg.Timeout,
		CancelGrace:  ws.cfg.CancelGrace,
		Logger:       ws.logger,
		Dependencies: plan.Dependencies,
		Tracker:      tracker,
	})

	logs := ws.openLogs()
	var (
		mu    sync.Mutex
		paths = make(map[string]string)
	)
	run := func(ctx context.Context, project string) (*executor.Result, error) {
		if logs == nil {
			return action(ctx, project, nil)
		}
		f, rel, err := logs.Create(verb, project)
		if err != nil {
			ws.logger.Warn("Command output not logged", "project", project, "error", err)
			return action(ctx, project, nil)
		}
		defer f.Close()

		mu.Lock()
		paths[project] = rel
		mu.Unlock()
		return action(ctx, project, f)
	}

	prog := newProgress(ws.logger)
	report, runErr := s.Run(cmd.Context(), stages, run)
	if report != nil {
		printSummary(cmd.OutOrStdout(), verb, report)
		mu.Lock()
		printFailedLogs(cmd.OutOrStdout(), report, paths)
		mu.Unlock()
		prog.done(fmt.Sprintf("%s %d projects in %d stages", verb, len(report.Results()), len(stages)))
		logTimings(ws.logger, report, tracker)
	}
	if runErr != nil {
		return runErr
	}
	return report.Err()
}

// openLogs returns the log writer of the run, or nil when logs are disabled
// or unavailable. Expired logs are removed first.
func (ws *workspace) openLogs() *runlog.Writer {
	if !ws.cfg.Logs.Enabled {
		return nil
	}
	w, err := runlog.New(ws.repo.Root(), ws.cfg.Logs.Dir)
	if err != nil {
		ws.logger.Warn("Command logs disabled", "error", err)
		return nil
	}
	if ws.cfg.Logs.Retention > 0 {
		n, err := w.Clean(ws.cfg.Logs.Retention)
		if err != nil {
			ws.logger.Warn("Failed to remove old logs", "error", err)
		}
		if n > 0 {
			ws.logger.Debug("Removed old logs", "count", n)
		}
	}
	return w
}

// printFailedLogs lists the log file of every failed project.
func printFailedLogs(w io.Writer, report *scheduler.Report, paths map[string]string) {
	var lines []string
	for _, project := range report.Failed() {
		if path, ok := paths[project]; ok {
			lines = append(lines, fmt.Sprintf("  %s: %s", project, path))
		}
	}
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, "\nLogs of failed projects:")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// logTransition logs the start and the outcome of each project, with the
// number of settled projects so far.
func logTransition(logger *log.Logger, tracker *scheduler.Tracker) scheduler.StatusListener {
	return func(change scheduler.StatusChange) {
		if change.To == scheduler.StatusRunning {
			logger.Info("Started", "project", change.Project, "stage", change.Stage)
			return
		}
		if !change.To.IsTerminal() {
			return
		}

		done := fmt.Sprintf("%d/%d", settled(tracker.Counts()), tracker.Len())
		switch change.To {
		case scheduler.StatusSucceeded:
			logger.Info("Succeeded", "project", change.Project, "done", done)
		case scheduler.StatusFailed:
			logger.Error("Failed", "project", change.Project, "reason", change.Message, "done", done)
		case scheduler.StatusSkipped:
			logger.Warn("Skipped", "project", change.Project, "reason", change.Message, "done", done)
		case scheduler.StatusCancelled:
			logger.Warn("Cancelled", "project", change.Project, "done", done)
		}
	}
}

func settled(counts map[scheduler.Status]int) int {
	n := 0
	for status, count := range counts {
		if status.IsTerminal() {
			n += count
		}
	}
	return n
}

// logTimings logs, at debug level, how long each project waited for its
// stage and how long it ran.
func logTimings(logger *log.Logger, report *scheduler.Report, tracker *scheduler.Tracker) {
	for _, res := range report.Results() {
		d := tracker.Durations(res.Project)
		logger.Debug("Timings", "project", res.Project,
			"waited", formatDuration(d[scheduler.StatusPending]),
			"ran", formatDuration(d[scheduler.StatusRunning]))
	}
}
