// Package scheduler runs a per-project action over a staged plan.
//
// Stages run one after the other. All projects of a stage run concurrently,
// bounded by a task pool, and the next stage starts only once every task of
// the current one settled. Per-project failures are recorded in the Report
// and never abort the run; only infrastructure errors (pool misuse,
// cancellation that does not complete) are returned as errors.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/charbonnierg/kapla-v2/internal/executor"
	"github.com/charbonnierg/kapla-v2/internal/graph"
	"github.com/charbonnierg/kapla-v2/internal/pool"
)

// DefaultCancelGrace is how long cancelled actions may take to stop.
const DefaultCancelGrace = 10 * time.Second

// Action runs the work for one project. A non-zero exit code in the returned
// result is a failure; errors are reserved for spawn failures and
// interruptions.
type Action func(ctx context.Context, project string) (*executor.Result, error)

// Policy decides what happens to remaining projects after a failure.
type Policy string

const (
	// BestEffort runs every project and aggregates failures.
	BestEffort Policy = "best-effort"
	// StopOnFailure skips every remaining stage after a stage with failures.
	StopOnFailure Policy = "stop-on-failure"
	// SkipDependents skips projects that depend on a failed project.
	SkipDependents Policy = "skip-dependents"
)

// Policies lists the accepted policy names.
var Policies = []Policy{BestEffort, StopOnFailure, SkipDependents}

// ParsePolicy converts a name into a Policy. Empty means BestEffort.
func ParsePolicy(name string) (Policy, error) {
	if name == "" {
		return BestEffort, nil
	}
	for _, p := range Policies {
		if string(p) == name {
			return p, nil
		}
	}
	valid := make([]string, len(Policies))
	for i, p := range Policies {
		valid[i] = string(p)
	}
	return "", fmt.Errorf("unknown policy %q (valid: %s)", name, strings.Join(valid, ", "))
}

// Options configures a Scheduler.
type Options struct {
	// Concurrency caps actions running at once (0 = unbounded)
	Concurrency int

	// Policy defaults to BestEffort
	Policy Policy

	// Timeout bounds the whole run (0 = no timeout)
	Timeout time.Duration

	// CancelGrace bounds how long cancelled actions may take to stop.
	// 0 uses DefaultCancelGrace, negative waits forever.
	CancelGrace time.Duration

	// Logger defaults to log.Default()
	Logger *log.Logger

	// Dependencies maps each project to its direct local dependencies.
	// Required by SkipDependents. Projects missing from the plan are
	// considered satisfied.
	Dependencies map[string][]string

	// Tracker receives status transitions. A new one is created when nil.
	Tracker *Tracker
}

// Scheduler executes staged plans.
type Scheduler struct {
	opts    Options
	logger  *log.Logger
	tracker *Tracker
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Policy == "" {
		opts.Policy = BestEffort
	}
	if opts.CancelGrace == 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.CancelGrace < 0 {
		opts.CancelGrace = pool.NoTimeout
	}
	if opts.Concurrency < 0 {
		opts.Concurrency = 0
	}
	s := &Scheduler{
		opts:    opts,
		logger:  opts.Logger,
		tracker: opts.Tracker,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.tracker == nil {
		s.tracker = NewTracker()
	}
	return s
}

// Tracker returns the status tracker fed by Run.
func (s *Scheduler) Tracker() *Tracker {
	return s.tracker
}

// Run executes action for every project of stages, stage by stage.
//
// The returned report always covers every project of the plan. The error is
// non-nil only when the run could not complete: cancellation, timeout or a
// pool failure. Check Report.OK for per-project failures.
func (s *Scheduler) Run(ctx context.Context, stages [][]string, action Action) (*Report, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	report := newReport(stages)
	defer func() { report.CompletedAt = time.Now() }()

	for i, stage := range stages {
		for _, project := range stage {
			s.transition(project, i, StatusPending, "")
		}
	}

	p := pool.New(pool.Options{MaxConcurrency: s.opts.Concurrency, Logger: s.logger})

	// project -> reason, filled after each stage under SkipDependents
	blocked := make(map[string]string)
	var deps *graph.Graph
	if s.opts.Policy == SkipDependents {
		deps = graph.New(s.opts.Dependencies)
	}

	stopped := false
	for i, stage := range stages {
		if ctx.Err() != nil {
			return report, s.interrupt(ctx, p, report)
		}

		s.logger.Info("Starting stage", "stage", i+1, "of", len(stages), "projects", strings.Join(stage, ", "))

		stageFailed := false
		for _, project := range stage {
			if reason := skipReason(project, blocked, stopped); reason != "" {
				report.record(Result{Project: project, Stage: i, Status: StatusSkipped, Reason: reason})
				s.transition(project, i, StatusSkipped, reason)
				s.logger.Warn("Skipping project", "project", project, "reason", reason)
				continue
			}

			_, err := p.CreateTaskWait(ctx, project, s.work(project, i, report, action), pool.NoTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return report, s.interrupt(ctx, p, report)
				}
				<-p.Close()
				return report, fmt.Errorf("failed to schedule project %s: %w", project, err)
			}
		}

		if _, _, err := p.Wait(ctx, pool.NoTimeout, pool.AllCompleted); err != nil {
			return report, s.interrupt(ctx, p, report)
		}

		for _, project := range stage {
			if report.status(project) != StatusFailed {
				continue
			}
			stageFailed = true
			if deps != nil {
				blockDependents(blocked, deps, project)
			}
		}
		if stageFailed && s.opts.Policy == StopOnFailure {
			stopped = true
		}
	}

	if err := p.Drain(ctx, pool.NoTimeout); err != nil {
		return report, fmt.Errorf("failed to drain task pool: %w", err)
	}

	stats := p.Stats()
	s.logger.Debug("Run finished", "created", stats.Created, "completed", stats.Completed, "failed", stats.Failed, "cancelled", stats.Cancelled)
	return report, nil
}

// work wraps action into a pool task recording the project result.
func (s *Scheduler) work(project string, stage int, report *Report, action Action) pool.Work {
	return func(ctx context.Context) error {
		res := Result{Project: project, Stage: stage, Status: StatusRunning, StartedAt: time.Now()}
		if !report.record(res) {
			return nil
		}
		s.transition(project, stage, StatusRunning, "")

		out, err := action(ctx, project)
		res.Output = out
		res.CompletedAt = time.Now()

		switch {
		case err != nil && ctx.Err() != nil:
			res.Status = StatusCancelled
			res.Err = err
		case err != nil:
			res.Status = StatusFailed
			res.Err = &ActionFailure{Project: project, ExitCode: exitCode(out), Err: err}
		case out != nil && out.ExitCode != 0:
			res.Status = StatusFailed
			res.Err = &ActionFailure{Project: project, ExitCode: out.ExitCode}
		default:
			res.Status = StatusSucceeded
		}

		if !report.record(res) {
			s.logger.Debug("Discarding late result", "project", project, "status", res.Status)
			return res.Err
		}
		message := ""
		if res.Err != nil {
			message = res.Err.Error()
		}
		s.transition(project, stage, res.Status, message)

		if res.Status == StatusFailed {
			s.logger.Error("Project failed", "project", project, "err", res.Err, "duration", res.Duration())
		} else {
			s.logger.Debug("Project finished", "project", project, "status", res.Status, "duration", res.Duration())
		}
		return res.Err
	}
}

func skipReason(project string, blocked map[string]string, stopped bool) string {
	if stopped {
		return "a previous stage failed"
	}
	return blocked[project]
}

// blockDependents marks every direct or transitive dependent of failed. The
// first failure reached wins.
func blockDependents(blocked map[string]string, deps *graph.Graph, failed string) {
	for _, dependent := range deps.Dependents(failed) {
		if _, ok := blocked[dependent]; !ok {
			blocked[dependent] = fmt.Sprintf("dependency %s failed", failed)
		}
	}
}

// interrupt cancels running actions, marks every unfinished project as
// cancelled and closes the pool.
func (s *Scheduler) interrupt(ctx context.Context, p *pool.Pool, report *Report) error {
	cause := fmt.Errorf("run interrupted: %w", ctx.Err())
	s.logger.Warn("Cancelling running projects", "reason", ctx.Err(), "grace", s.opts.CancelGrace)

	cancelErr := p.CancelWait(context.Background(), s.opts.CancelGrace)
	p.Close()

	for _, project := range report.markUnfinished(StatusCancelled, cause) {
		res, _ := report.Result(project)
		s.transition(project, res.Stage, StatusCancelled, cause.Error())
	}

	if cancelErr != nil {
		s.logger.Error("Projects did not stop after cancellation", "err", cancelErr)
		return errors.Join(cause, cancelErr)
	}
	return cause
}

func (s *Scheduler) transition(project string, stage int, to Status, message string) {
	if err := s.tracker.Transition(project, stage, to, message); err != nil {
		s.logger.Debug("Ignoring status change", "err", err)
	}
}

func exitCode(out *executor.Result) int {
	if out == nil {
		return -1
	}
	return out.ExitCode
}
