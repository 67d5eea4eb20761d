package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charbonnierg/kapla-v2/internal/executor"
)

// ErrActionFailed matches every *ActionFailure.
var ErrActionFailed = errors.New("action failed")

// ActionFailure is the per-project failure of an action: either the action
// returned an error or its command exited with a non-zero code.
type ActionFailure struct {
	Project  string
	ExitCode int
	Err      error
}

func (e *ActionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Project, e.Err)
	}
	return fmt.Sprintf("%s: command exited with code %d", e.Project, e.ExitCode)
}

func (e *ActionFailure) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrActionFailed) hold.
func (e *ActionFailure) Is(target error) bool {
	return target == ErrActionFailed
}

// Result is the outcome of one project within a run.
type Result struct {
	Project string
	Stage   int
	Status  Status

	// Output is the command result returned by the action, if any
	Output *executor.Result

	// Err is an *ActionFailure for failed projects, the interruption cause
	// for cancelled ones
	Err error

	// Reason explains why a project was skipped
	Reason string

	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns how long the action ran, 0 if it never started.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Report aggregates the results of a run in plan order.
type Report struct {
	Stages      [][]string
	StartedAt   time.Time
	CompletedAt time.Time

	mu      sync.Mutex
	order   []string
	results map[string]*Result
}

func newReport(stages [][]string) *Report {
	r := &Report{
		Stages:    stages,
		StartedAt: time.Now(),
		results:   make(map[string]*Result),
	}
	for i, stage := range stages {
		for _, project := range stage {
			r.order = append(r.order, project)
			r.results[project] = &Result{Project: project, Stage: i, Status: StatusPending}
		}
	}
	return r
}

// record stores res unless the project is outside the plan or already has a
// terminal result. Returns whether res was stored.
func (r *Report) record(res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.results[res.Project]
	if !ok || current.Status.IsTerminal() {
		return false
	}
	*current = res
	return true
}

// status returns "" for projects outside the plan.
func (r *Report) status(project string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.results[project]
	if !ok {
		return ""
	}
	return res.Status
}

// markUnfinished sets every pending or running project to status and
// returns their names.
func (r *Report) markUnfinished(status Status, cause error) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var marked []string
	for _, project := range r.order {
		res := r.results[project]
		if res.Status.IsTerminal() {
			continue
		}
		if res.Status == StatusRunning {
			res.CompletedAt = now
		}
		res.Status = status
		res.Err = cause
		marked = append(marked, project)
	}
	return marked
}

// Results returns every result in plan order.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Result, 0, len(r.order))
	for _, project := range r.order {
		out = append(out, *r.results[project])
	}
	return out
}

// Result returns the result of project.
func (r *Report) Result(project string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.results[project]
	if !ok {
		return Result{}, false
	}
	return *res, true
}

// Failed returns the projects whose action failed, in plan order.
func (r *Report) Failed() []string {
	return r.ByStatus()[StatusFailed]
}

// ByStatus groups project names by status, in plan order.
func (r *Report) ByStatus() map[Status][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Status][]string)
	for _, project := range r.order {
		status := r.results[project].Status
		out[status] = append(out[status], project)
	}
	return out
}

// OK reports whether every project succeeded.
func (r *Report) OK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range r.results {
		if res.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// Err joins the errors of every failed project, nil when none failed.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, project := range r.order {
		res := r.results[project]
		if res.Status == StatusFailed && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
