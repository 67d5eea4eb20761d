// Package pool provides a concurrency-bounded task pool.
//
// A Pool caps how many tasks may run at the same time and records how every
// task ended: completed, failed or cancelled. It supports coordinated
// shutdown:
//
//   - Drain stops accepting work, waits for running tasks up to a timeout and
//     then cancels whatever is left.
//   - Close cancels everything immediately. Calling it again returns the same
//     completion signal.
//
// A pool moves through Open -> Draining -> Closed and never goes back. Work
// failures are recorded but never propagated: callers read Task.Err.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// NoTimeout makes a waiting operation block until its condition holds or its
// context ends.
const NoTimeout time.Duration = -1

var (
	// ErrPoolFull indicates that every concurrency slot is taken.
	ErrPoolFull = errors.New("task pool is full")

	// ErrPoolClosed indicates that the pool no longer accepts tasks.
	ErrPoolClosed = errors.New("task pool is closed")

	// ErrPoolDraining indicates that the pool is shutting down. It matches
	// ErrPoolClosed with errors.Is, the reverse does not hold.
	ErrPoolDraining = fmt.Errorf("%w: draining in progress", ErrPoolClosed)

	// ErrTaskExists indicates that a live task already uses the requested name.
	ErrTaskExists = errors.New("task already exists")

	// ErrCancelledTimeout matches every *CancelledTimeoutError.
	ErrCancelledTimeout = errors.New("cancelled tasks did not finish before timeout")
)

// CancelledTimeoutError reports tasks that were asked to stop but were still
// running when the timeout elapsed. Treat it as a potential resource leak.
type CancelledTimeoutError struct {
	Pending []string
	Timeout time.Duration
}

func (e *CancelledTimeoutError) Error() string {
	return fmt.Sprintf("tasks were cancelled but %d did not finish before timeout (timeout=%s): %s",
		len(e.Pending), e.Timeout, strings.Join(e.Pending, ", "))
}

// Is makes errors.Is(err, ErrCancelledTimeout) hold.
func (e *CancelledTimeoutError) Is(target error) bool {
	return target == ErrCancelledTimeout
}

// State is the lifecycle state of a pool.
type State int

const (
	// StateOpen accepts new tasks.
	StateOpen State = iota
	// StateDraining rejects new tasks while running ones finish.
	StateDraining
	// StateClosed rejects new tasks and has no running task left.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// WaitPolicy selects the condition Wait blocks on.
type WaitPolicy int

const (
	// AllCompleted waits until every observed task finished.
	AllCompleted WaitPolicy = iota
	// FirstCompleted waits until at least one observed task finished.
	FirstCompleted
)

// Stats is a snapshot of the pool counters.
// Once no task is pending, Created == Completed + Failed + Cancelled.
type Stats struct {
	Created   int
	Completed int
	Cancelled int
	Failed    int
	Pending   int
}

// Options configures a Pool.
type Options struct {
	// MaxConcurrency caps running tasks. Values <= 0 mean unbounded.
	MaxConcurrency int

	// Logger receives debug lines about task lifecycle. Defaults to log.Default().
	Logger *log.Logger
}

// Pool runs tasks under a concurrency limit.
type Pool struct {
	maxConcurrency int
	sem            *semaphore.Weighted
	logger         *log.Logger

	mu       sync.Mutex
	tasks    map[string]*Task
	stats    Stats
	state    State
	finished chan struct{} // closed and replaced each time a task finishes

	shutdownOnce sync.Once
	closeOnce    sync.Once
	closed       chan struct{}
}

// New creates an open pool.
func New(opts Options) *Pool {
	p := &Pool{
		maxConcurrency: opts.MaxConcurrency,
		logger:         opts.Logger,
		tasks:          make(map[string]*Task),
		finished:       make(chan struct{}),
		closed:         make(chan struct{}),
	}
	if p.maxConcurrency < 0 {
		p.maxConcurrency = 0
	}
	if p.maxConcurrency > 0 {
		p.sem = semaphore.NewWeighted(int64(p.maxConcurrency))
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	return p
}

// MaxConcurrency returns the configured limit, 0 when unbounded.
func (p *Pool) MaxConcurrency() int {
	return p.maxConcurrency
}

// CreateTask starts work in a new task without waiting for a slot.
// An empty name is replaced by a generated one.
func (p *Pool) CreateTask(ctx context.Context, name string, work Work) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpenLocked(); err != nil {
		return nil, fmt.Errorf("cannot create task: %w", err)
	}
	if p.sem != nil && !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: concurrency limit reached (limit=%d)", ErrPoolFull, p.maxConcurrency)
	}
	t, err := p.startLocked(ctx, name, work)
	if err != nil {
		p.releaseSlot()
		return nil, err
	}
	return t, nil
}

// CreateTaskWait starts work in a new task, waiting up to timeout for a free
// slot. When no slot frees in time it fails with ErrPoolFull.
func (p *Pool) CreateTaskWait(ctx context.Context, name string, work Work, timeout time.Duration) (*Task, error) {
	t, err := p.CreateTask(ctx, name, work)
	if !errors.Is(err, ErrPoolFull) {
		return t, err
	}

	waitCtx, cancel := contextWithTimeout(ctx, timeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no slot freed within %s (limit=%d)", ErrPoolFull, timeout, p.maxConcurrency)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkOpenLocked(); err != nil {
		p.releaseSlot()
		return nil, fmt.Errorf("cannot create task: %w", err)
	}
	t, err = p.startLocked(ctx, name, work)
	if err != nil {
		p.releaseSlot()
		return nil, err
	}
	return t, nil
}

// CancelTask asks one task to stop. The returned channel closes once the
// task finished. Unknown names yield an already closed channel.
func (p *Pool) CancelTask(name string) <-chan struct{} {
	p.mu.Lock()
	t, ok := p.tasks[name]
	p.mu.Unlock()

	if !ok {
		return closedChan()
	}
	t.cancel()
	return t.done
}

// Cancel asks every live task to stop. The returned channel closes once all
// of them finished.
func (p *Pool) Cancel() <-chan struct{} {
	tasks := p.snapshot()
	if len(tasks) == 0 {
		return closedChan()
	}
	for _, t := range tasks {
		t.cancel()
	}
	return allDone(tasks)
}

// CancelWait cancels every live task and waits up to timeout for them to
// finish. Tasks still running afterwards are reported in a
// *CancelledTimeoutError.
func (p *Pool) CancelWait(ctx context.Context, timeout time.Duration) error {
	tasks := p.snapshot()
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		t.cancel()
	}

	finished, err := p.waitTasks(ctx, tasks, timeout, AllCompleted)
	if err != nil {
		return err
	}
	if !finished {
		return &CancelledTimeoutError{Pending: names(unfinished(tasks)), Timeout: timeout}
	}
	return nil
}

// Drain stops accepting tasks and waits up to timeout for running tasks to
// finish. Tasks still running afterwards are cancelled and awaited without
// timeout. The pool is closed when Drain returns, whatever happened.
func (p *Pool) Drain(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if err := p.checkOpenLocked(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("cannot drain task pool: %w", err)
	}
	p.state = StateDraining
	tasks := p.snapshotLocked()
	p.mu.Unlock()

	defer p.markClosed()

	if len(tasks) == 0 {
		return nil
	}

	finished, err := p.waitTasks(ctx, tasks, timeout, AllCompleted)
	if finished {
		return nil
	}

	pending := unfinished(tasks)
	p.logger.Debug("Cancelling tasks still running after drain timeout", "pending", len(pending), "timeout", timeout)
	for _, t := range pending {
		t.cancel()
	}
	<-allDone(pending)
	return err
}

// Close cancels every task and closes the pool once they finished. It is
// idempotent: every call returns the same channel, closed when the pool is.
func (p *Pool) Close() <-chan struct{} {
	if p.State() == StateClosed {
		return p.closed
	}
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		if p.state == StateOpen {
			p.state = StateDraining
		}
		p.mu.Unlock()

		cancelled := p.Cancel()
		go func() {
			<-cancelled
			p.markClosed()
		}()
	})
	return p.closed
}

// CloseWait closes the pool and waits until it is closed.
func (p *Pool) CloseWait(ctx context.Context) error {
	select {
	case <-p.Close():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join waits until the pool is closed without changing its state.
func (p *Pool) Join(ctx context.Context) error {
	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait observes the tasks live at call time until policy is satisfied,
// timeout elapses or ctx ends. It neither cancels nor closes anything.
func (p *Pool) Wait(ctx context.Context, timeout time.Duration, policy WaitPolicy) (done, pending []*Task, err error) {
	tasks := p.snapshot()
	if len(tasks) == 0 {
		return nil, nil, nil
	}
	_, err = p.waitTasks(ctx, tasks, timeout, policy)
	for _, t := range tasks {
		if t.finished() {
			done = append(done, t)
		} else {
			pending = append(pending, t)
		}
	}
	return done, pending, err
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Pending = len(p.tasks)
	return s
}

// State returns the lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Names returns the sorted names of live tasks.
func (p *Pool) Names() []string {
	return names(p.snapshot())
}

func (p *Pool) checkOpenLocked() error {
	switch p.state {
	case StateClosed:
		return ErrPoolClosed
	case StateDraining:
		return ErrPoolDraining
	default:
		return nil
	}
}

// startLocked registers and launches a task. The caller holds p.mu and a slot.
func (p *Pool) startLocked(ctx context.Context, name string, work Work) (*Task, error) {
	if name == "" {
		name = p.generateNameLocked()
	} else if _, exists := p.tasks[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, name)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:   name,
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.tasks[name] = t
	p.stats.Created++

	go p.run(t, work)
	return t, nil
}

func (p *Pool) generateNameLocked() string {
	for {
		name := "task-" + uuid.NewString()
		if _, exists := p.tasks[name]; !exists {
			return name
		}
	}
}

func (p *Pool) run(t *Task, work Work) {
	err := safeCall(t.ctx, work)
	p.finish(t, err)
}

// finish deregisters t, updates counters and frees its slot before t.done
// closes, so observers of t.done always see consistent stats.
func (p *Pool) finish(t *Task, err error) {
	outcome := classify(t.ctx, err)

	p.mu.Lock()
	delete(p.tasks, t.name)
	switch outcome {
	case OutcomeCompleted:
		p.stats.Completed++
	case OutcomeCancelled:
		p.stats.Cancelled++
	default:
		p.stats.Failed++
	}
	p.releaseSlot()
	t.err = err
	t.outcome = outcome
	close(t.done)
	close(p.finished)
	p.finished = make(chan struct{})
	p.mu.Unlock()

	t.cancel()
	p.logger.Debug("Task finished", "task", t.name, "outcome", outcome)
}

func (p *Pool) releaseSlot() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

func (p *Pool) markClosed() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.mu.Unlock()
		close(p.closed)
	})
}

// waitTasks blocks until policy holds for tasks. It reports false when the
// timeout elapsed first.
func (p *Pool) waitTasks(ctx context.Context, tasks []*Task, timeout time.Duration, policy WaitPolicy) (bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		ready := satisfied(tasks, policy)
		signal := p.finished
		p.mu.Unlock()

		if ready {
			return true, nil
		}
		if timeout == 0 {
			return false, nil
		}

		select {
		case <-signal:
		case <-expired:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (p *Pool) snapshot() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() []*Task {
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].name < tasks[j].name
	})
	return tasks
}

func satisfied(tasks []*Task, policy WaitPolicy) bool {
	for _, t := range tasks {
		done := t.finished()
		if policy == FirstCompleted && done {
			return true
		}
		if policy == AllCompleted && !done {
			return false
		}
	}
	return policy == AllCompleted
}

func unfinished(tasks []*Task) []*Task {
	var pending []*Task
	for _, t := range tasks {
		if !t.finished() {
			pending = append(pending, t)
		}
	}
	return pending
}

func names(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.name)
	}
	sort.Strings(out)
	return out
}

func allDone(tasks []*Task) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for _, t := range tasks {
			<-t.done
		}
		close(ch)
	}()
	return ch
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func contextWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
