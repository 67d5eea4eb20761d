package pool

import (
	"context"
	"errors"
	"fmt"
)

// Work is a unit of work run by a pool. It must return once ctx is done.
type Work func(ctx context.Context) error

// Outcome describes how a task ended.
type Outcome string

const (
	// OutcomePending is reported while the task is running.
	OutcomePending Outcome = "pending"
	// OutcomeCompleted means the work returned nil.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the work returned an error or panicked.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the work stopped because its context ended.
	OutcomeCancelled Outcome = "cancelled"
)

// Task is a handle on work submitted to a pool.
type Task struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Written once, before done is closed.
	err     error
	outcome Outcome
}

// Name returns the name the task is registered under.
func (t *Task) Name() string {
	return t.name
}

// Done returns a channel closed when the task finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the error returned by the work, nil while running.
func (t *Task) Err() error {
	if !t.finished() {
		return nil
	}
	return t.err
}

// Outcome returns how the task ended, OutcomePending while running.
func (t *Task) Outcome() Outcome {
	if !t.finished() {
		return OutcomePending
	}
	return t.outcome
}

// Cancel asks the task to stop. It does not wait.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task finished and returns its error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// classify must run before the task context is released.
func classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

func safeCall(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return work(ctx)
}
