package scheduler

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Status is the lifecycle state of one project within a run.
type Status string

const (
	// StatusPending - Waiting for its stage
	StatusPending Status = "pending"
	// StatusRunning - Action in progress
	StatusRunning Status = "running"
	// StatusSucceeded - Action returned a zero exit code
	StatusSucceeded Status = "succeeded"
	// StatusFailed - Action errored or exited non-zero
	StatusFailed Status = "failed"
	// StatusSkipped - Not attempted because of the failure policy
	StatusSkipped Status = "skipped"
	// StatusCancelled - Interrupted or never started because the run was cancelled
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// next lists the statuses reachable from s.
func (s Status) next() []Status {
	switch s {
	case StatusPending:
		return []Status{StatusRunning, StatusSkipped, StatusCancelled}
	case StatusRunning:
		return []Status{StatusSucceeded, StatusFailed, StatusCancelled}
	default:
		return nil
	}
}

func (s Status) known() bool {
	return s == StatusPending || s == StatusRunning || s.IsTerminal()
}

// checkTransition accepts any first status, then only the edges of next.
func checkTransition(from, to Status) error {
	if from == "" {
		return nil
	}
	if !from.known() {
		return fmt.Errorf("unknown status: %s", from)
	}
	if !slices.Contains(from.next(), to) {
		return fmt.Errorf("invalid transition: %s → %s", from, to)
	}
	return nil
}

// StatusChange is one accepted transition of a project.
type StatusChange struct {
	Project   string
	Stage     int
	From      Status
	To        Status
	Timestamp time.Time
	Message   string
}

// StatusListener receives status change notifications.
type StatusListener func(change StatusChange)

// Tracker records project status transitions during a run and notifies
// listeners, e.g. to print progress lines.
type Tracker struct {
	mu        sync.RWMutex
	history   map[string][]StatusChange
	listeners []StatusListener
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		history: make(map[string][]StatusChange),
	}
}

// Transition moves project from its current status to to.
// Returns an error if the transition is invalid.
func (t *Tracker) Transition(project string, stage int, to Status, message string) error {
	t.mu.Lock()
	from := t.currentLocked(project)
	if err := checkTransition(from, to); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("project %s: %w", project, err)
	}

	change := StatusChange{
		Project:   project,
		Stage:     stage,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Message:   message,
	}
	t.history[project] = append(t.history[project], change)
	listeners := t.listeners
	t.mu.Unlock()

	for _, listener := range listeners {
		notify(listener, change)
	}
	return nil
}

// notify calls listener, swallowing its panic so a faulty listener cannot
// abort the run.
func notify(listener StatusListener, change StatusChange) {
	defer func() { _ = recover() }()
	listener(change)
}

func (t *Tracker) currentLocked(project string) Status {
	history := t.history[project]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].To
}

// AddListener registers a callback run after every accepted transition.
func (t *Tracker) AddListener(listener StatusListener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listeners = append(t.listeners, listener)
}

// Counts returns how many projects are currently in each status.
func (t *Tracker) Counts() map[Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[Status]int)
	for project := range t.history {
		counts[t.currentLocked(project)]++
	}
	return counts
}

// Durations returns how long project spent in each status.
func (t *Tracker) Durations(project string) map[Status]time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	history := t.history[project]
	out := make(map[Status]time.Duration)
	for i, change := range history {
		if change.To.IsTerminal() {
			continue
		}
		end := time.Now()
		if i+1 < len(history) {
			end = history[i+1].Timestamp
		}
		out[change.To] += end.Sub(change.Timestamp)
	}
	return out
}

// Len returns the number of tracked projects.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.history)
}
