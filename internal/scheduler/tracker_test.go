package scheduler

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

// current returns the latest status of project, empty when untracked.
func (t *Tracker) current(project string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentLocked(project)
}

func (t *Tracker) changes(project string) []StatusChange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.history[project])
}

func TestTracker_Transition(t *testing.T) {
	tracker := NewTracker()

	if err := tracker.Transition("api", 0, StatusPending, ""); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if err := tracker.Transition("api", 0, StatusRunning, ""); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	history := tracker.changes("api")
	if len(history) != 2 {
		t.Fatalf("History length = %d, want 2", len(history))
	}
	if history[1].From != StatusPending || history[1].To != StatusRunning {
		t.Errorf("Change = %v → %v, want pending → running", history[1].From, history[1].To)
	}
	if tracker.current("api") != StatusRunning {
		t.Errorf("current() = %s, want running", tracker.current("api"))
	}
}

func TestTracker_InvalidTransition(t *testing.T) {
	tracker := NewTracker()
	tracker.Transition("api", 0, StatusPending, "")

	// Can't succeed without running
	if err := tracker.Transition("api", 0, StatusSucceeded, ""); err == nil {
		t.Error("Should reject invalid transition pending → succeeded")
	}
	if tracker.current("api") != StatusPending {
		t.Errorf("current() = %s, rejected transition must not be recorded", tracker.current("api"))
	}
}

func TestTracker_ListenerPanicRecovery(t *testing.T) {
	tracker := NewTracker()

	tracker.AddListener(func(change StatusChange) {
		panic("test panic")
	})

	if err := tracker.Transition("api", 0, StatusPending, ""); err != nil {
		t.Errorf("Transition() should not error: %v", err)
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from  Status
		to    Status
		valid bool
	}{
		{"", StatusPending, true},
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusSkipped, false},
		{StatusSucceeded, StatusRunning, false}, // Terminal
		{StatusCancelled, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s→%s", tt.from, tt.to), func(t *testing.T) {
			if got := checkTransition(tt.from, tt.to) == nil; got != tt.valid {
				t.Errorf("checkTransition(%s, %s) accepted = %v, want %v", tt.from, tt.to, got, tt.valid)
			}
		})
	}
}

func TestValidTransitions_UnknownStatus(t *testing.T) {
	if err := checkTransition(Status("unknown"), StatusPending); err == nil {
		t.Error("Should error for unknown status")
	}
}

func TestTracker_Counts(t *testing.T) {
	tracker := NewTracker()
	tracker.Transition("a", 0, StatusPending, "")
	tracker.Transition("b", 0, StatusPending, "")
	tracker.Transition("b", 0, StatusRunning, "")

	counts := tracker.Counts()
	if counts[StatusPending] != 1 || counts[StatusRunning] != 1 {
		t.Errorf("Counts() = %v, want 1 pending and 1 running", counts)
	}
	if tracker.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tracker.Len())
	}
}

func TestTracker_Durations(t *testing.T) {
	tracker := NewTracker()

	tracker.Transition("a", 0, StatusPending, "")
	tracker.Transition("a", 0, StatusRunning, "")
	time.Sleep(30 * time.Millisecond)
	tracker.Transition("a", 0, StatusSucceeded, "")

	durations := tracker.Durations("a")
	if durations[StatusRunning] < 25*time.Millisecond {
		t.Errorf("running duration = %v, want ~30ms", durations[StatusRunning])
	}
	if _, ok := durations[StatusSucceeded]; ok {
		t.Error("terminal status should not accumulate time")
	}
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tracker := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)

		go func(id int) {
			defer wg.Done()
			project := fmt.Sprintf("p%d", id)
			tracker.Transition(project, 0, StatusPending, "")
			tracker.Transition(project, 0, StatusRunning, "")
		}(i)

		go func(id int) {
			defer wg.Done()
			project := fmt.Sprintf("p%d", id)
			tracker.changes(project)
			tracker.current(project)
			tracker.Counts()
		}(i)
	}

	wg.Wait()
}
