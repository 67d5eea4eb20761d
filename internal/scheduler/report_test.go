package scheduler

import (
	"errors"
	"testing"
)

func TestReport_RecordKeepsTerminalResult(t *testing.T) {
	report := newReport([][]string{{"lib"}})
	if !report.record(Result{Project: "lib", Status: StatusRunning}) {
		t.Fatal("record(running) should be stored")
	}

	cause := errors.New("interrupted")
	if got := report.markUnfinished(StatusCancelled, cause); len(got) != 1 {
		t.Fatalf("markUnfinished() = %v, want [lib]", got)
	}

	if report.record(Result{Project: "lib", Status: StatusSucceeded}) {
		t.Error("record() should not overwrite a cancelled result")
	}
	res, _ := report.Result("lib")
	if res.Status != StatusCancelled || !errors.Is(res.Err, cause) {
		t.Errorf("result = %s (%v), want cancelled (%v)", res.Status, res.Err, cause)
	}
}

func TestReport_UnknownProject(t *testing.T) {
	report := newReport([][]string{{"lib"}})

	if got := report.status("other"); got != "" {
		t.Errorf("status(other) = %q, want empty", got)
	}
	if report.record(Result{Project: "other", Status: StatusSucceeded}) {
		t.Error("record() should ignore projects outside the plan")
	}
	if _, ok := report.Result("other"); ok {
		t.Error("Result(other) should not exist")
	}
}
