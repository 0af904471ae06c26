package service

import (
	"context"
	"testing"
	"time"

	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/sandbox/mock"
)

func TestPollProcessCompletesOnSignal(t *testing.T) {
	proc := mock.RunningForever()
	checks := 0
	outcome, err := pollProcess(context.Background(), proc, 5*time.Millisecond, time.Second,
		func(ctx context.Context) (bool, error) {
			checks++
			return checks >= 3, nil
		})
	if err != nil {
		t.Fatalf("pollProcess: %v", err)
	}
	if outcome.State != waitCompleted {
		t.Errorf("Expected waitCompleted, got %v", outcome.State)
	}
	if proc.Killed {
		t.Error("Completed process must not be killed")
	}
}

func TestPollProcessFailsOnNonZeroExit(t *testing.T) {
	proc := mock.NewProcess(
		sandbox.ProcessStatus{Running: true},
		sandbox.ProcessStatus{Running: false, ExitCode: 2, StderrTail: "boom"},
	)
	outcome, err := pollProcess(context.Background(), proc, time.Millisecond, time.Second,
		func(ctx context.Context) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("pollProcess: %v", err)
	}
	if outcome.State != waitFailed {
		t.Fatalf("Expected waitFailed, got %v", outcome.State)
	}
	if outcome.ExitCode != 2 || outcome.StderrTail != "boom" {
		t.Errorf("Expected exit 2 with stderr, got %+v", outcome)
	}
}

func TestPollProcessZeroExitWithoutSignalKeepsPolling(t *testing.T) {
	// A generator can exit 0 before its final file flush; the signal, not
	// the exit, decides completion.
	proc := mock.NewProcess(sandbox.ProcessStatus{Running: false, ExitCode: 0})
	checks := 0
	outcome, err := pollProcess(context.Background(), proc, time.Millisecond, time.Second,
		func(ctx context.Context) (bool, error) {
			checks++
			return checks >= 4, nil
		})
	if err != nil {
		t.Fatalf("pollProcess: %v", err)
	}
	if outcome.State != waitCompleted {
		t.Errorf("Expected waitCompleted after late signal, got %v", outcome.State)
	}
	if checks < 4 {
		t.Errorf("Expected polling to continue past clean exit, got %d checks", checks)
	}
}

func TestPollProcessDeadlineKillsProcess(t *testing.T) {
	proc := mock.RunningForever()
	deadline := 50 * time.Millisecond
	interval := 10 * time.Millisecond

	start := time.Now()
	outcome, err := pollProcess(context.Background(), proc, interval, deadline,
		func(ctx context.Context) (bool, error) { return false, nil })
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("pollProcess: %v", err)
	}
	if outcome.State != waitTimedOut {
		t.Fatalf("Expected waitTimedOut, got %v", outcome.State)
	}
	if !proc.Killed {
		t.Error("Expected process kill on deadline")
	}
	// Must return no later than deadline plus one poll interval, with some
	// scheduling slack.
	if elapsed > deadline+interval+100*time.Millisecond {
		t.Errorf("Deadline overshot: %v", elapsed)
	}
}

func TestPollProcessSwallowsKillFailure(t *testing.T) {
	proc := mock.RunningForever()
	proc.KillErr = context.DeadlineExceeded

	outcome, err := pollProcess(context.Background(), proc, time.Millisecond, 10*time.Millisecond,
		func(ctx context.Context) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("Kill failure must not escalate, got %v", err)
	}
	if outcome.State != waitTimedOut {
		t.Errorf("Expected waitTimedOut, got %v", outcome.State)
	}
}
