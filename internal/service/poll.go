package service

import (
	"context"
	"log"
	"time"

	"github.com/buildpad-dev/buildpad/internal/sandbox"
)

// waitState names the outcome of one poll iteration over a background
// sandbox process.
type waitState int

const (
	waitWaiting   waitState = iota // No completion signal yet, keep polling
	waitCompleted                  // Completion signal observed
	waitFailed                     // Process exited non-zero before completing
	waitTimedOut                   // Deadline expired
)

// waitOutcome is the final result of pollProcess.
type waitOutcome struct {
	State      waitState
	ExitCode   int
	StderrTail string
}

// pollProcess polls a background process on a fixed interval until the
// completion check succeeds, the process exits non-zero, or the deadline
// expires. Completion is signalled by filesystem side effects, not process
// exit: generators can exit 0 before their final flush or hang after their
// work is done, so done() is consulted first every iteration. On timeout the
// process is killed best-effort before returning.
func pollProcess(ctx context.Context, proc sandbox.Process, interval, deadline time.Duration, done func(context.Context) (bool, error)) (waitOutcome, error) {
	expiry := time.Now().Add(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := done(ctx)
		if err != nil {
			return waitOutcome{State: waitWaiting}, err
		}
		if ok {
			return waitOutcome{State: waitCompleted}, nil
		}

		status, err := proc.Poll(ctx)
		if err != nil {
			return waitOutcome{State: waitWaiting}, err
		}
		if !status.Running && status.ExitCode != 0 {
			return waitOutcome{
				State:      waitFailed,
				ExitCode:   status.ExitCode,
				StderrTail: status.StderrTail,
			}, nil
		}
		// A zero exit without the completion signal means the process is
		// still flushing; keep polling until the deadline.

		if time.Now().After(expiry) {
			if killErr := proc.Kill(ctx); killErr != nil {
				log.Printf("poll: kill after deadline failed: %v", killErr)
			}
			return waitOutcome{State: waitTimedOut}, nil
		}

		select {
		case <-ctx.Done():
			if killErr := proc.Kill(ctx); killErr != nil {
				log.Printf("poll: kill on cancel failed: %v", killErr)
			}
			return waitOutcome{State: waitTimedOut}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BestEffort is the explicit result of a non-fatal side operation (sandbox
// pause, logo write). Callers log the failure and continue.
type BestEffort struct {
	OK     bool
	Reason string
}

func effortOK() BestEffort { return BestEffort{OK: true} }

func effortFailed(err error) BestEffort {
	return BestEffort{OK: false, Reason: err.Error()}
}
