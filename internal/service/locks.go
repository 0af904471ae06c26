package service

import "sync"

// ProjectLocks serializes orchestration runs per project. Scaffold, preview
// start, and the command gateway all mutate the same sandbox working
// directory, so at most one of them may run for a project at a time. A
// second caller is rejected rather than queued: the frontend retries on its
// own and queuing multi-minute operations behind each other helps nobody.
type ProjectLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{held: make(map[string]bool)}
}

// TryAcquire takes the lock for a project. Returns false if it is already
// held.
func (l *ProjectLocks) TryAcquire(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[projectID] {
		return false
	}
	l.held[projectID] = true
	return true
}

// Release frees the lock for a project. Releasing an unheld lock is a no-op.
func (l *ProjectLocks) Release(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, projectID)
}

// busyError is the rejection returned to the second caller.
func busyError() *OrchestrationError {
	return &OrchestrationError{
		Kind:        KindBusy,
		UserMessage: "Another operation is already running for this project. Try again in a moment.",
	}
}
