package service

import (
	"context"
	"log"
	"time"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// Reaper pauses sandboxes whose projects have been idle past the configured
// timeout. Pausing keeps the instance resumable; the resolver transparently
// falls back to a fresh instance if the provider evicts it later.
type Reaper struct {
	cfg      *config.Config
	store    *store.Store
	provider sandbox.Provider
	locks    *ProjectLocks

	stop chan struct{}
	done chan struct{}
}

func NewReaper(cfg *config.Config, st *store.Store, provider sandbox.Provider, locks *ProjectLocks) *Reaper {
	return &Reaper{
		cfg:      cfg,
		store:    st,
		provider: provider,
		locks:    locks,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the reap loop until Stop is called.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		interval := r.cfg.SandboxIdleTimeout / 4
		if interval < time.Minute {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.reapOnce(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the current pass to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) reapOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.SandboxIdleTimeout)
	projects, err := r.store.ListIdleProjects(ctx, cutoff)
	if err != nil {
		log.Printf("reaper: listing idle projects failed: %v", err)
		return
	}

	for _, p := range projects {
		if p.SandboxID == nil || *p.SandboxID == "" {
			continue
		}
		// Skip projects mid-orchestration. The lock is held for the
		// duration of scaffold/preview/command runs.
		if !r.locks.TryAcquire(p.ID) {
			continue
		}
		if effort := r.pause(ctx, *p.SandboxID); !effort.OK {
			log.Printf("reaper: pausing sandbox %s for project %s failed: %s", *p.SandboxID, p.ID, effort.Reason)
		} else {
			log.Printf("reaper: paused idle sandbox %s for project %s", *p.SandboxID, p.ID)
		}
		r.locks.Release(p.ID)
	}
}

// pause suspends a sandbox. Best-effort: the instance may already be gone.
func (r *Reaper) pause(ctx context.Context, sandboxID string) BestEffort {
	if err := r.provider.Pause(ctx, sandboxID); err != nil {
		return effortFailed(err)
	}
	return effortOK()
}
