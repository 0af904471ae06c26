package service

import (
	"context"
	"fmt"
	"log"

	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// Resolution is the result of resolving a project to a live sandbox.
type Resolution struct {
	Handle    sandbox.Handle
	SandboxID string
	IsNew     bool // A fresh instance with an empty filesystem
}

// Resolver turns a project's possibly-stale stored sandbox id into a live
// handle. It is a thin indirection, not a retry engine: reconnect failures
// fall back to provisioning exactly once, and the new id is persisted
// immediately so a crash afterwards leaves at worst a dead pointer that the
// next call heals.
type Resolver struct {
	provider sandbox.Provider
	store    *store.Store
}

func NewResolver(provider sandbox.Provider, st *store.Store) *Resolver {
	return &Resolver{provider: provider, store: st}
}

// Resolve returns a live sandbox handle for the project. If storedSandboxID
// is non-nil it tries to reconnect first; any reconnect failure (expired,
// paused past its resume window, never existed) is logged and followed by a
// fresh provision rather than surfaced.
func (r *Resolver) Resolve(ctx context.Context, projectID string, storedSandboxID *string) (*Resolution, error) {
	if storedSandboxID != nil && *storedSandboxID != "" {
		handle, err := r.provider.Connect(ctx, *storedSandboxID)
		if err == nil {
			return &Resolution{Handle: handle, SandboxID: *storedSandboxID, IsNew: false}, nil
		}
		log.Printf("resolver: reconnect to sandbox %s for project %s failed, provisioning new: %v",
			*storedSandboxID, projectID, err)
	}

	handle, err := r.provider.Create(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("provisioning sandbox for project %s: %w", projectID, err)
	}

	id := handle.ID()
	if err := r.store.UpdateProjectSandboxID(ctx, projectID, &id); err != nil {
		// The sandbox is up but untracked. Kill it rather than leak it.
		if killErr := r.provider.Kill(ctx, id); killErr != nil {
			log.Printf("resolver: kill of untracked sandbox %s failed: %v", id, killErr)
		}
		return nil, fmt.Errorf("persisting sandbox id for project %s: %w", projectID, err)
	}

	return &Resolution{Handle: handle, SandboxID: id, IsNew: true}, nil
}
