package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buildpad-dev/buildpad/internal/jobs"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
)

// SandboxDestroyExecutor handles sandbox_destroy jobs.
type SandboxDestroyExecutor struct {
	provider sandbox.Provider
}

// NewSandboxDestroyExecutor creates a new sandbox destroy executor.
func NewSandboxDestroyExecutor(provider sandbox.Provider) *SandboxDestroyExecutor {
	return &SandboxDestroyExecutor{provider: provider}
}

// Type returns the job type this executor handles.
func (e *SandboxDestroyExecutor) Type() jobs.JobType {
	return jobs.JobTypeSandboxDestroy
}

// Execute processes the job.
func (e *SandboxDestroyExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.provider == nil {
		return fmt.Errorf("sandbox provider not available")
	}

	var payload jobs.SandboxDestroyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.SandboxID == "" {
		return fmt.Errorf("sandboxId is required")
	}

	err := e.provider.Kill(ctx, payload.SandboxID)
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return err
	}
	return nil
}
