package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buildpad-dev/buildpad/internal/jobs"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/service"
)

// ScaffoldProjectExecutor handles scaffold_project jobs.
type ScaffoldProjectExecutor struct {
	scaffolder *service.Scaffolder
}

// NewScaffoldProjectExecutor creates a new scaffold executor.
func NewScaffoldProjectExecutor(scaffolder *service.Scaffolder) *ScaffoldProjectExecutor {
	return &ScaffoldProjectExecutor{scaffolder: scaffolder}
}

// Type returns the job type this executor handles.
func (e *ScaffoldProjectExecutor) Type() jobs.JobType {
	return jobs.JobTypeScaffoldProject
}

// Execute processes the job.
func (e *ScaffoldProjectExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.scaffolder == nil {
		return fmt.Errorf("scaffolder not available")
	}

	var payload jobs.ScaffoldProjectPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}

	err := e.scaffolder.Scaffold(ctx, payload.ProjectID)
	if err == nil {
		return nil
	}

	// Non-retryable failures already marked the project error; retrying the
	// job would just repeat the same outcome.
	var oerr *service.OrchestrationError
	if errors.As(err, &oerr) && !oerr.Retryable() {
		return nil
	}
	return err
}
