package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/buildpad-dev/buildpad/internal/jobs"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// Projects provides project CRUD on top of the store, plus sandbox cleanup
// on delete.
type Projects struct {
	store    *store.Store
	provider sandbox.Provider
	queue    *jobs.Queue
}

// NewProjects creates the project service. queue may be nil; sandbox
// teardown then happens inline instead of through a background job.
func NewProjects(st *store.Store, provider sandbox.Provider, queue *jobs.Queue) *Projects {
	return &Projects{store: st, provider: provider, queue: queue}
}

// CreateProjectInput is the caller-supplied portion of a new project.
type CreateProjectInput struct {
	Name      string  `json:"name"`
	Framework string  `json:"framework"`
	LogoURL   *string `json:"logoUrl,omitempty"`
}

func (p *Projects) Create(ctx context.Context, ownerID string, in CreateProjectInput) (*model.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, validationError("project name is required")
	}
	if len(name) > 100 {
		return nil, validationError("project name must be 100 characters or fewer")
	}
	if !model.ValidFramework(in.Framework) {
		return nil, validationError(fmt.Sprintf("unsupported framework %q", in.Framework))
	}

	project := &model.Project{
		OwnerID:   ownerID,
		Name:      name,
		Framework: in.Framework,
		Status:    model.ProjectStatusScaffolding,
		LogoURL:   in.LogoURL,
	}
	if err := p.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return project, nil
}

func (p *Projects) Get(ctx context.Context, id string) (*model.Project, error) {
	return p.store.GetProjectByID(ctx, id)
}

func (p *Projects) ListByOwner(ctx context.Context, ownerID string) ([]*model.Project, error) {
	return p.store.ListProjectsByOwner(ctx, ownerID)
}

// Delete removes a project, its files, and its sandbox. Sandbox teardown is
// best-effort: the rows go regardless.
func (p *Projects) Delete(ctx context.Context, id string) error {
	project, err := p.store.GetProjectByID(ctx, id)
	if err != nil {
		return err
	}
	if project.SandboxID != nil && *project.SandboxID != "" {
		p.destroySandbox(ctx, id, *project.SandboxID)
	}
	return p.store.DeleteProject(ctx, id)
}

// destroySandbox schedules sandbox teardown through the job queue, falling
// back to an inline kill when no queue is wired or the enqueue fails.
func (p *Projects) destroySandbox(ctx context.Context, projectID, sandboxID string) {
	if p.queue != nil {
		err := p.queue.Enqueue(ctx, jobs.SandboxDestroyPayload{
			ProjectID: projectID,
			SandboxID: sandboxID,
		})
		if err == nil || errors.Is(err, jobs.ErrJobAlreadyExists) {
			return
		}
		log.Printf("projects: enqueueing sandbox destroy for %s failed: %v", sandboxID, err)
	}
	if err := p.provider.Kill(ctx, sandboxID); err != nil {
		log.Printf("projects: killing sandbox %s for deleted project %s failed: %v", sandboxID, projectID, err)
	}
}

// Files returns the project's persisted file manifest.
func (p *Projects) Files(ctx context.Context, id string) ([]model.ProjectFile, error) {
	if _, err := p.store.GetProjectByID(ctx, id); err != nil {
		return nil, err
	}
	return p.store.GetProjectFiles(ctx, id)
}

// SaveFile upserts a single file in durable storage. Used by the editor; the
// change reaches the sandbox on the next restore.
func (p *Projects) SaveFile(ctx context.Context, id, filePath, content string) error {
	rel, err := sanitizeRelPath(filePath)
	if err != nil {
		return err
	}
	files, err := p.store.GetProjectFiles(ctx, id)
	if err != nil {
		return err
	}
	replaced := false
	for i := range files {
		if files[i].Path == rel && !files[i].IsFolder {
			files[i].Content = content
			replaced = true
			break
		}
	}
	if !replaced {
		files = append(files, model.ProjectFile{Path: rel, Content: content})
	}
	return p.store.ReplaceProjectFiles(ctx, id, files)
}

// DeleteFile removes a single file from durable storage.
func (p *Projects) DeleteFile(ctx context.Context, id, filePath string) error {
	rel, err := sanitizeRelPath(filePath)
	if err != nil {
		return err
	}
	return p.store.DeleteProjectFile(ctx, id, rel)
}

// ReconcileStuck marks projects left in scaffolding by a dead server as
// error so the UI offers a retry instead of spinning forever. Called once
// on startup, before the dispatcher begins claiming jobs; projects with a
// live pending or running scaffold job are left alone.
func (p *Projects) ReconcileStuck(ctx context.Context) error {
	projects, err := p.store.ListProjectsByStatus(ctx, model.ProjectStatusScaffolding)
	if err != nil {
		return err
	}
	for _, proj := range projects {
		active, err := p.store.HasActiveJobForResource(ctx, "project", proj.ID)
		if err != nil {
			return err
		}
		if active {
			continue
		}
		msg := "Project setup was interrupted. Try again in a moment."
		if err := p.store.UpdateProjectStatus(ctx, proj.ID, model.ProjectStatusError, &msg); err != nil {
			return err
		}
		log.Printf("projects: marked stuck project %s as error", proj.ID)
	}
	return nil
}
