package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buildpad-dev/buildpad/internal/jobs"
	"github.com/buildpad-dev/buildpad/internal/middleware"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/service"
)

// ListProjects returns the current user's projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	projects, err := h.projectService.ListByOwner(r.Context(), userID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, projects)
}

// CreateProject creates a project row and enqueues scaffolding.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var in service.CreateProjectInput
	if err := h.DecodeJSON(r, &in); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	project, err := h.projectService.Create(r.Context(), userID, in)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	if err := h.jobQueue.Enqueue(r.Context(), jobs.ScaffoldProjectPayload{ProjectID: project.ID}); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, project)
}

// GetProject returns a single project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, project)
}

// DeleteProject removes a project and schedules sandbox teardown.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	if err := h.projectService.Delete(r.Context(), project.ID); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ScaffoldProject re-enqueues scaffolding for a project whose setup failed
// or was interrupted. The scaffolder itself recovers whatever progress the
// sandbox already holds.
func (h *Handler) ScaffoldProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	err := h.jobQueue.Enqueue(r.Context(), jobs.ScaffoldProjectPayload{ProjectID: project.ID})
	if errors.Is(err, jobs.ErrJobAlreadyExists) {
		h.Error(w, http.StatusConflict, "Scaffolding is already in progress for this project")
		return
	}
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	if err := h.store.UpdateProjectStatus(r.Context(), project.ID, model.ProjectStatusScaffolding, nil); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{"status": model.ProjectStatusScaffolding})
}

// GetProjectFiles returns the durable file manifest.
func (h *Handler) GetProjectFiles(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	files, err := h.projectService.Files(r.Context(), project.ID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, files)
}

// SaveProjectFile upserts a single file in durable storage.
func (h *Handler) SaveProjectFile(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := h.DecodeJSON(r, &in); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.projectService.SaveFile(r.Context(), project.ID, in.Path, in.Content); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteProjectFile removes a single file from durable storage.
func (h *Handler) DeleteProjectFile(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, http.StatusBadRequest, "Missing path parameter")
		return
	}

	if err := h.projectService.DeleteFile(r.Context(), project.ID, path); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ownedProject loads the project from the URL and enforces ownership.
// Projects belonging to someone else read as not found.
func (h *Handler) ownedProject(w http.ResponseWriter, r *http.Request) (*model.Project, bool) {
	projectID := chi.URLParam(r, "projectId")
	project, err := h.projectService.Get(r.Context(), projectID)
	if err != nil {
		h.ServiceError(w, err)
		return nil, false
	}
	if project.OwnerID != middleware.GetUserID(r.Context()) {
		h.Error(w, http.StatusNotFound, "Not found")
		return nil, false
	}
	return project, true
}
