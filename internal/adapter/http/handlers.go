package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Projects *service.ProjectService
}

// ListProjects handles GET /api/v1/projects
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Projects.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if projects == nil {
		projects = []project.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// CreateProject handles POST /api/v1/projects
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[project.CreateRequest](w, r)
	if !ok {
		return
	}

	p, err := h.Projects.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "project creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProject handles GET /api/v1/projects/{id}
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.Projects.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetSnapshot handles GET /api/v1/projects/{id}/snapshot
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.Projects.Snapshot(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ResumeProject handles POST /api/v1/projects/{id}/resume
func (h *Handlers) ResumeProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.Projects.Resume(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

// GetTask handles GET /api/v1/projects/{id}/tasks/{taskID}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	t, err := h.Projects.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil || t.ProjectID != projectID {
		if err == nil {
			err = domain.ErrNotFound
		}
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetTaskSecurityLog handles GET /api/v1/projects/{id}/tasks/{taskID}/security
func (h *Handlers) GetTaskSecurityLog(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	taskID := chi.URLParam(r, "taskID")

	t, err := h.Projects.GetTask(r.Context(), taskID)
	if err != nil || t.ProjectID != projectID {
		if err == nil {
			err = domain.ErrNotFound
		}
		writeDomainError(w, err, "task not found")
		return
	}

	verdicts, err := h.Projects.TaskSecurityLog(r.Context(), taskID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if verdicts == nil {
		verdicts = []security.Verdict{}
	}
	writeJSON(w, http.StatusOK, verdicts)
}
