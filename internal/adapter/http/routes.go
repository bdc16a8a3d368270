package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Get("/projects/{id}/snapshot", h.GetSnapshot)
		r.Post("/projects/{id}/resume", h.ResumeProject)

		// Tasks (nested under projects)
		r.Get("/projects/{id}/tasks/{taskID}", h.GetTask)
		r.Get("/projects/{id}/tasks/{taskID}/security", h.GetTaskSecurityLog)
	})
}
