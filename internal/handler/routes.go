package handler

import (
	"github.com/go-chi/chi/v5"

	"github.com/lengjing/docker-workspace-manager/internal/middleware"
)

// Routes registers the JSON API. Identity middleware must already be applied
// by the caller so that optional-auth routes see the attached user.
// Paths are registered flat so they share a tree with the IDE proxy routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Post("/auth/login", h.Login)
	r.With(middleware.RequireUser).Get("/auth/me", h.Me)

	r.With(middleware.RequireUser).Get("/workspaces", h.ListWorkspaces)
	r.Post("/workspaces", h.CreateWorkspace)
	r.Get("/workspaces/{id}", h.GetWorkspace)
	r.Post("/workspaces/{id}/start", h.StartWorkspace)
	r.Post("/workspaces/{id}/stop", h.StopWorkspace)
	r.Post("/workspaces/{id}/restart", h.RestartWorkspace)
	r.Post("/workspaces/{id}/remove", h.RemoveWorkspace)

	r.Get("/images", h.ListImages)
}
