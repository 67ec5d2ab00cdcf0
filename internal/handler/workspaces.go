package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lengjing/docker-workspace-manager/internal/middleware"
	"github.com/lengjing/docker-workspace-manager/internal/model"
	"github.com/lengjing/docker-workspace-manager/internal/service"
)

// ListWorkspaces returns the authenticated user's workspaces
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	workspaces, err := h.workspaceService.List(r.Context(), user.ID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// GetWorkspace returns a single workspace by id or container id
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	workspace, err := h.workspaceService.Get(r.Context(), owner.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, workspace)
}

// CreateWorkspace allocates ports and creates a workspace container
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWorkspaceRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	owner, err := h.owner(r)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	workspace, err := h.workspaceService.Create(r.Context(), owner, req)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, workspace)
}

// StartWorkspace starts the workspace container
func (h *Handler) StartWorkspace(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.workspaceService.Start)
}

// StopWorkspace stops the workspace container
func (h *Handler) StopWorkspace(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.workspaceService.Stop)
}

// RestartWorkspace restarts the workspace container
func (h *Handler) RestartWorkspace(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.workspaceService.Restart)
}

// RemoveWorkspace removes the container and deletes the workspace
func (h *Handler) RemoveWorkspace(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.workspaceService.Remove)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, ownerID, ref string) (*model.Workspace, error)) {
	owner, err := h.owner(r)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	workspace, err := op(r.Context(), owner.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, workspace)
}

// ListImages returns the images available to the container runtime
func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.workspaceService.ListImages(r.Context())
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"images": images})
}
