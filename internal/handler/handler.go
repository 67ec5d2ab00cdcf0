package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lengjing/docker-workspace-manager/internal/container"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/middleware"
	"github.com/lengjing/docker-workspace-manager/internal/model"
	"github.com/lengjing/docker-workspace-manager/internal/portalloc"
	"github.com/lengjing/docker-workspace-manager/internal/service"
)

// Handler contains all HTTP handlers
type Handler struct {
	authService      *service.AuthService
	workspaceService *service.WorkspaceService
	log              *logger.Logger
}

// New creates a new Handler.
func New(authSvc *service.AuthService, workspaceSvc *service.WorkspaceService, log *logger.Logger) *Handler {
	return &Handler{
		authService:      authSvc,
		workspaceService: workspaceSvc,
		log:              log.Named("handler"),
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// owner returns the authenticated user, or the anonymous user when the
// request carried no credential.
func (h *Handler) owner(r *http.Request) (*model.User, error) {
	if user := middleware.GetUser(r.Context()); user != nil {
		return user, nil
	}
	return h.authService.AnonymousUser(r.Context())
}

// ServiceError maps a service or runtime error to an HTTP status and writes it.
func (h *Handler) ServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "status", status, "error", err)
	}
	h.Error(w, status, err.Error())
}

func statusFor(err error) int {
	var runtimeErr *container.RuntimeError
	switch {
	case errors.Is(err, service.ErrWorkspaceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNameTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccountDisabled):
		return http.StatusForbidden
	case errors.Is(err, portalloc.ErrPortExhausted), errors.Is(err, container.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &runtimeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
