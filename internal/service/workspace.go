package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/container"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/model"
	"github.com/lengjing/docker-workspace-manager/internal/portalloc"
	"github.com/lengjing/docker-workspace-manager/internal/store"
)

// validName matches names that are safe inside a container name and a URL path segment.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

// CreateWorkspaceRequest is the input for creating a workspace.
type CreateWorkspaceRequest struct {
	Name  string `json:"name"`
	Image string `json:"image"`
	GPU   bool   `json:"gpu"`
}

// Validate checks the request before any allocation or runtime call.
func (r *CreateWorkspaceRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if !validName.MatchString(r.Name) {
		return fmt.Errorf("%w: name must start with a letter or digit and contain only letters, digits, '_', '.', '-'", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Image) == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(r.Image, " \t\n") {
		return fmt.Errorf("%w: image must not contain whitespace", ErrInvalidRequest)
	}
	return nil
}

// ChangeFunc is called after a workspace is started, stopped, restarted, or removed.
type ChangeFunc func(ws *model.Workspace)

// WorkspaceService owns the workspace lifecycle: it allocates ports, drives
// the container runtime, and keeps the persisted status in step with the
// runtime.
type WorkspaceService struct {
	store   *store.Store
	runtime container.Runtime
	ports   *portalloc.Allocator
	cfg     *config.Config
	log     *logger.Logger

	// createMu serializes port selection through row insert, so two
	// concurrent creates can never pick the same port.
	createMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []ChangeFunc
}

// NewWorkspaceService creates a new workspace service.
func NewWorkspaceService(s *store.Store, rt container.Runtime, ports *portalloc.Allocator, cfg *config.Config, log *logger.Logger) *WorkspaceService {
	return &WorkspaceService{
		store:   s,
		runtime: rt,
		ports:   ports,
		cfg:     cfg,
		log:     log.Named("workspace"),
	}
}

// OnChange registers fn to be called after every workspace mutation.
func (s *WorkspaceService) OnChange(fn ChangeFunc) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *WorkspaceService) notify(ws *model.Workspace) {
	s.listenersMu.RLock()
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ws)
	}
}

// ContainerName returns the runtime container name for an owner's workspace.
func ContainerName(ownerUsername, name string) string {
	return fmt.Sprintf("dwm-%s-%s", ownerUsername, name)
}

// Create allocates ports, creates the container, and records the workspace.
// The container is created but not started.
func (s *WorkspaceService) Create(ctx context.Context, owner *model.User, req CreateWorkspaceRequest) (*model.Workspace, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Pulls can take minutes and must not hold up other creations.
	if err := s.runtime.EnsureImage(ctx, req.Image); err != nil {
		return nil, fmt.Errorf("failed to prepare image: %w", err)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if _, err := s.store.GetWorkspaceByOwnerAndName(ctx, owner.ID, req.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, req.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check workspace name: %w", err)
	}

	used, err := s.store.GetUsedPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load used ports: %w", err)
	}

	// A port recorded under either role is unavailable for both.
	taken := make(map[int]struct{}, len(used.SSH)+len(used.IDE)+1)
	for p := range used.SSH {
		taken[p] = struct{}{}
	}
	for p := range used.IDE {
		taken[p] = struct{}{}
	}

	sshPort, err := s.ports.Allocate(ctx, s.cfg.SSHPortBase, taken)
	if err != nil {
		return nil, fmt.Errorf("allocate ssh port: %w", err)
	}
	taken[sshPort] = struct{}{}

	idePort, err := s.ports.Allocate(ctx, s.cfg.IDEPortBase, taken)
	if err != nil {
		return nil, fmt.Errorf("allocate ide port: %w", err)
	}

	ws := &model.Workspace{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Image:          req.Image,
		SSHPort:        sshPort,
		CodeServerPort: idePort,
		OwnerID:        owner.ID,
		GPU:            req.GPU,
	}

	spec := container.CreateSpec{
		Name:     ContainerName(owner.Username, req.Name),
		Image:    req.Image,
		DataDir:  filepath.Join(s.cfg.DataDir, owner.Username, req.Name),
		ToolsDir: s.cfg.ToolsDir,
		SSHPort:  sshPort,
		IDEPort:  idePort,
		BasePath: "/workspaces/" + ws.ID + "/ide",
		GPU:      req.GPU,
		Labels: map[string]string{
			container.LabelWorkspaceID: ws.ID,
			container.LabelWorkspace:   req.Name,
			container.LabelOwner:       owner.ID,
		},
	}

	containerID, err := s.runtime.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	ws.ContainerID = containerID

	status, err := s.runtime.InspectStatus(ctx, containerID)
	if err != nil {
		s.discardContainer(containerID)
		return nil, fmt.Errorf("failed to inspect new container: %w", err)
	}
	ws.Status = model.WorkspaceStatus(status)

	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		s.discardContainer(containerID)
		return nil, fmt.Errorf("failed to record workspace: %w", err)
	}

	s.log.Info("created workspace",
		"workspace", ws.ID,
		"name", ws.Name,
		"owner", owner.Username,
		"ssh_port", sshPort,
		"ide_port", idePort,
	)
	s.notify(ws)
	return ws, nil
}

// discardContainer removes a container whose workspace could not be recorded.
func (s *WorkspaceService) discardContainer(containerID string) {
	if err := s.runtime.Remove(context.Background(), containerID); err != nil {
		s.log.Warn("failed to remove orphaned container", "container", containerID, "error", err)
	}
}

// Get returns an owner's workspace by workspace ID or container ID.
func (s *WorkspaceService) Get(ctx context.Context, ownerID, ref string) (*model.Workspace, error) {
	ws, err := s.store.GetWorkspaceByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	if ws.OwnerID != ownerID {
		return nil, ErrWorkspaceNotFound
	}
	return ws, nil
}

// List returns an owner's workspaces, oldest first.
func (s *WorkspaceService) List(ctx context.Context, ownerID string) ([]*model.Workspace, error) {
	return s.store.ListWorkspacesByOwner(ctx, ownerID)
}

// Start starts a workspace's container.
func (s *WorkspaceService) Start(ctx context.Context, ownerID, ref string) (*model.Workspace, error) {
	return s.transition(ctx, ownerID, ref, "start", s.runtime.Start)
}

// Stop stops a workspace's container.
func (s *WorkspaceService) Stop(ctx context.Context, ownerID, ref string) (*model.Workspace, error) {
	return s.transition(ctx, ownerID, ref, "stop", s.runtime.Stop)
}

// Restart restarts a workspace's container.
func (s *WorkspaceService) Restart(ctx context.Context, ownerID, ref string) (*model.Workspace, error) {
	return s.transition(ctx, ownerID, ref, "restart", s.runtime.Restart)
}

// transition applies a runtime action and persists the status the runtime
// reports afterwards. The stored status is never inferred from the action.
func (s *WorkspaceService) transition(ctx context.Context, ownerID, ref, op string, action func(context.Context, string) error) (*model.Workspace, error) {
	ws, err := s.Get(ctx, ownerID, ref)
	if err != nil {
		return nil, err
	}

	if err := action(ctx, ws.ContainerID); err != nil {
		return nil, fmt.Errorf("failed to %s workspace: %w", op, err)
	}

	status, err := s.runtime.InspectStatus(ctx, ws.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect workspace: %w", err)
	}

	if err := s.store.UpdateWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatus(status)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("failed to update workspace status: %w", err)
	}
	ws.Status = model.WorkspaceStatus(status)

	s.log.Info("workspace "+op, "workspace", ws.ID, "status", ws.Status)
	s.notify(ws)
	return ws, nil
}

// Remove force-removes the container and deletes the workspace row.
func (s *WorkspaceService) Remove(ctx context.Context, ownerID, ref string) (*model.Workspace, error) {
	ws, err := s.Get(ctx, ownerID, ref)
	if err != nil {
		return nil, err
	}

	if err := s.runtime.Remove(ctx, ws.ContainerID); err != nil {
		return nil, fmt.Errorf("failed to remove workspace: %w", err)
	}

	if err := s.store.DeleteWorkspace(ctx, ws.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("failed to delete workspace: %w", err)
	}
	ws.Status = model.WorkspaceRemoved

	s.log.Info("removed workspace", "workspace", ws.ID, "name", ws.Name)
	s.notify(ws)
	return ws, nil
}

// ListImages returns the images the runtime can create workspaces from.
func (s *WorkspaceService) ListImages(ctx context.Context) ([]container.ImageRef, error) {
	return s.runtime.ListImages(ctx)
}

// SyncStatuses reconciles stored statuses with the runtime. It runs once at
// startup. Rows whose container has vanished are logged and kept for an
// operator to remove; managed containers with no row are logged.
func (s *WorkspaceService) SyncStatuses(ctx context.Context) error {
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}

	known := make(map[string]struct{}, len(workspaces))
	updated := 0
	for _, ws := range workspaces {
		known[ws.ContainerID] = struct{}{}

		status, err := s.runtime.InspectStatus(ctx, ws.ContainerID)
		if err != nil {
			if errors.Is(err, container.ErrUnavailable) {
				return fmt.Errorf("failed to reconcile workspaces: %w", err)
			}
			if errors.Is(err, container.ErrNotFound) {
				s.log.Warn("workspace container no longer exists",
					"workspace", ws.ID, "name", ws.Name, "container", ws.ContainerID)
				continue
			}
			s.log.Warn("failed to inspect workspace container", "workspace", ws.ID, "error", err)
			continue
		}

		if model.WorkspaceStatus(status) == ws.Status {
			continue
		}
		if err := s.store.UpdateWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatus(status)); err != nil {
			s.log.Warn("failed to update workspace status", "workspace", ws.ID, "error", err)
			continue
		}
		s.log.Info("reconciled workspace status",
			"workspace", ws.ID, "from", ws.Status, "to", status)
		updated++
	}

	containers, err := s.runtime.List(ctx)
	if err != nil {
		s.log.Warn("failed to list managed containers", "error", err)
	} else {
		for _, c := range containers {
			if _, ok := known[c.ID]; !ok {
				s.log.Warn("managed container has no workspace", "container", c.ID, "name", c.Name)
			}
		}
	}

	s.log.Info("workspace reconciliation complete", "workspaces", len(workspaces), "updated", updated)
	return nil
}
