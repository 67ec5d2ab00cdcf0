// Package container provides an abstraction over the container engine that
// backs workspaces. The Docker implementation lives in the docker subpackage.
package container

import (
	"context"
	"time"
)

// Runtime abstracts the container engine. All identifiers are
// runtime-assigned container IDs.
type Runtime interface {
	// EnsureImage makes image available locally, pulling it when the
	// runtime is configured to pull missing images.
	EnsureImage(ctx context.Context, image string) error

	// Create creates (but does not start) a workspace container and returns its ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a previously created container.
	Start(ctx context.Context, id string) error

	// Stop stops a running container gracefully.
	Stop(ctx context.Context, id string) error

	// Restart stops and starts a container.
	Restart(ctx context.Context, id string) error

	// Remove force-removes a container. A container that no longer exists
	// counts as removed.
	Remove(ctx context.Context, id string) error

	// Inspect returns the live state of a container.
	Inspect(ctx context.Context, id string) (*Container, error)

	// InspectStatus returns only the live status of a container.
	InspectStatus(ctx context.Context, id string) (Status, error)

	// ListImages returns the images available to the runtime.
	ListImages(ctx context.Context) ([]ImageRef, error)

	// List returns every container managed by this service.
	List(ctx context.Context) ([]*Container, error)
}

// Status is the runtime-reported container state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusRestarting Status = "restarting"
	StatusRemoving   Status = "removing"
	StatusExited     Status = "exited"
	StatusDead       Status = "dead"
)

// Container is a snapshot of a container as reported by the runtime.
type Container struct {
	ID        string
	Name      string
	Image     string
	Status    Status
	IPAddress string            // First non-empty network address, if any
	Ports     []PortBinding     // Published port mappings
	Labels    map[string]string // Container labels
	CreatedAt time.Time
}

// PortBinding is a published port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	HostIP        string
	Protocol      string
}

// HostPort returns the host port bound to the given container TCP port, or 0.
func (c *Container) HostPort(containerPort int) int {
	for _, p := range c.Ports {
		if p.ContainerPort == containerPort && p.Protocol == "tcp" {
			return p.HostPort
		}
	}
	return 0
}

// CreateSpec describes a workspace container.
type CreateSpec struct {
	Name     string // Runtime container name
	Image    string
	DataDir  string // Host directory bind-mounted at /data
	ToolsDir string // Host directory bind-mounted read-only at /tools
	SSHPort  int    // Host port published to 22/tcp
	IDEPort  int    // Host port published to 8080/tcp
	BasePath string // URL prefix the IDE is served under
	GPU      bool   // Request all GPUs and run privileged
	Labels   map[string]string
}

// ImageRef is an image known to the runtime.
type ImageRef struct {
	ID      string    `json:"id"`
	Tags    []string  `json:"tags"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// Ports the IDE and SSH daemons listen on inside a workspace container.
const (
	ContainerSSHPort = 22
	ContainerIDEPort = 8080
)

// Labels set on every managed container.
const (
	LabelManaged     = "dwm.managed"
	LabelWorkspaceID = "dwm.workspace.id"
	LabelWorkspace   = "dwm.workspace.name"
	LabelOwner       = "dwm.workspace.owner"
)
