package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/lengjing/docker-workspace-manager/internal/container"
	"github.com/lengjing/docker-workspace-manager/internal/store"
)

// Resolution errors.
var (
	ErrUnknownTarget   = errors.New("no matching target")
	ErrAmbiguousTarget = errors.New("identifier matches more than one workspace")
	ErrNoAddress       = errors.New("container has no network address")
)

// Target is a resolved upstream.
type Target struct {
	URL         *url.URL
	WorkspaceID string // Set when the target is a recorded workspace
	ContainerID string
}

// Resolver maps a URL identifier to an upstream target.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (*Target, error)
}

// WorkspaceResolver resolves a workspace ID, or failing that a unique
// workspace name, to the host port recorded for its IDE.
type WorkspaceResolver struct {
	store       *store.Store
	backendHost string
}

// NewWorkspaceResolver creates a resolver that targets backendHost:<ide port>.
func NewWorkspaceResolver(s *store.Store, backendHost string) *WorkspaceResolver {
	return &WorkspaceResolver{store: s, backendHost: backendHost}
}

func (r *WorkspaceResolver) Resolve(ctx context.Context, identifier string) (*Target, error) {
	ws, err := r.store.GetWorkspaceByID(ctx, identifier)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		matches, err := r.store.ListWorkspacesByName(ctx, identifier)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, identifier)
		case 1:
			ws = matches[0]
		default:
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousTarget, identifier)
		}
	}

	return &Target{
		URL: &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(r.backendHost, strconv.Itoa(ws.CodeServerPort)),
		},
		WorkspaceID: ws.ID,
		ContainerID: ws.ContainerID,
	}, nil
}

// ContainerResolver resolves a container ID or name by inspecting it live
// and targeting a fixed port on its network address.
type ContainerResolver struct {
	runtime container.Runtime
	port    int
}

// NewContainerResolver creates a resolver that targets <container ip>:port.
func NewContainerResolver(rt container.Runtime, port int) *ContainerResolver {
	return &ContainerResolver{runtime: rt, port: port}
}

func (r *ContainerResolver) Resolve(ctx context.Context, identifier string) (*Target, error) {
	c, err := r.runtime.Inspect(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if c.IPAddress == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, identifier)
	}

	return &Target{
		URL: &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(c.IPAddress, strconv.Itoa(r.port)),
		},
		ContainerID: c.ID,
	}, nil
}
