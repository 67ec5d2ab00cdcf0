// Package mock provides a mock implementation of container.Runtime for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lengjing/docker-workspace-manager/internal/container"
)

// Provider is an in-memory container runtime. Each *Func hook, when set,
// replaces the default behavior of the matching method.
type Provider struct {
	mu         sync.RWMutex
	containers map[string]*container.Container
	byName     map[string]string
	nextID     int
	calls      map[string]int

	// Images returned by ListImages
	Images []container.ImageRef

	// Configurable behaviors for testing
	EnsureImageFunc func(ctx context.Context, image string) error
	CreateFunc      func(ctx context.Context, spec container.CreateSpec) (string, error)
	StartFunc       func(ctx context.Context, id string) error
	StopFunc        func(ctx context.Context, id string) error
	RestartFunc     func(ctx context.Context, id string) error
	RemoveFunc      func(ctx context.Context, id string) error
	InspectFunc     func(ctx context.Context, id string) (*container.Container, error)
	ListFunc        func(ctx context.Context) ([]*container.Container, error)
}

// NewProvider creates a new mock provider with default behavior.
func NewProvider() *Provider {
	return &Provider{
		containers: make(map[string]*container.Container),
		byName:     make(map[string]string),
		calls:      make(map[string]int),
	}
}

func (p *Provider) record(op string) {
	p.mu.Lock()
	p.calls[op]++
	p.mu.Unlock()
}

// Calls returns how many times the named operation was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[op]
}

// EnsureImage succeeds for any image.
func (p *Provider) EnsureImage(ctx context.Context, image string) error {
	p.record("ensure-image")
	if p.EnsureImageFunc != nil {
		return p.EnsureImageFunc(ctx, image)
	}
	return nil
}

// Create records a container in the created state.
func (p *Provider) Create(ctx context.Context, spec container.CreateSpec) (string, error) {
	p.record("create")
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, spec)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byName[spec.Name]; exists {
		return "", &container.RuntimeError{Op: "create", ID: spec.Name, Err: container.ErrNameConflict}
	}

	p.nextID++
	id := fmt.Sprintf("mock-%04d", p.nextID)
	p.containers[id] = &container.Container{
		ID:        id,
		Name:      spec.Name,
		Image:     spec.Image,
		Status:    container.StatusCreated,
		IPAddress: fmt.Sprintf("172.17.0.%d", p.nextID%250+2),
		Ports: []container.PortBinding{
			{ContainerPort: container.ContainerSSHPort, HostPort: spec.SSHPort, HostIP: "0.0.0.0", Protocol: "tcp"},
			{ContainerPort: container.ContainerIDEPort, HostPort: spec.IDEPort, HostIP: "0.0.0.0", Protocol: "tcp"},
		},
		Labels:    spec.Labels,
		CreatedAt: time.Now(),
	}
	p.byName[spec.Name] = id
	return id, nil
}

// Start marks a container running.
func (p *Provider) Start(ctx context.Context, id string) error {
	p.record("start")
	if p.StartFunc != nil {
		return p.StartFunc(ctx, id)
	}
	return p.setStatus("start", id, container.StatusRunning)
}

// Stop marks a container exited.
func (p *Provider) Stop(ctx context.Context, id string) error {
	p.record("stop")
	if p.StopFunc != nil {
		return p.StopFunc(ctx, id)
	}
	return p.setStatus("stop", id, container.StatusExited)
}

// Restart marks a container running.
func (p *Provider) Restart(ctx context.Context, id string) error {
	p.record("restart")
	if p.RestartFunc != nil {
		return p.RestartFunc(ctx, id)
	}
	return p.setStatus("restart", id, container.StatusRunning)
}

// Remove deletes a container. Missing containers are not an error.
func (p *Provider) Remove(ctx context.Context, id string) error {
	p.record("remove")
	if p.RemoveFunc != nil {
		return p.RemoveFunc(ctx, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.containers[id]; ok {
		delete(p.byName, c.Name)
		delete(p.containers, id)
	}
	return nil
}

// Inspect returns a copy of the container state.
func (p *Provider) Inspect(ctx context.Context, id string) (*container.Container, error) {
	p.record("inspect")
	if p.InspectFunc != nil {
		return p.InspectFunc(ctx, id)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.containers[id]
	if !ok {
		if byName, found := p.byName[id]; found {
			c = p.containers[byName]
			ok = true
		}
	}
	if !ok {
		return nil, &container.RuntimeError{Op: "inspect", ID: id, Err: container.ErrNotFound}
	}
	cp := *c
	return &cp, nil
}

// InspectStatus returns the container status via Inspect.
func (p *Provider) InspectStatus(ctx context.Context, id string) (container.Status, error) {
	c, err := p.Inspect(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// ListImages returns the configured Images.
func (p *Provider) ListImages(ctx context.Context) ([]container.ImageRef, error) {
	p.record("images")
	return p.Images, nil
}

// List returns every container.
func (p *Provider) List(ctx context.Context) ([]*container.Container, error) {
	p.record("list")
	if p.ListFunc != nil {
		return p.ListFunc(ctx)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*container.Container, 0, len(p.containers))
	for _, c := range p.containers {
		cp := *c
		result = append(result, &cp)
	}
	return result, nil
}

// SetStatus changes a container's status as if it changed outside the service.
func (p *Provider) SetStatus(id string, status container.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok {
		c.Status = status
	}
}

// Put registers a container directly, bypassing Create.
func (p *Provider) Put(c *container.Container) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *c
	p.containers[c.ID] = &cp
	if c.Name != "" {
		p.byName[c.Name] = c.ID
	}
}

// Delete drops a container as if it was removed outside the service.
func (p *Provider) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok {
		delete(p.byName, c.Name)
		delete(p.containers, id)
	}
}

func (p *Provider) setStatus(op, id string, status container.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.containers[id]
	if !ok {
		return &container.RuntimeError{Op: op, ID: id, Err: container.ErrNotFound}
	}
	c.Status = status
	return nil
}

var _ container.Runtime = (*Provider)(nil)
