// Package docker provides a Docker-based implementation of the container.Runtime interface.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"
	"github.com/sethvargo/go-retry"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/container"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
)

const (
	// dataMountPath is where the workspace data directory appears inside the container.
	dataMountPath = "/data"

	// toolsMountPath is where the shared tools directory appears inside the container.
	toolsMountPath = "/tools"

	// retryBase and maxRetries bound retries of transient daemon connection failures.
	retryBase  = 200 * time.Millisecond
	maxRetries = 3
)

// DetectDockerHost resolves the Docker host from the current Docker context.
// This handles Docker Desktop, Colima, Rancher Desktop, Podman, and custom
// contexts automatically. Returns empty string if detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// Provider implements the container.Runtime interface using Docker.
type Provider struct {
	client *client.Client
	cfg    *config.Config
	log    *logger.Logger

	// backoff builds a fresh retry policy per call
	backoff func() retry.Backoff
}

// NewProvider creates a new Docker runtime provider and verifies the daemon is reachable.
func NewProvider(cfg *config.Config, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}

	host := cfg.DockerHost
	if host == "" {
		host = DetectDockerHost()
		if host != "" {
			log.Info("detected docker host from context", "host", host)
		}
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	p := &Provider{
		client:  cli,
		cfg:     cfg,
		log:     log,
		backoff: defaultBackoff,
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return p, nil
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBase))
}

// EnsureImage pulls image when it is missing locally. It is a no-op unless
// PullMissingImages is enabled, in which case Create reports a missing image.
func (p *Provider) EnsureImage(ctx context.Context, image string) error {
	if !p.cfg.PullMissingImages {
		return nil
	}
	if err := p.ensureImage(ctx, image); err != nil {
		return container.Wrap("pull", image, err)
	}
	return nil
}

// Create creates a new workspace container from an image that is already
// present locally.
func (p *Provider) Create(ctx context.Context, spec container.CreateSpec) (string, error) {
	if spec.DataDir != "" {
		if err := os.MkdirAll(spec.DataDir, 0755); err != nil {
			return "", container.Wrap("create", spec.Name, fmt.Errorf("create data dir: %w", err))
		}
	}

	containerConfig, hostConfig, err := buildContainerConfig(p.cfg, spec)
	if err != nil {
		return "", container.Wrap("create", spec.Name, err)
	}

	var id string
	err = p.withRetry(ctx, func(ctx context.Context) error {
		resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			// The only thing create can fail to find is the image
			return "", container.Wrap("create", spec.Name, fmt.Errorf("%w: %s: %v", container.ErrImageNotFound, spec.Image, err))
		}
		return "", container.Wrap("create", spec.Name, classify(err))
	}

	p.log.Info("created container", "name", spec.Name, "id", shortID(id), "image", spec.Image)
	return id, nil
}

// buildContainerConfig turns a CreateSpec into Docker container and host configs.
func buildContainerConfig(cfg *config.Config, spec container.CreateSpec) (*containerTypes.Config, *containerTypes.HostConfig, error) {
	labels := map[string]string{
		container.LabelManaged: "true",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	sshPort := nat.Port(fmt.Sprintf("%d/tcp", container.ContainerSSHPort))
	idePort := nat.Port(fmt.Sprintf("%d/tcp", container.ContainerIDEPort))

	cmd, env := workspaceCommand(cfg, spec)

	containerConfig := &containerTypes.Config{
		Image: spec.Image,
		Cmd:   cmd,
		// Cleared so images with their own entrypoint still run the IDE
		Entrypoint:   []string{""},
		Env:          env,
		Labels:       labels,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: nat.PortSet{
			sshPort: struct{}{},
			idePort: struct{}{},
		},
	}

	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.SSHPort)}},
			idePort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.IDEPort)}},
		},
	}

	if spec.DataDir != "" {
		source, err := filepath.Abs(spec.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve data dir: %w", err)
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: source,
			Target: dataMountPath,
		})
	}

	if spec.ToolsDir != "" {
		source, err := filepath.Abs(spec.ToolsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tools dir: %w", err)
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   source,
			Target:   toolsMountPath,
			ReadOnly: true,
			BindOptions: &mount.BindOptions{
				CreateMountpoint: true,
			},
		})
	}

	if spec.GPU {
		hostConfig.DeviceRequests = []containerTypes.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
		hostConfig.Privileged = true
	}

	if cfg.DockerNetwork != "" {
		hostConfig.NetworkMode = containerTypes.NetworkMode(cfg.DockerNetwork)
	}

	return containerConfig, hostConfig, nil
}

// workspaceCommand returns the container command and environment. The IDE
// is the main process; when an SSH daemon binary is configured the shell
// starts it in the background first and then execs the IDE.
func workspaceCommand(cfg *config.Config, spec container.CreateSpec) ([]string, []string) {
	ide := []string{
		cfg.CodeServerBin,
		"--auth", "none",
		"--bind-addr", fmt.Sprintf("0.0.0.0:%d", container.ContainerIDEPort),
		"--disable-telemetry",
	}
	env := []string{"CS_BASE_URL=" + spec.BasePath}

	if cfg.SSHDBin == "" {
		return ide, env
	}

	env = append(env, fmt.Sprintf("SSHD_ADDR=:%d", container.ContainerSSHPort))
	cmd := append([]string{"/bin/sh", "-c", `"$0" & exec "$@"`, cfg.SSHDBin}, ide...)
	return cmd, env
}

// ensureImage checks if an image exists locally and pulls it if not.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	err := p.withRetry(ctx, func(ctx context.Context) error {
		_, err := p.client.ImageInspect(ctx, image)
		return err
	})
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return classify(err)
	}

	p.log.Info("pulling image", "image", image)

	var reader io.ReadCloser
	err = p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		reader, err = p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
		return err
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) || cerrdefs.IsUnauthorized(err) {
			return fmt.Errorf("%w: %s: %v", container.ErrImageNotFound, image, err)
		}
		return classify(err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}

	return nil
}

// Start starts a previously created container.
func (p *Provider) Start(ctx context.Context, id string) error {
	err := p.withRetry(ctx, func(ctx context.Context) error {
		return p.client.ContainerStart(ctx, id, containerTypes.StartOptions{})
	})
	return container.Wrap("start", id, classify(err))
}

// Stop stops a running container, force-killing it after the configured timeout.
func (p *Provider) Stop(ctx context.Context, id string) error {
	timeoutSeconds := int(p.cfg.StopTimeout.Seconds())
	err := p.withRetry(ctx, func(ctx context.Context) error {
		return p.client.ContainerStop(ctx, id, containerTypes.StopOptions{Timeout: &timeoutSeconds})
	})
	return container.Wrap("stop", id, classify(err))
}

// Restart restarts a container.
func (p *Provider) Restart(ctx context.Context, id string) error {
	timeoutSeconds := int(p.cfg.StopTimeout.Seconds())
	err := p.withRetry(ctx, func(ctx context.Context) error {
		return p.client.ContainerRestart(ctx, id, containerTypes.StopOptions{Timeout: &timeoutSeconds})
	})
	return container.Wrap("restart", id, classify(err))
}

// Remove force-removes a container. A container that is already gone is not an error.
func (p *Provider) Remove(ctx context.Context, id string) error {
	err := p.withRetry(ctx, func(ctx context.Context) error {
		return p.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{Force: true})
	})
	if err != nil && cerrdefs.IsNotFound(err) {
		p.log.Debug("container already removed", "id", shortID(id))
		return nil
	}
	return container.Wrap("remove", id, classify(err))
}

// Inspect returns the current state of a container.
func (p *Provider) Inspect(ctx context.Context, id string) (*container.Container, error) {
	var info containerTypes.InspectResponse
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		info, err = p.client.ContainerInspect(ctx, id)
		return err
	})
	if err != nil {
		return nil, container.Wrap("inspect", id, classify(err))
	}
	return toContainer(info), nil
}

// InspectStatus returns the current status of a container.
func (p *Provider) InspectStatus(ctx context.Context, id string) (container.Status, error) {
	c, err := p.Inspect(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// ListImages returns all local images.
func (p *Provider) ListImages(ctx context.Context) ([]container.ImageRef, error) {
	var images []imageTypes.Summary
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		images, err = p.client.ImageList(ctx, imageTypes.ListOptions{})
		return err
	})
	if err != nil {
		return nil, container.Wrap("images", "", classify(err))
	}

	result := make([]container.ImageRef, 0, len(images))
	for _, img := range images {
		result = append(result, container.ImageRef{
			ID:      img.ID,
			Tags:    img.RepoTags,
			Size:    img.Size,
			Created: time.Unix(img.Created, 0).UTC(),
		})
	}
	return result, nil
}

// List returns all containers carrying the managed label, including stopped ones.
func (p *Provider) List(ctx context.Context) ([]*container.Container, error) {
	var containers []containerTypes.Summary
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		containers, err = p.client.ContainerList(ctx, containerTypes.ListOptions{
			All: true, // Include stopped containers
			Filters: filters.NewArgs(
				filters.Arg("label", container.LabelManaged+"=true"),
			),
		})
		return err
	})
	if err != nil {
		return nil, container.Wrap("list", "", classify(err))
	}

	result := make([]*container.Container, 0, len(containers))
	for _, c := range containers {
		item := &container.Container{
			ID:        c.ID,
			Image:     c.Image,
			Status:    container.Status(string(c.State)),
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		}
		if len(c.Names) > 0 {
			item.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, port := range c.Ports {
			item.Ports = append(item.Ports, container.PortBinding{
				ContainerPort: int(port.PrivatePort),
				HostPort:      int(port.PublicPort),
				HostIP:        port.IP,
				Protocol:      port.Type,
			})
		}
		if c.NetworkSettings != nil {
			for _, ep := range c.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					item.IPAddress = ep.IPAddress
					break
				}
			}
		}
		result = append(result, item)
	}
	return result, nil
}

// Close closes the Docker client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// withRetry runs fn, retrying with exponential backoff only while the
// daemon connection itself fails. Every other error is returned at once.
func (p *Provider) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && client.IsErrConnectionFailed(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// classify maps Docker client errors onto container sentinel errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", container.ErrUnavailable, err)
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", container.ErrNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", container.ErrNameConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", container.ErrUnavailable, err)
	default:
		return err
	}
}

// toContainer converts a Docker inspect response into a container snapshot.
func toContainer(info containerTypes.InspectResponse) *container.Container {
	c := &container.Container{}
	if info.ContainerJSONBase != nil {
		c.ID = info.ID
		c.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			c.Status = container.Status(string(info.State.Status))
		}
		if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
			c.CreatedAt = created
		}
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	c.Ports = extractPorts(info.NetworkSettings)
	if info.NetworkSettings != nil {
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				c.IPAddress = ep.IPAddress
				break
			}
		}
	}
	return c
}

// extractPorts extracts published port mappings from container network settings.
func extractPorts(settings *containerTypes.NetworkSettings) []container.PortBinding {
	if settings == nil {
		return nil
	}

	var ports []container.PortBinding
	for containerPort, bindings := range settings.Ports {
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			ports = append(ports, container.PortBinding{
				ContainerPort: containerPort.Int(),
				HostPort:      hostPort,
				HostIP:        binding.HostIP,
				Protocol:      containerPort.Proto(),
			})
		}
	}
	return ports
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
