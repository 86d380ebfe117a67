// Package container wraps the Docker SDK and layers session-container
// policy on top: deterministic names, ownership labels, capability
// restrictions, and the read-write bare-clone mount every sandbox needs.
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kilndev/kiln/internal/common/config"
	"github.com/kilndev/kiln/internal/common/logger"
)

// ErrNotFound is returned when a container id or name is unknown to the runtime.
var ErrNotFound = errors.New("container not found")

// Config holds configuration for creating a container.
type Config struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	Memory      int64 // bytes
	CPUQuota    int64 // microseconds per 100ms period
	Labels      map[string]string
	CapDrop     []string
	CapAdd      []string
	SecurityOpt []string
	Tty         bool
}

// Mount holds a bind mount.
type Mount struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// Info holds inspection state for a container.
type Info struct {
	ID      string
	Name    string
	Image   string
	State   string // created, running, paused, restarting, removing, exited, dead
	Running bool
	Labels  map[string]string
}

// Runtime is the container runtime surface the manager and reconciler use.
// *Client implements it against the Docker daemon; tests use a fake.
type Runtime interface {
	CreateContainer(ctx context.Context, cfg Config) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerIDOrName string) (*Info, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]Info, error)
	HasImage(ctx context.Context, imageName string) (bool, error)
	Exec(ctx context.Context, containerID string, argv []string, opts ExecOptions) (*ExecStream, error)
	RunExec(ctx context.Context, containerID string, argv []string) (*ExecResult, error)
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

var _ Runtime = (*Client)(nil)

// NewClient creates a Docker client honoring DOCKER_HOST-style configuration.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created", zap.String("host", cfg.Host))

	return &Client{cli: cli, logger: log}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// HasImage reports whether the image is present locally.
func (c *Client) HasImage(ctx context.Context, imageName string) (bool, error) {
	filterArgs := filters.NewArgs(filters.Arg("reference", imageName))
	images, err := c.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

// CreateContainer creates a container from cfg.
func (c *Client) CreateContainer(ctx context.Context, cfg Config) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          cfg.Tty,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		CapDrop:     cfg.CapDrop,
		CapAdd:      cfg.CapAdd,
		SecurityOpt: cfg.SecurityOpt,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns state for a container id or name, or ErrNotFound.
func (c *Client) Inspect(ctx context.Context, containerIDOrName string) (*Info, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerIDOrName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerIDOrName, err)
	}

	name := inspect.Name
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}

	return &Info{
		ID:      inspect.ID,
		Name:    name,
		Image:   inspect.Config.Image,
		State:   inspect.State.Status,
		Running: inspect.State.Running,
		Labels:  inspect.Config.Labels,
	}, nil
}

// ListContainers lists containers (running or not) matching all given labels.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		if value == "" {
			// presence filter
			filterArgs.Add("label", key)
			continue
		}
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			State:   ctr.State,
			Running: ctr.State == "running",
			Labels:  ctr.Labels,
		})
	}
	return infos, nil
}
