package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/agentcore/core/internal/common/config"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// ContainerConfig describes a container-isolated worker.
type ContainerConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	NetworkName string
}

// DockerRuntime wraps the Docker SDK for container-isolated server workers.
type DockerRuntime struct {
	cli *client.Client
	log *logger.Logger
	cfg config.DockerConfig
}

// NewDockerRuntime connects to the configured Docker host.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, log: log.WithFields(zap.String("component", "docker-runtime")), cfg: cfg}, nil
}

// Close releases the underlying Docker client.
func (d *DockerRuntime) Close() error { return d.cli.Close() }

// CreateAndStart creates and starts a container, returning its ID.
func (d *DockerRuntime) CreateAndStart(ctx context.Context, cfg ContainerConfig) (string, error) {
	containerCfg := &container.Config{
		Image:  cfg.Image,
		Cmd:    cfg.Cmd,
		Env:    cfg.Env,
		Labels: cfg.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.NetworkName),
		AutoRemove:  false,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", cfg.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", resp.ID, err)
	}

	d.log.Info("container started", zap.String("container_id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// ContainerIP returns the container's IP address on networkName, or on its
// first attached network when networkName is empty or not attached.
func (d *DockerRuntime) ContainerIP(ctx context.Context, containerID, networkName string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	if networkName != "" {
		if net, ok := info.NetworkSettings.Networks[networkName]; ok {
			return net.IPAddress, nil
		}
	}
	for _, net := range info.NetworkSettings.Networks {
		return net.IPAddress, nil
	}
	return "", fmt.Errorf("container %s has no network attachments", containerID)
}

// Stop stops then removes a container, falling back to a kill if it does not
// exit within grace.
func (d *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	timeoutSeconds := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		d.log.Warn("container stop failed, killing", zap.String("container_id", containerID), zap.Error(err))
		if err := d.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
			return fmt.Errorf("killing container %s: %w", containerID, err)
		}
	}
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
