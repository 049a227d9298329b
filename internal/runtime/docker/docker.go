// Package docker implements the container scheduler port against a local
// Docker daemon.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/runtime"
	session "github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/storage"
)

// Runtime implements runtime.Runtime against the Docker daemon.
type Runtime struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

var _ runtime.Runtime = (*Runtime)(nil)

// NewRuntime creates a Docker-backed runtime.
func NewRuntime(cfg config.DockerConfig, log *logger.Logger) (*Runtime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker runtime created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Runtime{cli: cli, logger: log, config: cfg}, nil
}

// Type identifies this as the local runtime variant.
func (r *Runtime) Type() session.RuntimeType {
	return session.RuntimeLocal
}

// Close closes the Docker client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// PullImage pulls an image, blocking until it is fully available.
func (r *Runtime) PullImage(ctx context.Context, imageName string) error {
	r.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the progress stream so the pull completes before returning.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Create creates a container without starting it. Idempotent on cfg.Name.
func (r *Runtime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	r.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	mounts, err := r.workspaceMounts(cfg)
	if err != nil {
		return "", err
	}

	env := make([]string, 0, len(cfg.EnvVars))
	for k, v := range cfg.EnvVars {
		env = append(env, k+"="+v)
	}

	network := cfg.Network
	if network == "" {
		network = r.config.DefaultNetwork
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Entrypoint: cfg.Entrypoint,
		Env:        env,
		Labels:     cfg.Labels,
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(network),
		Resources: container.Resources{
			Memory:   cfg.MemoryBytes,
			NanoCPUs: cfg.CPUMillis * 1_000_000,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return r.resolveNameConflict(ctx, cfg)
		}
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	r.logger.Info("Container created", zap.String("container_id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// resolveNameConflict returns the existing container's id when it belongs to
// the same session, and ErrAlreadyExists otherwise.
func (r *Runtime) resolveNameConflict(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", "^/"+cfg.Name+"$")
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return "", fmt.Errorf("failed to resolve container name %s: %w", cfg.Name, err)
	}
	for _, ctr := range containers {
		if ctr.Labels[runtime.LabelSessionID] == cfg.Labels[runtime.LabelSessionID] {
			return ctr.ID, nil
		}
		return "", fmt.Errorf("container %s: %w", cfg.Name, runtime.ErrAlreadyExists)
	}
	return "", fmt.Errorf("container %s: %w", cfg.Name, runtime.ErrAlreadyExists)
}

// workspaceMounts translates the workspace URI into a host bind mount
// surfacing the session prefix at /workspace.
func (r *Runtime) workspaceMounts(cfg runtime.ContainerConfig) ([]mount.Mount, error) {
	if cfg.WorkspaceURI == "" {
		return nil, nil
	}
	bucket, key, err := storage.ParseURI(cfg.WorkspaceURI)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace uri %q: %w", cfg.WorkspaceURI, err)
	}
	hostPath := filepath.Join(r.config.WorkspaceBasePath, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare workspace dir: %w", err)
	}
	return []mount.Mount{{
		Type:   mount.TypeBind,
		Source: hostPath,
		Target: "/workspace",
	}}, nil
}

// Start starts a container. Already-started containers are not an error.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", containerID, runtime.ErrNotFound)
		}
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	r.logger.Info("Container started", zap.String("container_id", containerID))
	return nil
}

// Stop gracefully stops a container, force-killing after the grace period.
func (r *Runtime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	graceSeconds := int(grace.Seconds())
	err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	r.logger.Info("Container stopped", zap.String("container_id", containerID))
	return nil
}

// Remove deletes the container record.
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	r.logger.Info("Container removed", zap.String("container_id", containerID))
	return nil
}

// Inspect returns container details.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", containerID, runtime.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &runtime.ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		info.Status = string(inspect.State.Status)
		info.ExitCode = inspect.State.ExitCode
		if inspect.State.StartedAt != "" {
			if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				info.StartedAt = startedAt
			}
		}
		if inspect.State.FinishedAt != "" {
			if exitedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
				info.ExitedAt = exitedAt
			}
		}
	}
	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			info.IP = inspect.NetworkSettings.IPAddress
		} else {
			for _, netSettings := range inspect.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					info.IP = netSettings.IPAddress
					break
				}
			}
		}
	}
	return info, nil
}

// IsRunning reports liveness; unknown containers are false, not an error.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := r.Inspect(ctx, containerID)
	if err != nil {
		if runtime.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.Running(), nil
}

// Logs returns the tail of the combined stdout+stderr stream.
func (r *Runtime) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}
	reader, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("container %s: %w", containerID, runtime.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	defer func() { _ = reader.Close() }()

	// Docker multiplexes stdout/stderr with 8-byte frame headers when the
	// container has no TTY; stdcopy strips them.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("failed to read container logs for %s: %w", containerID, err)
	}
	return buf.String(), nil
}

// Wait blocks until the container exits or the timeout elapses. On timeout
// the container is left running and TimedOut is set.
func (r *Runtime) Wait(ctx context.Context, containerID string, timeout time.Duration) (*runtime.WaitResult, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	statusCh, errCh := r.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return &runtime.WaitResult{TimedOut: true}, nil
			}
			return nil, fmt.Errorf("error waiting for container %s: %w", containerID, err)
		}
		return &runtime.WaitResult{}, nil
	case status := <-statusCh:
		return &runtime.WaitResult{ExitCode: status.StatusCode}, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &runtime.WaitResult{TimedOut: true}, nil
	}
}

// List returns containers matching all given labels.
func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]runtime.ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, runtime.ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			Status: string(ctr.State),
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

// Ping checks if the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}
