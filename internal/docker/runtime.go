// Package docker wraps the Docker Engine API with the narrow surface
// the execution backend needs: session containers, per-session bridge
// networks, and in-container execs. Consumers declare their own port
// interfaces; *Runtime satisfies all of them.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// SessionLabel marks every network and container owned by this daemon
// so external janitors can find them without process state.
const (
	SessionLabel      = "type"
	SessionLabelValue = "coderunner-session"
	SessionIDLabel    = "coderunner.session"
	LanguageLabel     = "coderunner.language"
)

// Runtime is the production Engine implementation over a Docker client.
type Runtime struct {
	cli client.APIClient
}

// NewRuntime creates a Runtime with a new Docker client from the
// environment (DOCKER_HOST et al.).
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli client.APIClient) *Runtime {
	return &Runtime{cli: cli}
}

// Ping reports whether the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Close releases the underlying client's transport.
func (r *Runtime) Close() error {
	if c, ok := r.cli.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// ContainerSpec describes one session container.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	WorkDir     string
	NetworkName string
	Labels      map[string]string

	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64
}

// CreateContainer creates and starts a container; if the image is not
// found locally it pulls once and retries the create. Returns the
// container id.
func (r *Runtime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkDir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: int64(spec.CPUs * 1e9),
		},
		SecurityOpt: []string{"no-new-privileges:true"},
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	var netCfg *dockernetwork.NetworkingConfig
	if spec.NetworkName != "" {
		netCfg = &dockernetwork.NetworkingConfig{
			EndpointsConfig: map[string]*dockernetwork.EndpointSettings{
				spec.NetworkName: {},
			},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, (*ocispec.Platform)(nil), spec.Name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return "", fmt.Errorf("create container %q: %w", spec.Name, err)
		}
		if err := r.pullImage(ctx, spec.Image); err != nil {
			return "", err
		}
		if resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name); err != nil {
			return "", fmt.Errorf("create container %q after pull: %w", spec.Name, err)
		}
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %q: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// RemoveContainer force-removes a container. Idempotent: NotFound is
// silently ignored.
func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", shortID(id), err)
	}
	return nil
}

// ContainerRunning reports whether a container exists and is running.
func (r *Runtime) ContainerRunning(ctx context.Context, id string) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	return info.State != nil && info.State.Running, nil
}

// CopyToContainer extracts a tar stream into dstPath inside the
// container.
func (r *Runtime) CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader) error {
	if err := r.cli.CopyToContainer(ctx, id, dstPath, content, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container %s:%s: %w", shortID(id), dstPath, err)
	}
	return nil
}

func (r *Runtime) pullImage(ctx context.Context, img string) error {
	slog.Info("pulling image", "image", img)
	resp, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("pull image %s: read response: %w", img, err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
