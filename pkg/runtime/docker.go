// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/cihub/seelog"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

// DockerRuntime implements Runtime against a local docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon configured by the usual DOCKER_*
// environment variables.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// classify maps docker errors onto the package error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	default:
		return err
	}
}

func mapStatus(dockerState string) state.ServiceStatus {
	switch dockerState {
	case "created":
		return state.StatusCreated
	case "running", "restarting":
		return state.StatusRunning
	case "paused":
		return state.StatusStopped
	case "exited", "dead":
		return state.StatusExited
	default:
		return state.StatusUnknown
	}
}

// ListContainers returns the agent-managed containers matching all given
// labels.
func (d *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify(err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:          c.ID,
			Name:        name,
			ImageName:   c.Image,
			ImageDigest: c.ImageID,
			Status:      mapStatus(c.State),
			Labels:      c.Labels,
		})
	}
	return infos, nil
}

// CreateContainer creates (but does not start) a container from the spec.
func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for hostPort, containerPort := range spec.Ports {
		port, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: hostPort}}
	}

	binds := make([]string, 0, len(spec.Volumes))
	binds = append(binds, spec.Volumes...)

	restart := container.RestartPolicy{}
	if spec.RestartPolicy != "" {
		restart.Name = container.RestartPolicyMode(spec.RestartPolicy)
	}

	hostConfig := &container.HostConfig{
		PortBindings:  bindings,
		Binds:         binds,
		RestartPolicy: restart,
	}

	networking := &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{}}
	for _, n := range spec.Networks {
		networking.EndpointsConfig[n] = &network.EndpointSettings{}
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}, hostConfig, networking, nil, spec.Name)
	if err != nil {
		return "", classify(err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return classify(d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// StopContainer stops a container, waiting up to timeout before the daemon
// kills it.
func (d *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return classify(d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

// KillContainer sends SIGKILL.
func (d *DockerRuntime) KillContainer(ctx context.Context, id string) error {
	return classify(d.cli.ContainerKill(ctx, id, "SIGKILL"))
}

// RemoveContainer force-removes a container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	return classify(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

// PullImage pulls an image, draining the progress stream into debug logs.
func (d *DockerRuntime) PullImage(ctx context.Context, image string) error {
	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	log.Debugf("Pulled image %s", image)
	return nil
}

// RemoveImage removes an image by reference.
func (d *DockerRuntime) RemoveImage(ctx context.Context, image string) error {
	_, err := d.cli.ImageRemove(ctx, image, types.ImageRemoveOptions{})
	return classify(err)
}

// CreateNetwork creates a bridge network. Creating an existing network is a
// no-op.
func (d *DockerRuntime) CreateNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil && errdefs.IsConflict(err) {
		return nil
	}
	return classify(err)
}

// RemoveNetwork removes a network by name.
func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	return classify(d.cli.NetworkRemove(ctx, name))
}

// CreateVolume creates a named volume. Volume creation is idempotent in
// docker.
func (d *DockerRuntime) CreateVolume(ctx context.Context, name string) error {
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	return classify(err)
}

// RemoveVolume removes a named volume.
func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	return classify(d.cli.VolumeRemove(ctx, name, false))
}

// ContainerLogs fetches the last `tail` lines of a container's output.
func (d *DockerRuntime) ContainerLogs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return nil, classify(err)
	}
	return reader, nil
}

// Events subscribes to container lifecycle events for agent-managed
// containers.
func (d *DockerRuntime) Events(ctx context.Context) (<-chan Event, <-chan error) {
	args := filters.NewArgs()
	args.Add("type", "container")
	args.Add("label", LabelManaged+"=true")
	messages, errs := d.cli.Events(ctx, types.EventsOptions{Filters: args})

	out := make(chan Event)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				errOut <- classify(err)
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				out <- Event{ContainerID: msg.Actor.ID, Action: string(msg.Action)}
			}
		}
	}()
	return out, errOut
}

// Ping checks daemon reachability.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}
