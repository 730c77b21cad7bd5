// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package container wraps the Docker Engine API client the core talks to
// when swapping a deployment's running container and when the proxy
// controller manages the Traefik sidecar and the shared network.
package container

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/codepr/dockyy/internal/apperr"
)

// Info is the subset of container state the core and its callers need;
// it deliberately mirrors the engine's own container summary rather than
// inventing a parallel shape.
type Info struct {
	ID     string
	Name   string
	Image  string
	Status string
	State  string
	Labels map[string]string
}

// CreateSpec describes a container to be created and started. Labels carry
// the proxy's routing annotations when the repository has a domain set.
type CreateSpec struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	Labels        map[string]string
	Binds         []string
	PortBindings  map[string]string // containerPort/proto -> "hostPort" or "hostIP:hostPort"
	NetworkMode   string
	RestartAlways bool
}

// Adapter wraps *client.Client with the narrow surface the core uses:
// list/start/stop/restart/remove, create with labels and network wiring,
// log tailing, and network management.
type Adapter struct {
	cli *client.Client
}

// New dials the local Docker Engine using the standard environment-derived
// connection parameters (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func New() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineUnavailable, "create docker client", err)
	}
	return &Adapter{cli: cli}, nil
}

// Ping verifies the engine is reachable, used at startup before the worker
// begins dispatching deploy jobs.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "ping docker engine", err)
	}
	return nil
}

// List returns container summaries, optionally including stopped ones.
func (a *Adapter) List(ctx context.Context, all bool) ([]Info, error) {
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{All: all})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineUnavailable, "list containers", err)
	}
	return toInfos(containers), nil
}

// ListByLabel returns containers carrying the given label=value pair, only
// running ones unless all is set; the proxy controller uses it to list
// routed containers.
func (a *Adapter) ListByLabel(ctx context.Context, all bool, label string) ([]Info, error) {
	f := filters.NewArgs()
	f.Add("label", label)
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{All: all, Filters: f})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineUnavailable, "list containers by label", err)
	}
	return toInfos(containers), nil
}

// ListByName returns containers (running or not) whose name matches exactly.
func (a *Adapter) ListByName(ctx context.Context, name string) ([]Info, error) {
	f := filters.NewArgs()
	f.Add("name", name)
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineUnavailable, "list containers by name", err)
	}
	// The engine's name filter also matches substrings; keep exact names only.
	infos := toInfos(containers)
	exact := infos[:0]
	for _, info := range infos {
		if info.Name == name {
			exact = append(exact, info)
		}
	}
	return exact, nil
}

func toInfos(containers []types.Container) []Info {
	out := make([]Info, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Info{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Status: c.Status,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return out
}

// Start starts an existing container by id or name.
func (a *Adapter) Start(ctx context.Context, id string) error {
	if err := a.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "start container", err)
	}
	return nil
}

// Stop stops a running container, ignoring "already stopped"/"not found"
// since callers use Stop defensively before a swap.
func (a *Adapter) Stop(ctx context.Context, id string) error {
	timeout := 10
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindEngineUnavailable, "stop container", err)
	}
	return nil
}

// Restart restarts a running container.
func (a *Adapter) Restart(ctx context.Context, id string) error {
	timeout := 10
	if err := a.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "restart container", err)
	}
	return nil
}

// Remove removes a container (forcibly when force is set), ignoring "not found" for the same
// defensive-before-swap reason as Stop.
func (a *Adapter) Remove(ctx context.Context, id string, force bool) error {
	if err := a.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindEngineUnavailable, "remove container", err)
	}
	return nil
}

// Create creates (but does not start) a container from spec.
func (a *Adapter) Create(ctx context.Context, spec CreateSpec) (string, error) {
	portBindings := nat.PortMap{}
	exposed := nat.PortSet{}
	for containerPort, hostSpec := range spec.PortBindings {
		p, err := nat.NewPort(portProto(containerPort), portNumber(containerPort))
		if err != nil {
			return "", apperr.Wrap(apperr.KindInvalidPayload, "parse container port", err)
		}
		hostIP, hostPort := splitHostBinding(hostSpec)
		exposed[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{HostIP: hostIP, HostPort: hostPort}}
	}

	hostConfig := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: portBindings,
		NetworkMode:  container.NetworkMode(spec.NetworkMode),
	}
	if spec.RestartAlways {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: "always"}
	}

	var netConfig *network.NetworkingConfig
	if spec.NetworkMode != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkMode: {},
			},
		}
	}

	resp, err := a.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", apperr.Wrap(apperr.KindEngineUnavailable, "create container", err)
	}
	return resp.ID, nil
}

// PullImage pulls an image, draining the progress stream (the core does not
// surface pull progress, matching the reference worker's fire-and-forget
// pull-then-build flow).
func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	reader, err := a.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "pull image", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Logs returns the tail of a container's logs: all of its stdout lines
// followed by all of its stderr lines (the two streams are not interleaved).
func (a *Adapter) Logs(ctx context.Context, id string, tail int) (string, error) {
	out, err := a.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindEngineUnavailable, "container logs", err)
	}
	defer out.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		return "", apperr.Wrap(apperr.KindEngineUnavailable, "demux container logs", err)
	}
	return stdout.String() + stderr.String(), nil
}

// EnsureNetwork creates the named bridge network if it does not already exist.
func (a *Adapter) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := a.cli.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "list networks", err)
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}
	if _, err := a.cli.NetworkCreate(ctx, name, types.NetworkCreate{}); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "create network", err)
	}
	return nil
}

// ConnectNetwork attaches an already-running container to the named network.
func (a *Adapter) ConnectNetwork(ctx context.Context, networkName, containerID string) error {
	if err := a.cli.NetworkConnect(ctx, networkName, containerID, nil); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "connect container to network", err)
	}
	return nil
}

func portProto(spec string) string {
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		return spec[i+1:]
	}
	return "tcp"
}

func portNumber(spec string) string {
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		return spec[:i]
	}
	return spec
}

// splitHostBinding parses a "hostPort" or "hostIP:hostPort" host binding
// spec, defaulting to binding every interface when no IP is given.
func splitHostBinding(spec string) (hostIP, hostPort string) {
	if i := strings.LastIndexByte(spec, ':'); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return "0.0.0.0", spec
}
