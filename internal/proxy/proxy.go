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

// Package proxy manages the Traefik sidecar that fronts every deployed
// container: the shared network, the sidecar container itself, and the
// label-driven routing convention the deploy executor writes into each
// deployment's container at swap time.
package proxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/codepr/dockyy/internal/container"
)

const (
	// Network is the shared bridge network the sidecar and every deployed
	// container join, so Traefik can reach them by container name.
	Network = "dockyy-net"
	// ContainerName is the fixed name of the sidecar container.
	ContainerName = "dockyy-traefik"
	image         = "traefik:v3.3"

	managedLabel = "dockyy.managed"
	enableLabel  = "traefik.enable"
)

// Route describes one container currently exposed through the sidecar.
type Route struct {
	ContainerID   string
	ContainerName string
	Domain        string
	Port          int
	Status        string
}

// Controller owns the Docker adapter used to bring the sidecar up and to
// inspect routed containers. It holds no other state; the engine itself is
// the source of truth.
type Controller struct {
	containers *container.Adapter
}

// NewController wraps an already-dialled container adapter.
func NewController(adapter *container.Adapter) *Controller {
	return &Controller{containers: adapter}
}

// EnsureNetwork creates the shared bridge network if it is missing.
func (c *Controller) EnsureNetwork(ctx context.Context) error {
	return c.containers.EnsureNetwork(ctx, Network)
}

// EnsureProxy brings the Traefik sidecar up: creates the network, then
// starts an existing stopped sidecar or creates and starts a fresh one
// bound to httpPort on the host.
func (c *Controller) EnsureProxy(ctx context.Context, httpPort int) error {
	if err := c.EnsureNetwork(ctx); err != nil {
		return err
	}

	existing, err := c.containers.ListByName(ctx, ContainerName)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		info := existing[0]
		if info.State == "running" {
			return nil
		}
		return c.containers.Start(ctx, info.ID)
	}

	labels := map[string]string{managedLabel: "true"}
	cmd := []string{
		"--api.insecure=true",
		"--providers.docker=true",
		"--providers.docker.network=" + Network,
		"--providers.docker.exposedbydefault=false",
		"--entrypoints.web.address=:80",
	}

	id, err := c.containers.Create(ctx, container.CreateSpec{
		Name:   ContainerName,
		Image:  image,
		Cmd:    cmd,
		Labels: labels,
		Binds: []string{
			"/var/run/docker.sock:/var/run/docker.sock:ro",
		},
		PortBindings: map[string]string{
			"80/tcp":   "0.0.0.0:" + strconv.Itoa(httpPort),
			"8080/tcp": "127.0.0.1:8080",
		},
		NetworkMode:   Network,
		RestartAlways: true,
	})
	if err != nil {
		return err
	}
	return c.containers.Start(ctx, id)
}

// IsRunning reports whether the sidecar container is currently running.
func (c *Controller) IsRunning(ctx context.Context) (bool, error) {
	matches, err := c.containers.ListByName(ctx, ContainerName)
	if err != nil {
		return false, err
	}
	for _, m := range matches {
		if m.State == "running" {
			return true, nil
		}
	}
	return false, nil
}

// RoutingLabels returns the Traefik labels that route routerName's traffic
// to domain on port. routerName must be unique per container; callers pass
// the container name.
func RoutingLabels(routerName, domain string, port int) map[string]string {
	return map[string]string{
		enableLabel: "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", routerName):        fmt.Sprintf("Host(`%s`)", domain),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", routerName): "web",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", routerName): strconv.Itoa(port),
	}
}

// ConnectContainer attaches an already-running container to the shared
// network, used when a container was created outside the network (e.g. by
// a plain `docker build`/`docker run` without the proxy's network mode set).
func (c *Controller) ConnectContainer(ctx context.Context, containerID string) error {
	return c.containers.ConnectNetwork(ctx, Network, containerID)
}

// ListRoutes lists every running container with traefik.enable=true and
// decodes its domain and port back out of its labels. A container whose
// labels carry no Host(`...`) rule is left out of the result.
func (c *Controller) ListRoutes(ctx context.Context) ([]Route, error) {
	infos, err := c.containers.ListByLabel(ctx, false, enableLabel+"=true")
	if err != nil {
		return nil, err
	}

	routes := make([]Route, 0, len(infos))
	for _, info := range infos {
		domain, ok := domainFromLabels(info.Labels)
		if !ok {
			continue
		}
		routes = append(routes, Route{
			ContainerID:   info.ID,
			ContainerName: info.Name,
			Domain:        domain,
			Port:          portFromLabels(info.Labels),
			Status:        info.Status,
		})
	}
	return routes, nil
}

func domainFromLabels(labels map[string]string) (string, bool) {
	for k, v := range labels {
		if !strings.HasSuffix(k, ".rule") {
			continue
		}
		if d, ok := parseHostRule(v); ok {
			return d, true
		}
	}
	return "", false
}

func parseHostRule(rule string) (string, bool) {
	const prefix, suffix = "Host(`", "`)"
	if !strings.HasPrefix(rule, prefix) || !strings.HasSuffix(rule, suffix) {
		return "", false
	}
	return rule[len(prefix) : len(rule)-len(suffix)], true
}

func portFromLabels(labels map[string]string) int {
	for k, v := range labels {
		if !strings.HasSuffix(k, ".loadbalancer.server.port") {
			continue
		}
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return 80
}
