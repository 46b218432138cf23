// Package docker wraps the Docker Engine API surface the installer
// touches: daemon reachability and a census of the containers belonging
// to the managed compose project.
package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ComposeProjectLabel is stamped by docker compose on every container it
// creates; it is how the installer recognizes its own containers.
const ComposeProjectLabel = "com.docker.compose.project"

// ComposeServiceLabel names the compose service a container belongs to.
const ComposeServiceLabel = "com.docker.compose.service"

// Summary is a census of the managed containers.
type Summary struct {
	Total     int
	Running   int
	Unhealthy int
	Names     []string
}

// Stopped reports how many managed containers exist but are not running.
func (s Summary) Stopped() int {
	return s.Total - s.Running
}

// Runtime talks to the Docker Engine API.
type Runtime struct {
	cli *client.Client
}

// NewRuntime creates a Runtime with a new Docker client from the environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli}
}

func (r *Runtime) Close() error {
	if r == nil || r.cli == nil {
		return nil
	}
	return r.cli.Close()
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// WaitReady polls the daemon until it answers or the context expires.
// A host where dockerd is enabled but still starting needs the grace
// period; errors other than a refused connection fail immediately.
func (r *Runtime) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		_, err := r.cli.Ping(ctx)
		if err == nil {
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to docker daemon: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ProjectSummary lists every container of the compose project, running
// or not, and tallies states. Health is read from the status line the
// engine reports, so only containers with a healthcheck count as
// unhealthy.
func (r *Runtime) ProjectSummary(ctx context.Context, project string) (Summary, error) {
	filters := dockerfilters.NewArgs()
	filters.Add("label", ComposeProjectLabel+"="+project)

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return Summary{}, fmt.Errorf("list %s containers: %w", project, err)
	}

	out := Summary{Names: make([]string, 0, len(containers))}
	for _, c := range containers {
		out.Total++
		if c.State == "running" {
			out.Running++
		}
		if strings.Contains(c.Status, "(unhealthy)") {
			out.Unhealthy++
		}
		if len(c.Names) > 0 {
			out.Names = append(out.Names, strings.TrimPrefix(c.Names[0], "/"))
		}
	}
	return out, nil
}

// ContainerInfo is one managed container as the status table shows it.
type ContainerInfo struct {
	Name    string
	Service string
	State   string
	Status  string
	Ports   []string
}

// ProjectContainers lists the compose project's containers with the
// fields the status table shows, sorted by service for stable output.
// Only ports published on the host are reported.
func (r *Runtime) ProjectContainers(ctx context.Context, project string) ([]ContainerInfo, error) {
	filters := dockerfilters.NewArgs()
	filters.Add("label", ComposeProjectLabel+"="+project)

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("list %s containers: %w", project, err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := ContainerInfo{
			Service: c.Labels[ComposeServiceLabel],
			State:   c.State,
			Status:  c.Status,
		}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			info.Ports = append(info.Ports, fmt.Sprintf("%d->%d/%s", p.PublicPort, p.PrivatePort, p.Type))
		}
		sort.Strings(info.Ports)
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
