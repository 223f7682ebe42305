package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	Name        string
	PortBinding nat.PortMap
}

// RunContainer creates and starts a named container with the provided
// port bindings. The host port is fixed by the caller, not daemon-assigned.
func (c *Client) RunContainer(ctx context.Context, name, imageTag string, env []string, ports nat.PortMap) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(imageTag) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	cfg := &container.Config{
		Image:        imageTag,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range ports {
		cfg.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: ports,
		RestartPolicy: container.RestartPolicy{
			Name: "unless-stopped",
		},
	}

	r, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := c.inner.ContainerInspect(ctx, r.ID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}

	binding := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		binding = inspect.NetworkSettings.Ports
	}
	return ContainerInfo{ID: r.ID, Name: name, PortBinding: binding}, nil
}

// RemoveContainer force-removes a container by name or id. A missing
// container is not an error so teardown stays idempotent.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListContainersByName returns all containers, running or not, whose
// name matches the filter. The daemon is the source of truth here: a
// stored name can go stale across restarts, so reconciliation queries
// live state instead of trusting the database.
func (c *Client) ListContainersByName(ctx context.Context, name string) ([]ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("container name cannot be empty")
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, item := range list {
		info := ContainerInfo{ID: item.ID}
		if len(item.Names) > 0 {
			info.Name = strings.TrimPrefix(item.Names[0], "/")
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RemoveImage deletes an image by tag. Missing images are ignored.
func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	if _, err := c.inner.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}
