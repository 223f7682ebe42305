package build

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/theasmitwalia17/PreviewFlow/internal/docker"
	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/detect"
)

// Build stages for error attribution.
const (
	StageBuild = "build"
	StageRun   = "run"
)

// Error reports which stage of a deployment failed.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ContainerRuntime is the slice of the Docker client the engine needs.
type ContainerRuntime interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
	RunContainer(ctx context.Context, name, imageTag string, env []string, ports nat.PortMap) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, name string) error
	ListContainersByName(ctx context.Context, name string) ([]docker.ContainerInfo, error)
	RemoveImage(ctx context.Context, tag string) error
}

// Input describes one deployment attempt.
type Input struct {
	RepoOwner string
	RepoName  string
	PRNumber  int
	Dir       string
	Type      detect.Type
	Ports     domain.PortRange
	OnOutput  func(string)
}

// Result is a successful deployment.
type Result struct {
	URL           string
	ContainerName string
	HostPort      int
}

// Engine builds a container image from a checkout and runs it on a host
// port. Deployments are deterministic per pull request: the same PR
// reuses the same container name, so a redeploy replaces the previous
// container instead of accumulating new ones.
type Engine struct {
	runtime ContainerRuntime
	ports   *PortAllocator
	scheme  string
	host    string
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	releases map[string]func()
}

// NewEngine constructs an Engine.
func NewEngine(runtime ContainerRuntime, ports *PortAllocator, scheme, host string, timeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		runtime:  runtime,
		ports:    ports,
		scheme:   scheme,
		host:     host,
		timeout:  timeout,
		log:      logger,
		releases: make(map[string]func()),
	}
}

// Deploy builds the image and starts the container. On failure nothing
// is left running: a container that started but could not be confirmed
// is removed and its port claim released.
func (e *Engine) Deploy(ctx context.Context, input Input) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	name := ResourceName(input.RepoOwner, input.RepoName, input.PRNumber)

	// Replace any container left over from a previous deploy of this PR.
	if err := e.Remove(ctx, name); err != nil {
		return Result{}, &Error{Stage: StageBuild, Err: err}
	}

	if err := ensureDockerfile(input.Dir, input.Type); err != nil {
		return Result{}, &Error{Stage: StageBuild, Err: err}
	}

	if err := e.runtime.BuildImage(ctx, input.Dir, name, nil, input.OnOutput); err != nil {
		return Result{}, &Error{Stage: StageBuild, Err: err}
	}

	hostPort, releasePort, err := e.ports.Claim(input.Ports)
	if err != nil {
		return Result{}, &Error{Stage: StageRun, Err: err}
	}

	internal := nat.Port(fmt.Sprintf("%d/tcp", containerPort(input.Type)))
	bindings := nat.PortMap{
		internal: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}},
	}

	info, err := e.runtime.RunContainer(ctx, name, name, nil, bindings)
	if err != nil {
		releasePort()
		if rmErr := e.runtime.RemoveContainer(context.WithoutCancel(ctx), name); rmErr != nil {
			e.log.Warn("cleanup after failed start", "container", name, "error", rmErr)
		}
		return Result{}, &Error{Stage: StageRun, Err: err}
	}

	actual := e.reconcileName(ctx, name, info)

	// Claims are keyed by the deterministic name so a redeploy's
	// pre-remove frees the port even when the daemon renamed the
	// previous container.
	e.mu.Lock()
	e.releases[name] = releasePort
	e.mu.Unlock()

	return Result{
		URL:           fmt.Sprintf("%s://%s:%d", e.scheme, e.host, hostPort),
		ContainerName: actual,
		HostPort:      hostPort,
	}, nil
}

// Remove tears down a container by name and frees its port claim.
// Missing containers are fine, so callers may invoke it speculatively.
func (e *Engine) Remove(ctx context.Context, containerName string) error {
	if strings.TrimSpace(containerName) == "" {
		return nil
	}
	if err := e.runtime.RemoveContainer(ctx, containerName); err != nil {
		return err
	}
	if err := e.runtime.RemoveImage(ctx, containerName); err != nil {
		e.log.Warn("remove image", "image", containerName, "error", err)
	}
	e.mu.Lock()
	release, ok := e.releases[containerName]
	if ok {
		delete(e.releases, containerName)
	} else {
		// A reconciled name contains the deterministic one it was
		// claimed under.
		for key, fn := range e.releases {
			if strings.Contains(containerName, key) {
				release, ok = fn, true
				delete(e.releases, key)
				break
			}
		}
	}
	e.mu.Unlock()
	if ok {
		release()
	}
	return nil
}

// reconcileName asks the daemon what the container is actually called.
// The daemon can hold a renamed container under the requested name's
// prefix, and the stored record must reflect live state.
func (e *Engine) reconcileName(ctx context.Context, requested string, info docker.ContainerInfo) string {
	list, err := e.runtime.ListContainersByName(ctx, requested)
	if err != nil {
		e.log.Warn("reconcile container name", "container", requested, "error", err)
		if info.Name != "" {
			return info.Name
		}
		return requested
	}
	for _, item := range list {
		if strings.Contains(item.Name, requested) {
			return item.Name
		}
	}
	if info.Name != "" {
		return info.Name
	}
	return requested
}
