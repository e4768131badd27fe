// Package docker provisions agents as containers on a Docker engine. It is
// mostly useful for local development.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/gammadia/nimbus/clock"
	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/namegen"
	"github.com/gammadia/nimbus/timeout"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

// DockerClient is the subset of the Docker SDK used by the provider.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Template spec keys
const (
	SpecImage   = "image"
	SpecNetwork = "network"
	SpecCommand = "command"
	SpecPull    = "pull"
)

const (
	StateRunning cloud.LifecycleState = "running"
	StateExited  cloud.LifecycleState = "exited"
	StateRemoved cloud.LifecycleState = "removed"

	LabelProvider = "nimbus.provider"
)

type Config struct {
	// Image is used when a template does not set one.
	Image string
	// Network the containers are attached to, "bridge" by default.
	Network string

	PollInterval time.Duration
	ReadyTimeout time.Duration
	// StopTimeout is the grace period given to a container before it is killed.
	StopTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type Provider struct {
	name   namegen.ID
	config Config
	docker DockerClient
	log    *slog.Logger
}

// Provider implements cloud.ResourceProvider
var _ cloud.ResourceProvider = (*Provider)(nil)

// New connects to the engine configured by the DOCKER_* environment.
func New(config Config) (*Provider, *client.Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init docker client: %w", err)
	}
	return NewWithClient(docker, config), docker, nil
}

func NewWithClient(docker DockerClient, config Config) *Provider {
	if config.Network == "" {
		config.Network = "bridge"
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = time.Minute
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Provider{
		name:   namegen.Get(),
		config: config,
		docker: docker,
		log:    config.Logger,
	}
}

func (p *Provider) CreateResource(ctx context.Context, name string, spec cloud.Spec) (string, error) {
	imageRef, _ := lo.Coalesce(spec[SpecImage], p.config.Image)
	if imageRef == "" {
		return "", fmt.Errorf("no image configured for container '%s'", name)
	}
	networkName, _ := lo.Coalesce(spec[SpecNetwork], p.config.Network)

	if spec[SpecPull] == "true" {
		if err := p.pull(ctx, imageRef); err != nil {
			return "", err
		}
	}

	config := &container.Config{
		Image:    imageRef,
		Hostname: name,
		Labels: map[string]string{
			LabelProvider: p.name.String(),
		},
	}
	if command := strings.TrimSpace(spec[SpecCommand]); command != "" {
		config.Cmd = []string{"sh", "-c", command}
	}

	resp, err := p.docker.ContainerCreate(ctx, config, &container.HostConfig{NetworkMode: container.NetworkMode(networkName)}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container '%s': %w", name, err)
	}

	if err := p.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := p.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			p.log.Warn("Failed to remove container that could not start", "container", name, "error", rmErr)
		}
		return "", fmt.Errorf("failed to start container '%s': %w", name, err)
	}

	p.log.Debug("Started container", "container", name, "id", resp.ID)
	return resp.ID, nil
}

func (p *Provider) pull(ctx context.Context, imageRef string) error {
	reader, err := p.docker.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image '%s': %w", imageRef, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed while pulling image '%s': %w", imageRef, err)
	}
	return nil
}

func (p *Provider) WaitUntilReady(ctx context.Context, id string) error {
	err := p.poll(ctx, p.config.ReadyTimeout, func() (bool, error) {
		state, err := p.LifecycleState(ctx, id)
		switch {
		case err != nil:
			return false, err
		case state == StateRunning:
			return true, nil
		case state == StateExited || state == "dead" || state == StateRemoved:
			return false, fmt.Errorf("container '%s' is %s", id, state)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("failed while waiting for container '%s' to run: %w", id, err)
	}
	return nil
}

// ResolveAddress returns the container IPv4 address, taking networks in
// name order. Containers have no public address.
func (p *Provider) ResolveAddress(ctx context.Context, id string, public bool) (string, error) {
	if public {
		return "", fmt.Errorf("containers have no public address")
	}

	inspect, err := p.docker.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container '%s': %w", id, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container '%s' has no network settings", id)
	}

	networks := lo.Keys(inspect.NetworkSettings.Networks)
	sort.Strings(networks)
	for _, name := range networks {
		if endpoint := inspect.NetworkSettings.Networks[name]; endpoint != nil && endpoint.IPAddress != "" {
			return endpoint.IPAddress, nil
		}
	}
	return "", fmt.Errorf("failed to find IPv4 address for container '%s'", id)
}

func (p *Provider) TerminateResource(ctx context.Context, id string) error {
	err := p.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container '%s': %w", id, err)
	}
	return nil
}

func (p *Provider) WaitUntilTerminated(ctx context.Context, id string) error {
	return p.poll(ctx, p.config.ReadyTimeout, func() (bool, error) {
		state, err := p.LifecycleState(ctx, id)
		return state == StateRemoved, err
	})
}

func (p *Provider) StopResource(ctx context.Context, id string) error {
	timeout := int(p.config.StopTimeout.Seconds())
	if err := p.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container '%s': %w", id, err)
	}
	return nil
}

// StartResource starts a stopped container again.
func (p *Provider) StartResource(ctx context.Context, id string) error {
	if err := p.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container '%s': %w", id, err)
	}
	return nil
}

func (p *Provider) WaitUntilStopped(ctx context.Context, id string) error {
	return p.poll(ctx, p.config.ReadyTimeout+p.config.StopTimeout, func() (bool, error) {
		state, err := p.LifecycleState(ctx, id)
		return err == nil && state != StateRunning && state != "restarting", err
	})
}

// LifecycleState reports a missing container as removed.
func (p *Provider) LifecycleState(ctx context.Context, id string) (cloud.LifecycleState, error) {
	inspect, err := p.docker.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StateRemoved, nil
		}
		return "", fmt.Errorf("failed to inspect container '%s': %w", id, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return "", fmt.Errorf("container '%s' has no state", id)
	}
	return cloud.LifecycleState(inspect.State.Status), nil
}

func (p *Provider) AliveStates() []cloud.LifecycleState {
	return []cloud.LifecycleState{StateRunning, "restarting"}
}

// poll calls done until it reports true or fails. It gives up with
// context.DeadlineExceeded once total has elapsed on the provider clock.
func (p *Provider) poll(ctx context.Context, total time.Duration, done func() (bool, error)) error {
	gate := timeout.NewGate(p.config.Clock, total, p.config.PollInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok, err := done(); err != nil || ok {
			return err
		}
		if !gate.Sleep() {
			return fmt.Errorf("gave up after %s: %w", gate.Elapsed(), context.DeadlineExceeded)
		}
	}
}
