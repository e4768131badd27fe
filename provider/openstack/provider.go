// Package openstack provisions agents as OpenStack compute servers.
package openstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/gammadia/nimbus/clock"
	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/namegen"
	"github.com/gammadia/nimbus/timeout"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"golang.org/x/crypto/ssh"
)

// Server states, as reported by Nova
const (
	StateActive  cloud.LifecycleState = "ACTIVE"
	StateBuild   cloud.LifecycleState = "BUILD"
	StateShutoff cloud.LifecycleState = "SHUTOFF"
	StateError   cloud.LifecycleState = "ERROR"
	StateDeleted cloud.LifecycleState = "DELETED"
)

var aliveStates = []cloud.LifecycleState{
	StateActive, StateBuild, "REBOOT", "HARD_REBOOT", "MIGRATING", "RESIZE", "VERIFY_RESIZE", "PASSWORD",
}

type Provider struct {
	name   namegen.ID
	config Config
	client *gophercloud.ServiceClient
	log    *slog.Logger

	keyName    string
	privateKey ssh.Signer
}

// Provider implements cloud.ResourceProvider
var _ cloud.ResourceProvider = (*Provider)(nil)

// New authenticates against OpenStack with the standard OS_* environment
// variables.
func New(config Config) (*Provider, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: os.Getenv("OS_REGION_NAME"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return NewWithClient(client, config)
}

// NewWithClient creates the keypair injected into every server.
func NewWithClient(client *gophercloud.ServiceClient, config Config) (*Provider, error) {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = DefaultReadyTimeout
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = DefaultStopTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	name := namegen.Get()
	p := &Provider{
		name:   name,
		config: config,
		client: client,
		log:    config.Logger,

		keyName: fmt.Sprintf("nimbus-%s", name),
	}

	keypair, err := keypairs.Create(client, keypairs.CreateOpts{Name: p.keyName}).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to create keypair: %w", err)
	}
	p.privateKey, err = ssh.ParsePrivateKey([]byte(keypair.PrivateKey))
	if err != nil {
		_ = keypairs.Delete(client, p.keyName, nil).ExtractErr()
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return p, nil
}

// Signer authenticates against servers created by this provider.
func (p *Provider) Signer() ssh.Signer {
	return p.privateKey
}

func (p *Provider) Username() string {
	return p.config.Username
}

// Close deletes the provider keypair. Servers are left untouched.
func (p *Provider) Close() error {
	if err := keypairs.Delete(p.client, p.keyName, nil).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete keypair '%s': %w", p.keyName, err)
	}
	return nil
}

func (p *Provider) CreateResource(_ context.Context, name string, spec cloud.Spec) (string, error) {
	opts := p.config.serverOpts(spec)

	server, err := servers.Create(p.client, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:             name,
			ImageRef:         opts.image,
			FlavorRef:        opts.flavor,
			Networks:         opts.networks,
			SecurityGroups:   opts.securityGroups,
			AvailabilityZone: opts.availabilityZone,
			Metadata: map[string]string{
				"nimbus-provider":       p.name.String(),
				"nimbus-provisioned-at": p.config.Clock.Now().Format(time.RFC3339),
			},
		},
		KeyName: p.keyName,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create server '%s': %w", name, err)
	}

	p.log.Debug("Created server", "server", name, "id", server.ID)
	return server.ID, nil
}

func (p *Provider) WaitUntilReady(ctx context.Context, id string) error {
	return p.waitForState(ctx, id, StateActive, p.config.ReadyTimeout)
}

func (p *Provider) WaitUntilStopped(ctx context.Context, id string) error {
	return p.waitForState(ctx, id, StateShutoff, p.config.StopTimeout)
}

func (p *Provider) WaitUntilTerminated(ctx context.Context, id string) error {
	return p.poll(ctx, p.config.StopTimeout, func() (bool, error) {
		state, err := p.LifecycleState(ctx, id)
		return state == StateDeleted, err
	})
}

func (p *Provider) waitForState(ctx context.Context, id string, target cloud.LifecycleState, within time.Duration) error {
	err := p.poll(ctx, within, func() (bool, error) {
		state, err := p.LifecycleState(ctx, id)
		switch {
		case err != nil:
			return false, err
		case state == target:
			return true, nil
		case state == StateError || state == StateDeleted:
			return false, fmt.Errorf("server '%s' is in state %s", id, state)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("failed while waiting for server '%s' to become %s after %s: %w", id, target, within, err)
	}
	return nil
}

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

type address struct {
	Addr    string `json:"addr"`
	Version int    `json:"version"`
	Type    string `json:"OS-EXT-IPS:type"`
}

// ResolveAddress returns the first IPv4 floating address when public is set,
// the first fixed one otherwise. Networks are scanned in name order.
func (p *Provider) ResolveAddress(_ context.Context, id string, public bool) (string, error) {
	server, err := servers.Get(p.client, id).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to get server '%s': %w", id, err)
	}

	raw, err := json.Marshal(server.Addresses)
	if err != nil {
		return "", fmt.Errorf("failed to read addresses of server '%s': %w", id, err)
	}
	var networks map[string][]address
	if err := json.Unmarshal(raw, &networks); err != nil {
		return "", fmt.Errorf("failed to read addresses of server '%s': %w", id, err)
	}

	kind := "fixed"
	if public {
		kind = "floating"
	}

	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, addr := range networks[name] {
			if addr.Version == 4 && addr.Type == kind {
				return addr.Addr, nil
			}
		}
	}
	return "", fmt.Errorf("failed to find %s IPv4 address for server '%s'", kind, id)
}

// TerminateResource succeeds if the server is already gone.
func (p *Provider) TerminateResource(_ context.Context, id string) error {
	err := servers.Delete(p.client, id).ExtractErr()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete server '%s': %w", id, err)
	}
	return nil
}

func (p *Provider) StopResource(_ context.Context, id string) error {
	if err := startstop.Stop(p.client, id).ExtractErr(); err != nil {
		return fmt.Errorf("failed to stop server '%s': %w", id, err)
	}
	return nil
}

func (p *Provider) StartResource(_ context.Context, id string) error {
	if err := startstop.Start(p.client, id).ExtractErr(); err != nil {
		return fmt.Errorf("failed to start server '%s': %w", id, err)
	}
	return nil
}

// LifecycleState reports a missing server as DELETED.
func (p *Provider) LifecycleState(_ context.Context, id string) (cloud.LifecycleState, error) {
	server, err := servers.Get(p.client, id).Extract()
	if err != nil {
		if isNotFound(err) {
			return StateDeleted, nil
		}
		return "", fmt.Errorf("failed to get server '%s': %w", id, err)
	}
	return cloud.LifecycleState(server.Status), nil
}

func (p *Provider) AliveStates() []cloud.LifecycleState {
	return aliveStates
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}
