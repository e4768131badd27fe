package openstack

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gammadia/nimbus/clock"
	"github.com/gammadia/nimbus/cloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

type Config struct {
	Image            string
	Flavor           string
	Networks         []string
	SecurityGroups   []string
	AvailabilityZone string
	// Username is used by the SSH reachability probe.
	Username string

	PollInterval time.Duration
	ReadyTimeout time.Duration
	StopTimeout  time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

const (
	DefaultPollInterval = 5 * time.Second
	DefaultReadyTimeout = 2 * time.Minute
	DefaultStopTimeout  = 2 * time.Minute
)

// Template spec keys overriding the provider defaults.
const (
	SpecImage            = "image"
	SpecFlavor           = "flavor"
	SpecNetworks         = "networks"
	SpecSecurityGroups   = "security-groups"
	SpecAvailabilityZone = "availability-zone"
)

type serverOpts struct {
	image            string
	flavor           string
	networks         []servers.Network
	securityGroups   []string
	availabilityZone string
}

func (c Config) serverOpts(spec cloud.Spec) serverOpts {
	opts := serverOpts{
		image:            coalesce(spec[SpecImage], c.Image),
		flavor:           coalesce(spec[SpecFlavor], c.Flavor),
		securityGroups:   c.SecurityGroups,
		availabilityZone: coalesce(spec[SpecAvailabilityZone], c.AvailabilityZone),
	}

	networks := c.Networks
	if value, ok := spec[SpecNetworks]; ok {
		networks = splitList(value)
	}
	opts.networks = lo.Map(networks, func(uuid string, _ int) servers.Network {
		return servers.Network{UUID: uuid}
	})

	if value, ok := spec[SpecSecurityGroups]; ok {
		opts.securityGroups = splitList(value)
	}
	return opts
}

func coalesce(values ...string) string {
	value, _ := lo.Coalesce(values...)
	return value
}

func splitList(value string) []string {
	return lo.WithoutEmpty(lo.Map(strings.Split(value, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}
