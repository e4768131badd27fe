// Package config reads the clouds and templates nimbus-server provisions from.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/provider/docker"
	"github.com/gammadia/nimbus/provider/openstack"
	"github.com/gammadia/nimbus/retry"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenstack = "openstack"
	ProviderDocker    = "docker"

	ProbeSSH = "ssh"
	ProbeTCP = "tcp"
)

// Duration wraps time.Duration to support YAML values like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Clouds []Cloud `yaml:"clouds"`
}

type Cloud struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"`
	MaxAgents int    `yaml:"max-agents"`

	// Probe is ssh or tcp. OpenStack clouds default to ssh, docker ones to tcp.
	Probe         string   `yaml:"probe"`
	ProbeCommand  []string `yaml:"probe-command"`
	ProbeInterval Duration `yaml:"probe-interval"`

	Teardown Teardown `yaml:"teardown"`

	Openstack Openstack `yaml:"openstack"`
	Docker    Docker    `yaml:"docker"`

	Templates []Template `yaml:"templates"`
}

type Teardown struct {
	MaxAttempts    int      `yaml:"max-attempts"`
	AttemptTimeout Duration `yaml:"attempt-timeout"`
	Delay          Duration `yaml:"delay"`
}

type Openstack struct {
	Image            string   `yaml:"image"`
	Flavor           string   `yaml:"flavor"`
	Networks         []string `yaml:"networks"`
	SecurityGroups   []string `yaml:"security-groups"`
	AvailabilityZone string   `yaml:"availability-zone"`
	Username         string   `yaml:"username"`
	PollInterval     Duration `yaml:"poll-interval"`
	ReadyTimeout     Duration `yaml:"ready-timeout"`
	StopTimeout      Duration `yaml:"stop-timeout"`
}

type Docker struct {
	Image        string   `yaml:"image"`
	Network      string   `yaml:"network"`
	PollInterval Duration `yaml:"poll-interval"`
	ReadyTimeout Duration `yaml:"ready-timeout"`
	StopTimeout  Duration `yaml:"stop-timeout"`
}

type Template struct {
	ID            string            `yaml:"id"`
	Description   string            `yaml:"description"`
	NamePrefix    string            `yaml:"name-prefix"`
	Labels        []string          `yaml:"labels"`
	Mode          string            `yaml:"mode"`
	MaxAgents     int               `yaml:"max-agents"`
	Slots         int               `yaml:"slots"`
	StartTimeout  Duration          `yaml:"start-timeout"`
	ProbeTimeout  Duration          `yaml:"probe-timeout"`
	ProbePort     int               `yaml:"probe-port"`
	PublicAddress bool              `yaml:"public-address"`
	Reclaim       string            `yaml:"reclaim"`
	IdleRetention Duration          `yaml:"idle-retention"`
	Spec          map[string]string `yaml:"spec"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	source, err := Render(string(data), filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return Parse([]byte(source))
}

// Render evaluates a configuration file as a template so that secrets can be
// read from the environment, e.g. {{ env "OS_PASSWORD" }}. Relative paths
// given to file are resolved against dir.
func Render(source string, dir string) (string, error) {
	tmpl, err := template.New("config").Funcs(sprig.TxtFuncMap()).Funcs(template.FuncMap{
		"env": os.Getenv,
		"file": func(name string) (string, error) {
			if !filepath.IsAbs(name) {
				name = filepath.Join(dir, name)
			}
			data, err := os.ReadFile(name)
			return string(data), err
		},
	}).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse config template: %w", err)
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, nil); err != nil {
		return "", fmt.Errorf("failed to execute config template: %w", err)
	}
	return output.String(), nil
}

func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var config Config
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}
	return &config, nil
}

func Validate(config Config) error {
	if len(config.Clouds) == 0 {
		return fmt.Errorf("at least one cloud is required")
	}

	seen := make(map[string]bool)
	for _, c := range config.Clouds {
		if seen[c.Name] {
			return fmt.Errorf("duplicate cloud '%s'", c.Name)
		}
		seen[c.Name] = true

		switch c.Provider {
		case ProviderOpenstack, ProviderDocker:
		default:
			return fmt.Errorf("cloud '%s': unknown provider '%s'", c.Name, c.Provider)
		}

		switch c.ProbeKind() {
		case ProbeTCP:
		case ProbeSSH:
			if c.Provider != ProviderOpenstack {
				return fmt.Errorf("cloud '%s': the ssh probe needs the openstack provider", c.Name)
			}
		default:
			return fmt.Errorf("cloud '%s': unknown probe '%s'", c.Name, c.Probe)
		}

		if c.Teardown.MaxAttempts < 0 {
			return fmt.Errorf("cloud '%s': teardown max-attempts must not be negative", c.Name)
		}

		cloudConfig, err := c.CloudConfig()
		if err != nil {
			return err
		}
		if err := cloud.Validate(cloudConfig); err != nil {
			return err
		}
	}
	return nil
}

// ProbeKind returns the reachability probe of the cloud, defaults applied.
func (c Cloud) ProbeKind() string {
	if c.Probe != "" {
		return c.Probe
	}
	return lo.Ternary(c.Provider == ProviderOpenstack, ProbeSSH, ProbeTCP)
}

// CloudConfig converts c to the configuration of a cloud.Cloud. Clock,
// logger and metrics are left for the caller to set.
func (c Cloud) CloudConfig() (cloud.Config, error) {
	templates := make([]cloud.Template, 0, len(c.Templates))
	for _, t := range c.Templates {
		mode, err := cloud.ParseMode(t.Mode)
		if err != nil {
			return cloud.Config{}, fmt.Errorf("cloud '%s': template '%s': %w", c.Name, t.ID, err)
		}
		reclaim, err := cloud.ParseReclaimPolicy(t.Reclaim)
		if err != nil {
			return cloud.Config{}, fmt.Errorf("cloud '%s': template '%s': %w", c.Name, t.ID, err)
		}

		templates = append(templates, cloud.Template{
			ID:            t.ID,
			Description:   t.Description,
			NamePrefix:    t.NamePrefix,
			Labels:        t.Labels,
			Mode:          mode,
			MaxAgents:     t.MaxAgents,
			Slots:         t.Slots,
			StartTimeout:  t.StartTimeout.Duration,
			ProbeTimeout:  t.ProbeTimeout.Duration,
			ProbePort:     t.ProbePort,
			PublicAddress: t.PublicAddress,
			Reclaim:       reclaim,
			IdleRetention: t.IdleRetention.Duration,
			Spec:          cloud.Spec(t.Spec),
		})
	}

	config := cloud.Config{
		Name:          c.Name,
		MaxAgents:     c.MaxAgents,
		Templates:     templates,
		ProbeInterval: c.ProbeInterval.Duration,
	}
	if c.Teardown.MaxAttempts > 0 {
		config.Teardown = retry.Policy{
			MaxAttempts:    c.Teardown.MaxAttempts,
			AttemptTimeout: c.Teardown.AttemptTimeout.Duration,
			Delay:          c.Teardown.Delay.Duration,
		}
	}
	return config, nil
}

func (c Cloud) OpenstackConfig() openstack.Config {
	return openstack.Config{
		Image:            c.Openstack.Image,
		Flavor:           c.Openstack.Flavor,
		Networks:         c.Openstack.Networks,
		SecurityGroups:   c.Openstack.SecurityGroups,
		AvailabilityZone: c.Openstack.AvailabilityZone,
		Username:         c.Openstack.Username,
		PollInterval:     c.Openstack.PollInterval.Duration,
		ReadyTimeout:     c.Openstack.ReadyTimeout.Duration,
		StopTimeout:      c.Openstack.StopTimeout.Duration,
	}
}

func (c Cloud) DockerConfig() docker.Config {
	return docker.Config{
		Image:        c.Docker.Image,
		Network:      c.Docker.Network,
		PollInterval: c.Docker.PollInterval.Duration,
		ReadyTimeout: c.Docker.ReadyTimeout.Duration,
		StopTimeout:  c.Docker.StopTimeout.Duration,
	}
}
