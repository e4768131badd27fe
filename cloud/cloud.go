package cloud

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gammadia/nimbus/clock"
	"github.com/gammadia/nimbus/pool"
	"github.com/gammadia/nimbus/retry"
	"github.com/samber/lo"
)

type Config struct {
	Name string
	// MaxAgents caps live plus planned agents across all templates.
	MaxAgents int
	Templates []Template

	// ProbeInterval is the delay between two reachability probes.
	ProbeInterval time.Duration
	// Teardown drives terminate and stop calls, both on rollback and reclaim.
	Teardown retry.Policy

	Clock   clock.Clock  `json:"-"`
	Logger  *slog.Logger `json:"-"`
	Metrics Recorder     `json:"-"`
}

const DefaultProbeInterval = 5 * time.Second

func Validate(config Config) error {
	if config.Name == "" {
		return fmt.Errorf("cloud name must not be empty")
	}
	if config.MaxAgents < 1 {
		return fmt.Errorf("cloud '%s': max-agents must be greater than 0", config.Name)
	}
	if len(config.Templates) == 0 {
		return fmt.Errorf("cloud '%s': at least one template is required", config.Name)
	}
	if config.ProbeInterval < 0 {
		return fmt.Errorf("cloud '%s': probe-interval must not be negative", config.Name)
	}

	seen := make(map[string]bool)
	for _, template := range config.Templates {
		if err := ValidateTemplate(template); err != nil {
			return fmt.Errorf("cloud '%s': %w", config.Name, err)
		}
		if seen[template.ID] {
			return fmt.Errorf("cloud '%s': duplicate template '%s'", config.Name, template.ID)
		}
		seen[template.ID] = true
	}
	return nil
}

// Cloud provisions agents from its templates on a single ResourceProvider.
type Cloud struct {
	config   Config
	provider ResourceProvider
	prober   Prober
	nodes    Nodes
	workers  pool.Pool
	breakers *Breakers

	clock   clock.Clock
	log     *slog.Logger
	metrics Recorder

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes admission decisions and guards inflight
	mu       sync.Mutex
	inflight map[*PlannedNode]struct{}
}

func New(config Config, provider ResourceProvider, prober Prober, nodes Nodes, workers pool.Pool) (*Cloud, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}

	if config.ProbeInterval == 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if config.Teardown.MaxAttempts == 0 {
		config.Teardown = retry.DefaultPolicy()
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Teardown.Clock == nil {
		config.Teardown.Clock = config.Clock
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Metrics == nil {
		config.Metrics = nopRecorder{}
	}

	config.Templates = slices.Clone(config.Templates)
	for i, template := range config.Templates {
		if template.ProbePort == 0 {
			config.Templates[i].ProbePort = 22
		}
		if template.Reclaim == "" {
			config.Templates[i].Reclaim = ReclaimTerminate
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Cloud{
		config:   config,
		provider: provider,
		prober:   prober,
		nodes:    nodes,
		workers:  workers,
		breakers: NewBreakers(),

		clock:   config.Clock,
		log:     config.Logger.With("cloud", config.Name),
		metrics: config.Metrics,

		ctx:    ctx,
		cancel: cancel,

		inflight: make(map[*PlannedNode]struct{}),
	}, nil
}

func (c *Cloud) Name() string {
	return c.config.Name
}

func (c *Cloud) MaxAgents() int {
	return c.config.MaxAgents
}

func (c *Cloud) Templates() []Template {
	return c.config.Templates
}

func (c *Cloud) Template(id string) (Template, bool) {
	return lo.Find(c.config.Templates, func(t Template) bool { return t.ID == id })
}

func (c *Cloud) Breaker(templateID string) *Breaker {
	return c.breakers.Get(templateID)
}

// ResetTemplate re-enables a template disabled by its breaker.
func (c *Cloud) ResetTemplate(id string) error {
	if _, ok := c.Template(id); !ok {
		return fmt.Errorf("%w '%s' in cloud '%s'", ErrUnknownTemplate, id, c.Name())
	}

	breaker := c.breakers.Get(id)
	if cause := breaker.DisableCause(); cause != "" {
		c.log.Info("Re-enabling template", "template", id, "cause", cause)
	}
	breaker.ResetFailureCount()
	return nil
}

// Shutdown cancels in-flight provisioning workflows, explicit ones included.
// Their resources are rolled back.
func (c *Cloud) Shutdown() {
	c.cancel()
}

// Alive queries the lifecycle state of the resource backing agent. A failed
// query is reported as not alive together with the error.
func (c *Cloud) Alive(ctx context.Context, agent *Agent) (bool, LifecycleState, error) {
	state, err := c.provider.LifecycleState(ctx, agent.ResourceID)
	if err != nil {
		return false, state, fmt.Errorf("%w for agent '%s' (resource '%s'): %w", ErrLivenessQuery, agent.Name, agent.ResourceID, err)
	}
	return lo.Contains(c.provider.AliveStates(), state), state, nil
}

// Reclaim stops or terminates the resource backing agent according to its
// reclaim policy. It does not touch the scheduler's bookkeeping, see Retire.
func (c *Cloud) Reclaim(ctx context.Context, agent *Agent, reason string) error {
	log := c.log.With("node", agent.Name, "resource", agent.ResourceID, "reason", reason)
	log.Info("Reclaiming agent", "policy", agent.Reclaim)

	err := c.teardown(ctx, agent.ResourceID, agent.Reclaim)
	c.metrics.AgentReclaimed(c.Name(), agent.TemplateID, reason, err)
	if err != nil {
		return err
	}

	log.Info("Agent reclaimed")
	return nil
}

func (c *Cloud) teardown(ctx context.Context, resourceID string, policy ReclaimPolicy) error {
	err := retry.Do(ctx, c.config.Teardown, func(ctx context.Context) error {
		if policy == ReclaimStop {
			if err := c.provider.StopResource(ctx, resourceID); err != nil {
				return fmt.Errorf("failed to stop resource '%s': %w", resourceID, err)
			}
			if err := c.provider.WaitUntilStopped(ctx, resourceID); err != nil {
				return fmt.Errorf("failed while waiting for resource '%s' to stop: %w", resourceID, err)
			}
			return nil
		}

		if err := c.provider.TerminateResource(ctx, resourceID); err != nil {
			return fmt.Errorf("failed to terminate resource '%s': %w", resourceID, err)
		}
		if err := c.provider.WaitUntilTerminated(ctx, resourceID); err != nil {
			return fmt.Errorf("failed while waiting for resource '%s' to terminate: %w", resourceID, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrTeardownFailed, c.config.Teardown.MaxAttempts, err)
	}
	return nil
}
