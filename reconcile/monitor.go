// Package reconcile periodically verifies that every live agent is still
// backed by a live resource and removes the ones that are not.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gammadia/nimbus/cloud"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
)

// Cloud is what the monitor needs from a *cloud.Cloud.
type Cloud interface {
	Name() string
	Alive(ctx context.Context, agent *cloud.Agent) (bool, cloud.LifecycleState, error)
	Reclaim(ctx context.Context, agent *cloud.Agent, reason string) error
}

type Config struct {
	// Period between two sweeps. cron rounds it up to a whole second.
	Period time.Duration
	// QueryTimeout bounds a single liveness query.
	QueryTimeout time.Duration
	Logger       *slog.Logger
}

const (
	DefaultPeriod       = 10 * time.Minute
	DefaultQueryTimeout = time.Minute
)

// Result summarizes a sweep.
type Result struct {
	Checked int
	Alive   int
	// Removed counts dead agents taken out of the live set, stopped or not
	Removed int
}

type Monitor struct {
	nodes  cloud.Nodes
	clouds []Cloud
	config Config
	log    *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(nodes cloud.Nodes, config Config, clouds ...Cloud) *Monitor {
	if config.Period <= 0 {
		config.Period = DefaultPeriod
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clouds = append([]Cloud(nil), clouds...)
	sort.Slice(clouds, func(i, j int) bool { return clouds[i].Name() < clouds[j].Name() })

	return &Monitor{
		nodes:  nodes,
		clouds: clouds,
		config: config,
		log:    config.Logger,
	}
}

// Start schedules sweeps every Period. Sweeps never overlap: a sweep still
// running when the next one is due causes that one to be skipped.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("monitor already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{m.log}
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", m.config.Period), func() { m.Sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	m.cron, m.cancel = scheduler, cancel
	scheduler.Start()
	m.log.Info("Reconciliation monitor started", "period", m.config.Period)
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	scheduler, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()

	if scheduler == nil {
		return
	}
	cancel()
	<-scheduler.Stop().Done()
	m.log.Info("Reconciliation monitor stopped")
}

// Sweep checks every live agent of every cloud once. Stopped agents are left
// alone. Failures are handled per agent and never abort the sweep.
func (m *Monitor) Sweep(ctx context.Context) Result {
	var result Result
	start := time.Now()

	for _, c := range m.clouds {
		for _, agent := range m.nodes.Agents(c.Name()) {
			if ctx.Err() != nil {
				m.log.Warn("Reconciliation interrupted", "error", ctx.Err())
				return result
			}
			if agent.Stopped {
				continue
			}
			m.check(ctx, c, agent, &result)
		}
	}

	m.log.Info("Reconciliation done", "checked", result.Checked, "alive", result.Alive, "removed", result.Removed, "duration", time.Since(start))
	return result
}

func (m *Monitor) check(ctx context.Context, c Cloud, agent *cloud.Agent, result *Result) {
	log := m.log.With("cloud", c.Name(), "node", agent.Name, "resource", agent.ResourceID)

	queryCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	alive, state, err := c.Alive(queryCtx, agent)
	cancel()

	// An interrupted query says nothing about the agent
	if ctx.Err() != nil {
		log.Warn("Liveness query interrupted, leaving agent unchecked", "error", ctx.Err())
		return
	}
	result.Checked++

	switch {
	case err != nil:
		log.Warn("Failed to query agent liveness, considering it dead", "error", err)
	case alive:
		log.Debug("Agent is alive", "state", state)
		result.Alive++
		return
	default:
		log.Warn("Agent is not alive", "state", state)
	}

	// The node is gone for the scheduler even if its resource could not be
	// torn down
	if err := c.Reclaim(ctx, agent, "dead"); err != nil {
		log.Error("Failed to reclaim dead agent, removing it anyway", "error", err)
		if err := m.nodes.RemoveAgent(agent.Name); err != nil {
			log.Error("Failed to remove dead agent", "error", err)
			return
		}
	} else if err := cloud.Retire(m.nodes, agent); err != nil {
		log.Error("Failed to retire dead agent", "error", err)
		return
	}
	result.Removed++
	log.Info("Dead agent removed", "policy", agent.Reclaim)
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}

// Clouds adapts concrete clouds to the monitor's interface.
func Clouds(clouds ...*cloud.Cloud) []Cloud {
	return lo.Map(clouds, func(c *cloud.Cloud, _ int) Cloud { return c })
}
