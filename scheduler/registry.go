package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/store"
	"github.com/samber/lo"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrDuplicateAgent = errors.New("duplicate agent")
)

// ResolveFunc is told about every planned node that finished provisioning.
// A non-nil agent with a non-nil error is an agent that could not be
// registered.
type ResolveFunc func(label string, node *cloud.PlannedNode, agent *cloud.Agent, err error)

// Registry is the bookkeeping of agents and planned nodes. Agents are
// persisted to a store.
type Registry struct {
	store   store.Store
	timeout time.Duration
	log     *slog.Logger

	mu        sync.RWMutex
	agents    map[string]*cloud.Agent
	planned   map[*cloud.PlannedNode]string
	onResolve ResolveFunc

	wg sync.WaitGroup
}

// Registry implements cloud.Nodes
var _ cloud.Nodes = (*Registry)(nil)

func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		store:   s,
		timeout: 10 * time.Second,
		log:     logger,

		agents:  make(map[string]*cloud.Agent),
		planned: make(map[*cloud.PlannedNode]string),
	}
}

// Load restores the agents found in the store.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, agent := range agents {
		r.agents[agent.Name] = agent
	}
	r.log.Info("Loaded agents from store", "count", len(agents))
	return nil
}

func (r *Registry) OnResolve(f ResolveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResolve = f
}

func (r *Registry) Agents(cloudName string) []*cloud.Agent {
	return lo.Filter(r.AllAgents(), func(agent *cloud.Agent, _ int) bool {
		return agent.Cloud == cloudName
	})
}

// AllAgents returns every agent, ordered by name.
func (r *Registry) AllAgents() []*cloud.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := lo.Values(r.agents)
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

func (r *Registry) Agent(name string) (*cloud.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	return agent, ok
}

func (r *Registry) Planned(cloudName string) []*cloud.PlannedNode {
	return r.plannedWhere(func(node *cloud.PlannedNode, _ string) bool { return node.Cloud == cloudName })
}

// PlannedFor returns the planned nodes enqueued for label.
func (r *Registry) PlannedFor(label string) []*cloud.PlannedNode {
	return r.plannedWhere(func(_ *cloud.PlannedNode, l string) bool { return l == label })
}

// AllPlanned returns every planned node with the label it was planned for.
func (r *Registry) AllPlanned() map[*cloud.PlannedNode]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Assign(r.planned)
}

func (r *Registry) plannedWhere(predicate func(*cloud.PlannedNode, string) bool) []*cloud.PlannedNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := lo.Keys(lo.PickBy(r.planned, func(node *cloud.PlannedNode, label string) bool {
		return predicate(node, label)
	}))
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].DisplayName < nodes[j].DisplayName })
	return nodes
}

// AddAgent registers a new agent, or one restarted from a stopped agent of
// the same name.
func (r *Registry) AddAgent(agent *cloud.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[agent.Name]; ok && !existing.Stopped {
		return fmt.Errorf("%w '%s'", ErrDuplicateAgent, agent.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return fmt.Errorf("failed to persist agent '%s': %w", agent.Name, err)
	}

	r.agents[agent.Name] = agent
	r.log.Info("Agent registered", "cloud", agent.Cloud, "node", agent.Name, "template", agent.TemplateID, "address", agent.Address)
	return nil
}

func (r *Registry) RemoveAgent(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[name]; !ok {
		return fmt.Errorf("%w '%s'", ErrUnknownAgent, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.DeleteAgent(ctx, name); err != nil {
		return fmt.Errorf("failed to delete agent '%s' from store: %w", name, err)
	}

	delete(r.agents, name)
	r.log.Info("Agent removed", "node", name)
	return nil
}

func (r *Registry) StopAgent(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("%w '%s'", ErrUnknownAgent, name)
	}
	stopped := *agent
	stopped.Stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.PutAgent(ctx, &stopped); err != nil {
		return fmt.Errorf("failed to persist stopped agent '%s': %w", name, err)
	}

	r.agents[name] = &stopped
	r.log.Info("Agent stopped", "cloud", stopped.Cloud, "node", name)
	return nil
}

// Enqueue tracks planned nodes until they resolve. Successful ones become
// agents.
func (r *Registry) Enqueue(label string, nodes ...*cloud.PlannedNode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		if _, ok := r.planned[node]; ok {
			continue
		}
		r.planned[node] = label

		r.wg.Add(1)
		go r.watch(label, node)
	}
}

func (r *Registry) watch(label string, node *cloud.PlannedNode) {
	defer r.wg.Done()

	agent, err := node.Wait(context.Background())
	if err == nil {
		err = r.AddAgent(agent)
	} else {
		agent = nil
	}

	r.mu.Lock()
	delete(r.planned, node)
	onResolve := r.onResolve
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("Planned node did not come online", "cloud", node.Cloud, "node", node.DisplayName, "error", err)
	}
	if onResolve != nil {
		onResolve(label, node, agent, err)
	}
}

// Wait blocks until every enqueued planned node resolved.
func (r *Registry) Wait() {
	r.wg.Wait()
}
