// Package store persists agents so that a restarted server knows about the
// resources it provisioned earlier.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gammadia/nimbus/cloud"
	"github.com/samber/lo"
)

// ErrUnavailable marks failures caused by an unreachable backend rather than
// a rejected request.
var ErrUnavailable = errors.New("store unavailable")

type Store interface {
	PutAgent(ctx context.Context, agent *cloud.Agent) error
	DeleteAgent(ctx context.Context, name string) error
	ListAgents(ctx context.Context) ([]*cloud.Agent, error)
	Close() error
}

// Memory keeps agents in process memory. Nothing survives a restart.
type Memory struct {
	mu     sync.RWMutex
	agents map[string]cloud.Agent
}

// Memory implements Store
var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{agents: make(map[string]cloud.Agent)}
}

func (m *Memory) PutAgent(_ context.Context, agent *cloud.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.Name] = *agent
	return nil
}

func (m *Memory) DeleteAgent(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, name)
	return nil
}

func (m *Memory) ListAgents(context.Context) ([]*cloud.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := lo.MapToSlice(m.agents, func(_ string, agent cloud.Agent) *cloud.Agent {
		agent.Labels = append([]string(nil), agent.Labels...)
		return &agent
	})
	sortAgents(agents)
	return agents, nil
}

func (m *Memory) Close() error {
	return nil
}

func sortAgents(agents []*cloud.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
}
