package cloud

import (
	"context"
	"time"

	"github.com/gammadia/nimbus/pool"
)

// Agent is a node backed by a remote resource. A stopped agent is not live:
// its resource is kept so that it can be restarted.
type Agent struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display-name"`
	Cloud       string        `json:"cloud"`
	TemplateID  string        `json:"template"`
	ResourceID  string        `json:"resource-id"`
	Address     string        `json:"address"`
	Port        int           `json:"port"`
	Slots       int           `json:"slots"`
	Labels      []string      `json:"labels,omitempty"`
	Reclaim     ReclaimPolicy `json:"reclaim"`
	Stopped     bool          `json:"stopped,omitempty"`
	CreatedAt   time.Time     `json:"created-at"`
}

// WithReclaim returns a copy of the agent reclaimed with policy instead.
func (a *Agent) WithReclaim(policy ReclaimPolicy) *Agent {
	agent := *a
	agent.Reclaim = policy
	return &agent
}

// Retire updates nodes once agent has been reclaimed: a stopped agent is
// kept for a later restart, a terminated one is removed.
func Retire(nodes Nodes, agent *Agent) error {
	if agent.Reclaim == ReclaimStop {
		return nodes.StopAgent(agent.Name)
	}
	return nodes.RemoveAgent(agent.Name)
}

// PlannedNode is an agent whose provisioning is in flight. It counts against
// the caps until it resolves.
type PlannedNode struct {
	DisplayName string
	Cloud       string
	TemplateID  string
	Slots       int
	// Restart names the stopped agent this node brings back, if any
	Restart string

	agent *pool.Future[*Agent]
}

func NewPlannedNode(displayName, cloud, templateID string, slots int, agent *pool.Future[*Agent]) *PlannedNode {
	return &PlannedNode{
		DisplayName: displayName,
		Cloud:       cloud,
		TemplateID:  templateID,
		Slots:       slots,
		agent:       agent,
	}
}

func (p *PlannedNode) Done() <-chan struct{} {
	return p.agent.Done()
}

// Wait blocks until provisioning finished and returns the new agent.
func (p *PlannedNode) Wait(ctx context.Context) (*Agent, error) {
	return p.agent.Wait(ctx)
}
