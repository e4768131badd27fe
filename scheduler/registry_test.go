package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/pool"
	"github.com/gammadia/nimbus/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolution struct {
	label string
	node  *cloud.PlannedNode
	agent *cloud.Agent
	err   error
}

func plannedNode(name, cloudName string, slots int, fn func() (*cloud.Agent, error)) *cloud.PlannedNode {
	return cloud.NewPlannedNode(name, cloudName, "small", slots, pool.Spawn(pool.New(silentLogger), fn))
}

func waitForResolution(t *testing.T, resolved <-chan resolution) resolution {
	t.Helper()
	select {
	case r := <-resolved:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for planned node resolution")
		return resolution{}
	}
}

func TestRegistryLoad(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.PutAgent(context.Background(), &cloud.Agent{Name: "b", Cloud: "os"}))
	require.NoError(t, s.PutAgent(context.Background(), &cloud.Agent{Name: "a", Cloud: "docker"}))

	r := NewRegistry(s, silentLogger)
	require.NoError(t, r.Load(context.Background()))

	agents := r.AllAgents()
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].Name)
	assert.Equal(t, "b", agents[1].Name)
	assert.Len(t, r.Agents("os"), 1)
}

func TestRegistryAddAndRemovePersist(t *testing.T) {
	s := store.NewMemory()
	r := NewRegistry(s, silentLogger)

	require.NoError(t, r.AddAgent(&cloud.Agent{Name: "a", Cloud: "os"}))
	err := r.AddAgent(&cloud.Agent{Name: "a", Cloud: "os"})
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	stored, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	require.NoError(t, r.RemoveAgent("a"))
	assert.ErrorIs(t, r.RemoveAgent("a"), ErrUnknownAgent)

	stored, err = s.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRegistryStoppedAgentIsReplacedOnRestart(t *testing.T) {
	s := store.NewMemory()
	r := NewRegistry(s, silentLogger)

	require.NoError(t, r.AddAgent(&cloud.Agent{Name: "a", Cloud: "os", Address: "10.0.0.1", Reclaim: cloud.ReclaimStop}))
	require.NoError(t, r.StopAgent("a"))
	assert.ErrorIs(t, r.StopAgent("missing"), ErrUnknownAgent)

	agent, ok := r.Agent("a")
	require.True(t, ok)
	assert.True(t, agent.Stopped)
	assert.Len(t, r.Agents("os"), 1, "a stopped agent still counts")

	stored, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Stopped)

	require.NoError(t, r.AddAgent(&cloud.Agent{Name: "a", Cloud: "os", Address: "10.0.0.2", Reclaim: cloud.ReclaimStop}))
	agent, _ = r.Agent("a")
	assert.False(t, agent.Stopped)
	assert.Equal(t, "10.0.0.2", agent.Address)

	assert.ErrorIs(t, r.AddAgent(&cloud.Agent{Name: "a", Cloud: "os"}), ErrDuplicateAgent)
}

func TestRegistryAddFailureKeepsNothing(t *testing.T) {
	r := NewRegistry(failingStore{store.NewMemory()}, silentLogger)

	err := r.AddAgent(&cloud.Agent{Name: "a"})
	assert.EqualError(t, err, "failed to persist agent 'a': store unavailable")
	_, ok := r.Agent("a")
	assert.False(t, ok)
}

func TestRegistryEnqueueResolvesToAgent(t *testing.T) {
	r := NewRegistry(store.NewMemory(), silentLogger)
	resolved := make(chan resolution, 1)
	r.OnResolve(func(label string, node *cloud.PlannedNode, agent *cloud.Agent, err error) {
		resolved <- resolution{label, node, agent, err}
	})

	release := make(chan struct{})
	node := plannedNode("n1", "os", 2, func() (*cloud.Agent, error) {
		<-release
		return &cloud.Agent{Name: "n1", Cloud: "os", Slots: 2}, nil
	})

	r.Enqueue("linux", node)
	r.Enqueue("linux", node)
	assert.Equal(t, []*cloud.PlannedNode{node}, r.Planned("os"))
	assert.Equal(t, []*cloud.PlannedNode{node}, r.PlannedFor("linux"))
	assert.Empty(t, r.PlannedFor("windows"))
	assert.Equal(t, map[*cloud.PlannedNode]string{node: "linux"}, r.AllPlanned())

	close(release)
	res := waitForResolution(t, resolved)
	require.NoError(t, res.err)
	assert.Equal(t, "linux", res.label)
	assert.Same(t, node, res.node)

	r.Wait()
	assert.Empty(t, r.Planned("os"))
	_, ok := r.Agent("n1")
	assert.True(t, ok)
}

func TestRegistryEnqueueFailure(t *testing.T) {
	r := NewRegistry(store.NewMemory(), silentLogger)
	resolved := make(chan resolution, 1)
	r.OnResolve(func(label string, node *cloud.PlannedNode, agent *cloud.Agent, err error) {
		resolved <- resolution{label, node, agent, err}
	})

	r.Enqueue("linux", plannedNode("n1", "os", 1, func() (*cloud.Agent, error) {
		return nil, errors.New("boot failure")
	}))

	res := waitForResolution(t, resolved)
	assert.EqualError(t, res.err, "boot failure")
	assert.Nil(t, res.agent)

	r.Wait()
	assert.Empty(t, r.AllAgents())
	assert.Empty(t, r.AllPlanned())
}

func TestRegistryEnqueueRegistrationFailure(t *testing.T) {
	r := NewRegistry(failingStore{store.NewMemory()}, silentLogger)
	resolved := make(chan resolution, 1)
	r.OnResolve(func(label string, node *cloud.PlannedNode, agent *cloud.Agent, err error) {
		resolved <- resolution{label, node, agent, err}
	})

	r.Enqueue("linux", plannedNode("n1", "os", 1, func() (*cloud.Agent, error) {
		return &cloud.Agent{Name: "n1", Cloud: "os"}, nil
	}))

	res := waitForResolution(t, resolved)
	require.Error(t, res.err)
	require.NotNil(t, res.agent, "the provisioned agent is handed back for teardown")
	assert.Equal(t, "n1", res.agent.Name)
	assert.Empty(t, r.AllAgents())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(store.NewMemory(), silentLogger)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := string(rune('a' + i%26))
			_ = r.AddAgent(&cloud.Agent{Name: name, Cloud: "os"})
			r.AllAgents()
			r.Planned("os")
		}()
	}
	wg.Wait()
	assert.Len(t, r.AllAgents(), 26)
}
