package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/nimbus/clock"
	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/pool"
	"github.com/gammadia/nimbus/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock cloud ---

type outcome struct {
	agent *cloud.Agent
	err   error
}

type pendingNode struct {
	node    *cloud.PlannedNode
	resolve chan outcome
}

type mockCloud struct {
	name     string
	template cloud.Template
	workers  *pool.Unbounded

	mu         sync.Mutex
	capacity   int // agents it may still plan
	requests   []int
	reclaimed  []string
	policies   []cloud.ReclaimPolicy
	reclaimErr error
	next       int

	planned chan *pendingNode
}

func newMockCloud(name string, capacity int, template cloud.Template) *mockCloud {
	return &mockCloud{
		name:     name,
		template: template,
		workers:  pool.New(silentLogger),
		capacity: capacity,
		planned:  make(chan *pendingNode, 100),
	}
}

func (c *mockCloud) Name() string { return c.name }

func (c *mockCloud) Template(id string) (cloud.Template, bool) {
	return c.template, id == c.template.ID
}

func (c *mockCloud) CanProvision(label string) bool {
	return c.template.Mode.Accepts(c.template.Labels, label)
}

func (c *mockCloud) RequestCapacity(label string, excess int) []*cloud.PlannedNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, excess)
	n := min((excess+c.template.Slots-1)/c.template.Slots, c.capacity)
	c.capacity -= n

	var nodes []*cloud.PlannedNode
	for i := 0; i < n; i++ {
		c.next++
		resolve := make(chan outcome, 1)
		future := pool.Spawn(c.workers, func() (*cloud.Agent, error) {
			o := <-resolve
			return o.agent, o.err
		})
		node := cloud.NewPlannedNode(fmt.Sprintf("%s-%d", c.name, c.next), c.name, c.template.ID, c.template.Slots, future)
		nodes = append(nodes, node)
		c.planned <- &pendingNode{node: node, resolve: resolve}
	}
	return nodes
}

func (c *mockCloud) Reclaim(_ context.Context, agent *cloud.Agent, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reclaimed = append(c.reclaimed, agent.Name)
	c.policies = append(c.policies, agent.Reclaim)
	return c.reclaimErr
}

func (c *mockCloud) getPolicies() []cloud.ReclaimPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cloud.ReclaimPolicy(nil), c.policies...)
}

func (c *mockCloud) getRequests() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.requests...)
}

func (c *mockCloud) getReclaimed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reclaimed...)
}

func (c *mockCloud) agentFor(p *pendingNode) *cloud.Agent {
	return &cloud.Agent{
		Name:        p.node.DisplayName,
		DisplayName: p.node.DisplayName,
		Cloud:       c.name,
		TemplateID:  c.template.ID,
		Slots:       p.node.Slots,
		Labels:      c.template.Labels,
	}
}

// --- Helpers ---

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestTemplate(slots int) cloud.Template {
	return cloud.Template{ID: "small", Labels: []string{"linux"}, Mode: cloud.ModeNormal, Slots: slots}
}

type fixture struct {
	scheduler *Scheduler
	registry  *Registry
	events    <-chan Event
	clock     *clock.Fake
}

func newFixture(t *testing.T, config Config, clouds ...Cloud) *fixture {
	t.Helper()

	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	config.Clock = fake
	config.Logger = silentLogger
	if config.TickInterval == 0 {
		config.TickInterval = time.Hour
	}

	registry := NewRegistry(store.NewMemory(), silentLogger)
	s := New(registry, config, clouds...)
	events, unsub := s.Subscribe()

	go s.Run()
	t.Cleanup(func() {
		unsub()
		s.Shutdown()
		s.Wait()
	})

	return &fixture{scheduler: s, registry: registry, events: events, clock: fake}
}

// syncTick runs a tick on the scheduler goroutine and waits for it
func (f *fixture) syncTick(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, f.scheduler.do(func() {
		f.scheduler.tick()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
}

func waitForEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-time.After(5 * time.Second):
			var zero T
			t.Fatalf("timed out waiting for event %T", zero)
			return zero
		}
	}
}

func waitForPlanned(t *testing.T, c *mockCloud) *pendingNode {
	t.Helper()
	select {
	case p := <-c.planned:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for planned node")
		return nil
	}
}

// --- Demand ---

func TestDemandPlansCapacity(t *testing.T) {
	c := newMockCloud("os", 10, newTestTemplate(2))
	f := newFixture(t, Config{}, c)

	require.NoError(t, f.scheduler.Demand("linux", 5))

	planned := waitForEvent[EventNodesPlanned](t, f.events)
	assert.Equal(t, "os", planned.Cloud)
	assert.Equal(t, "linux", planned.Label)
	assert.Len(t, planned.Nodes, 3)
	assert.Len(t, f.registry.PlannedFor("linux"), 3)
	assert.Len(t, f.registry.Planned("os"), 3)
	assert.Equal(t, map[string]int{"linux": 5}, f.scheduler.Workload())
}

func TestPlannedCapacityIsNotRequestedTwice(t *testing.T) {
	c := newMockCloud("os", 10, newTestTemplate(2))
	f := newFixture(t, Config{}, c)

	require.NoError(t, f.scheduler.Demand("linux", 5))
	waitForEvent[EventNodesPlanned](t, f.events)

	require.NoError(t, f.scheduler.Demand("linux", 5))
	f.syncTick(t)
	assert.Equal(t, []int{5}, c.getRequests())

	require.NoError(t, f.scheduler.Demand("linux", 9))
	waitForEvent[EventNodesPlanned](t, f.events)
	assert.Equal(t, []int{5, 3}, c.getRequests())
}

func TestFreshAgentsAbsorbWorkloadUntilNextReport(t *testing.T) {
	c := newMockCloud("os", 10, newTestTemplate(2))
	f := newFixture(t, Config{}, c)

	require.NoError(t, f.scheduler.Demand("linux", 2))
	p := waitForPlanned(t, c)
	p.resolve <- outcome{agent: c.agentFor(p)}

	online := waitForEvent[EventAgentOnline](t, f.events)
	assert.Equal(t, p.node.DisplayName, online.Agent)
	require.Eventually(t, func() bool { return len(f.registry.PlannedFor("linux")) == 0 }, 5*time.Second, time.Millisecond)

	f.syncTick(t)
	assert.Equal(t, []int{2}, c.getRequests(), "the new agent covers the reported workload")

	// The job scheduler still reports work waiting after using the new agent
	require.NoError(t, f.scheduler.Demand("linux", 2))
	waitForEvent[EventNodesPlanned](t, f.events)
	assert.Equal(t, []int{2, 2}, c.getRequests())
}

func TestCloudsAreTriedInOrder(t *testing.T) {
	first := newMockCloud("first", 1, newTestTemplate(1))
	second := newMockCloud("second", 5, newTestTemplate(1))
	f := newFixture(t, Config{}, first, second)

	require.NoError(t, f.scheduler.Demand("linux", 3))

	assert.Equal(t, "first", waitForEvent[EventNodesPlanned](t, f.events).Cloud)
	planned := waitForEvent[EventNodesPlanned](t, f.events)
	assert.Equal(t, "second", planned.Cloud)
	assert.Len(t, planned.Nodes, 2)
	assert.Equal(t, []int{3}, first.getRequests())
	assert.Equal(t, []int{2}, second.getRequests())
}

func TestCloudsNotServingLabelAreSkipped(t *testing.T) {
	windows := newTestTemplate(1)
	windows.Labels = []string{"windows"}
	first := newMockCloud("first", 5, windows)
	second := newMockCloud("second", 5, newTestTemplate(1))
	f := newFixture(t, Config{}, first, second)

	require.NoError(t, f.scheduler.Demand("linux", 1))

	assert.Equal(t, "second", waitForEvent[EventNodesPlanned](t, f.events).Cloud)
	assert.Empty(t, first.getRequests())
}

func TestZeroDemandClearsWorkload(t *testing.T) {
	c := newMockCloud("os", 0, newTestTemplate(1))
	f := newFixture(t, Config{}, c)

	require.NoError(t, f.scheduler.Demand("linux", 3))
	require.NoError(t, f.scheduler.Demand("linux", 0))
	assert.Empty(t, f.scheduler.Workload())
}

func TestDemandAfterShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	f.scheduler.Shutdown()
	f.scheduler.Wait()

	done := make(chan error)
	go func() { done <- f.scheduler.Demand("linux", 1) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("Demand() deadlocked after shutdown")
	}
}

// --- Failures ---

func TestProvisioningFailureCooldown(t *testing.T) {
	c := newMockCloud("os", 10, newTestTemplate(1))
	f := newFixture(t, Config{ProvisioningFailureCooldown: time.Hour}, c)

	require.NoError(t, f.scheduler.Demand("linux", 1))
	p := waitForPlanned(t, c)
	p.resolve <- outcome{err: errors.New("quota exceeded")}

	failed := waitForEvent[EventProvisionFailed](t, f.events)
	assert.Equal(t, "quota exceeded", failed.Error)
	require.Eventually(t, func() bool { return len(f.registry.PlannedFor("linux")) == 0 }, 5*time.Second, time.Millisecond)

	f.syncTick(t)
	assert.Equal(t, []int{1}, c.getRequests(), "no new request during the cooldown")
}

func TestProvisioningFailureWithoutCooldownRetries(t *testing.T) {
	c := newMockCloud("os", 10, newTestTemplate(1))
	f := newFixture(t, Config{}, c)

	require.NoError(t, f.scheduler.Demand("linux", 1))
	p := waitForPlanned(t, c)
	p.resolve <- outcome{err: errors.New("boot failure")}

	waitForPlanned(t, c)
	assert.Equal(t, []int{1, 1}, c.getRequests())
}

type failingStore struct {
	store.Store
}

func (failingStore) PutAgent(context.Context, *cloud.Agent) error {
	return errors.New("store unavailable")
}

func TestRegistrationFailureReclaimsAgent(t *testing.T) {
	c := newMockCloud("os", 10, newTestTemplate(1))
	registry := NewRegistry(failingStore{store.NewMemory()}, silentLogger)
	s := New(registry, Config{Logger: silentLogger, TickInterval: time.Hour}, c)
	events, unsub := s.Subscribe()
	defer unsub()
	go s.Run()
	defer func() {
		s.Shutdown()
		s.Wait()
	}()

	require.NoError(t, s.Demand("linux", 1))
	p := waitForPlanned(t, c)
	p.resolve <- outcome{agent: c.agentFor(p)}

	reclaimed := waitForEvent[EventAgentReclaimed](t, events)
	assert.Equal(t, "registration-failed", reclaimed.Reason)
	assert.Equal(t, []string{p.node.DisplayName}, c.getReclaimed())
	assert.Empty(t, registry.AllAgents())
}

// --- Idle retention ---

func idleFixture(t *testing.T, capacity int) (*fixture, *mockCloud, *cloud.Agent) {
	t.Helper()
	template := newTestTemplate(1)
	template.IdleRetention = 10 * time.Minute
	c := newMockCloud("os", capacity, template)
	f := newFixture(t, Config{}, c)

	agent := &cloud.Agent{Name: "a1", Cloud: "os", TemplateID: "small", Slots: 1, CreatedAt: f.clock.Now()}
	require.NoError(t, f.registry.AddAgent(agent))
	return f, c, agent
}

func TestIdleAgentIsReclaimed(t *testing.T) {
	f, c, _ := idleFixture(t, 0)

	f.clock.Advance(5 * time.Minute)
	f.syncTick(t)
	assert.Empty(t, c.getReclaimed())

	f.clock.Advance(6 * time.Minute)
	f.syncTick(t)

	reclaimed := waitForEvent[EventAgentReclaimed](t, f.events)
	assert.Equal(t, "idle", reclaimed.Reason)
	assert.Equal(t, []string{"a1"}, c.getReclaimed())
	require.Eventually(t, func() bool { return len(f.registry.AllAgents()) == 0 }, 5*time.Second, time.Millisecond)
}

func TestDemandKeepsAgentActive(t *testing.T) {
	f, c, _ := idleFixture(t, 0)

	f.clock.Advance(9 * time.Minute)
	require.NoError(t, f.scheduler.Demand("linux", 1))
	f.syncTick(t)

	f.clock.Advance(9 * time.Minute)
	require.NoError(t, f.scheduler.Demand("linux", 0))
	f.syncTick(t)
	assert.Empty(t, c.getReclaimed())
}

func TestFailedIdleReclaimKeepsAgent(t *testing.T) {
	f, c, _ := idleFixture(t, 0)
	c.reclaimErr = errors.New("api unavailable")

	f.clock.Advance(11 * time.Minute)
	f.syncTick(t)

	failed := waitForEvent[EventReclaimFailed](t, f.events)
	assert.Equal(t, "api unavailable", failed.Error)
	_, ok := f.registry.Agent("a1")
	assert.True(t, ok)
}

func TestIdleAgentWithStopPolicyIsKeptStopped(t *testing.T) {
	template := newTestTemplate(1)
	template.IdleRetention = 10 * time.Minute
	template.Reclaim = cloud.ReclaimStop
	c := newMockCloud("os", 0, template)
	f := newFixture(t, Config{}, c)
	require.NoError(t, f.registry.AddAgent(&cloud.Agent{
		Name: "a1", Cloud: "os", TemplateID: "small", Slots: 1, Reclaim: cloud.ReclaimStop, CreatedAt: f.clock.Now(),
	}))

	f.clock.Advance(11 * time.Minute)
	f.syncTick(t)
	waitForEvent[EventAgentReclaimed](t, f.events)

	agent, ok := f.registry.Agent("a1")
	require.True(t, ok, "a stopped agent stays registered")
	assert.True(t, agent.Stopped)

	f.clock.Advance(11 * time.Minute)
	f.syncTick(t)
	assert.Equal(t, []string{"a1"}, c.getReclaimed(), "a stopped agent is not reclaimed again")
}

// --- Release ---

func TestRelease(t *testing.T) {
	f, c, _ := idleFixture(t, 0)

	require.NoError(t, f.scheduler.Release(context.Background(), "a1"))
	assert.Equal(t, []string{"a1"}, c.getReclaimed())
	assert.Empty(t, f.registry.AllAgents())

	err := f.scheduler.Release(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestReleaseTerminatesStoppedAgent(t *testing.T) {
	c := newMockCloud("os", 0, newTestTemplate(1))
	f := newFixture(t, Config{}, c)
	require.NoError(t, f.registry.AddAgent(&cloud.Agent{Name: "a1", Cloud: "os", TemplateID: "small", Reclaim: cloud.ReclaimStop}))
	require.NoError(t, f.registry.StopAgent("a1"))

	require.NoError(t, f.scheduler.Release(context.Background(), "a1"))
	assert.Equal(t, []cloud.ReclaimPolicy{cloud.ReclaimTerminate}, c.getPolicies())
	assert.Empty(t, f.registry.AllAgents())
}

func TestReleaseFailureKeepsAgent(t *testing.T) {
	f, c, _ := idleFixture(t, 0)
	c.reclaimErr = errors.New("api unavailable")

	err := f.scheduler.Release(context.Background(), "a1")
	assert.EqualError(t, err, "api unavailable")
	assert.Len(t, f.registry.AllAgents(), 1)
}
