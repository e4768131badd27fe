package cloud

import (
	"math/rand/v2"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestCapacityGlobalCapBinds(t *testing.T) {
	template := newTestTemplate("small")
	template.MaxAgents = 5
	f := newFixture(t, 2, template)
	f.provider.ready = make(chan struct{})

	planned := f.cloud.RequestCapacity("", 3)
	require.Len(t, planned, 2)
	for _, node := range planned {
		assert.Equal(t, "test", node.Cloud)
		assert.Equal(t, "small", node.TemplateID)
		assert.Equal(t, 1, node.Slots)
	}

	assert.Empty(t, f.cloud.RequestCapacity("", 3), "in-flight nodes must count against the cap")

	close(f.provider.ready)
	for _, node := range planned {
		agent, err := waitPlanned(t, node)
		require.NoError(t, err)
		assert.Equal(t, "small", agent.TemplateID)
	}
	assert.Empty(t, f.cloud.Planned())
}

func TestRequestCapacityTemplateCapBinds(t *testing.T) {
	template := newTestTemplate("small")
	template.MaxAgents = 2
	f := newFixture(t, 10, template)
	f.provider.ready = make(chan struct{})
	defer close(f.provider.ready)

	assert.Len(t, f.cloud.RequestCapacity("", 5), 2)
	assert.Empty(t, f.cloud.RequestCapacity("", 5))
}

func TestRequestCapacityTemplateCapAboveGlobalCapIsIgnored(t *testing.T) {
	template := newTestTemplate("small")
	template.MaxAgents = 10
	f := newFixture(t, 3, template)
	f.provider.ready = make(chan struct{})
	defer close(f.provider.ready)

	assert.Len(t, f.cloud.RequestCapacity("", 5), 3)
}

func TestRequestCapacityCountsExistingNodes(t *testing.T) {
	template := newTestTemplate("small")
	template.MaxAgents = 3
	f := newFixture(t, 4, template)
	f.provider.ready = make(chan struct{})
	defer close(f.provider.ready)

	f.nodes.agents = []*Agent{
		{Name: "a1", Cloud: "test", TemplateID: "small"},
		{Name: "a2", Cloud: "test", TemplateID: "other"},
		{Name: "a3", Cloud: "elsewhere", TemplateID: "small"},
	}
	f.nodes.planned = []*PlannedNode{
		NewPlannedNode("p1", "test", "small", 1, nil),
	}

	// cloud: 3 of 4 used, template: 2 of 3 used
	assert.Len(t, f.cloud.RequestCapacity("", 5), 1)
}

func TestRequestCapacityDoesNotDoubleCountEnqueuedNodes(t *testing.T) {
	f := newFixture(t, 3, newTestTemplate("small"))
	f.provider.ready = make(chan struct{})
	defer close(f.provider.ready)

	planned := f.cloud.RequestCapacity("", 1)
	require.Len(t, planned, 1)

	// The scheduler enqueued the node it got back
	f.nodes.planned = append(f.nodes.planned, planned...)

	assert.Len(t, f.cloud.RequestCapacity("", 5), 2)
}

func TestRequestCapacityMultiSlotTemplate(t *testing.T) {
	template := newTestTemplate("big")
	template.Slots = 2
	f := newFixture(t, 10, template)
	f.provider.ready = make(chan struct{})
	defer close(f.provider.ready)

	assert.Len(t, f.cloud.RequestCapacity("", 5), 3)
}

func TestRequestCapacityNoMatchingTemplate(t *testing.T) {
	f := newFixture(t, 10, newTestTemplate("small"))

	assert.Empty(t, f.cloud.RequestCapacity("windows", 5))
	assert.False(t, f.cloud.CanProvision("windows"))
	created, _, _ := f.provider.counts()
	assert.Zero(t, created)
}

func TestRequestCapacityNoDemand(t *testing.T) {
	f := newFixture(t, 10, newTestTemplate("small"))
	assert.Empty(t, f.cloud.RequestCapacity("", 0))
}

func TestSelectTemplatePrefersNormalOverExclusive(t *testing.T) {
	exclusive := newTestTemplate("exclusive")
	exclusive.Mode = ModeExclusive
	exclusive.Labels = []string{"gpu"}
	normal := newTestTemplate("normal")
	normal.Labels = []string{"gpu", "linux"}
	f := newFixture(t, 10, exclusive, normal)

	template, ok := f.cloud.selectTemplate("gpu")
	require.True(t, ok)
	assert.Equal(t, "normal", template.ID)

	template, ok = f.cloud.selectTemplate("")
	require.True(t, ok)
	assert.Equal(t, "normal", template.ID)
}

func TestSelectTemplateExclusiveOnlyForLabel(t *testing.T) {
	exclusive := newTestTemplate("exclusive")
	exclusive.Mode = ModeExclusive
	exclusive.Labels = []string{"gpu"}
	f := newFixture(t, 10, exclusive)

	_, ok := f.cloud.selectTemplate("")
	assert.False(t, ok, "exclusive templates never serve unlabeled work")

	template, ok := f.cloud.selectTemplate("gpu")
	require.True(t, ok)
	assert.Equal(t, "exclusive", template.ID)
}

func TestSelectTemplateSkipsDisabled(t *testing.T) {
	f := newFixture(t, 10, newTestTemplate("first"), newTestTemplate("second"))
	for i := 0; i < FailureLimit; i++ {
		f.cloud.Breaker("first").IncreaseFailureCount("broken")
	}

	template, ok := f.cloud.selectTemplate("linux")
	require.True(t, ok)
	assert.Equal(t, "second", template.ID)

	for i := 0; i < FailureLimit; i++ {
		f.cloud.Breaker("second").IncreaseFailureCount("broken")
	}
	assert.Empty(t, f.cloud.RequestCapacity("linux", 1))

	require.NoError(t, f.cloud.ResetTemplate("first"))
	assert.True(t, f.cloud.CanProvision("linux"))
}

func TestCapNeverExceeded(t *testing.T) {
	capped := newTestTemplate("capped")
	capped.MaxAgents = 3
	capped.Labels = []string{"small"}
	wide := newTestTemplate("wide")
	wide.Labels = []string{"big"}
	wide.Slots = 2
	f := newFixture(t, 7, capped, wide)
	f.provider.ready = make(chan struct{})
	defer close(f.provider.ready)

	rng := rand.New(rand.NewPCG(1, 2))
	labels := []string{"small", "big", ""}

	var all []*PlannedNode
	for i := 0; i < 200; i++ {
		label := labels[rng.IntN(len(labels))]
		all = append(all, f.cloud.RequestCapacity(label, rng.IntN(6))...)

		// Occasionally the scheduler enqueues what it got
		if rng.IntN(3) == 0 {
			f.nodes.mu.Lock()
			f.nodes.planned = lo.Uniq(append(f.nodes.planned, all...))
			f.nodes.mu.Unlock()
		}

		assert.LessOrEqual(t, len(all), 7)
		assert.LessOrEqual(t, lo.CountBy(all, func(p *PlannedNode) bool { return p.TemplateID == "capped" }), 3)
	}
	assert.Len(t, all, 7)
}
