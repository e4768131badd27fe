package main

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/nimbus/api"
	"github.com/gammadia/nimbus/cloud"
	"github.com/stretchr/testify/assert"
)

func init() {
	color.NoColor = true
}

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestRenderStatus(t *testing.T) {
	status := &api.Status{
		Server: api.Server{Version: "1.0.0", Commit: "0123456789abcdef", StartedAt: now.Add(-90 * time.Minute)},
		Clouds: []api.Cloud{
			{Name: "os", MaxAgents: 10, Agents: 1, Planned: 1, Templates: []api.Template{{ID: "small"}, {ID: "gpu", Disabled: true}}},
		},
		Agents: []*cloud.Agent{
			{Name: "os-small-1", Cloud: "os", TemplateID: "small", Address: "10.0.0.1", Slots: 2, CreatedAt: now.Add(-time.Hour)},
		},
		Planned:  []api.PlannedNode{{Name: "os-small-2", Cloud: "os", Template: "small", Label: "linux", Slots: 2}},
		Workload: map[string]int{"linux": 3, "": 1},
	}

	var out bytes.Buffer
	renderStatus(&out, status, now)
	s := out.String()

	assert.Contains(t, s, "1.0.0 (0123456), up 1h30m0s")
	assert.Contains(t, s, "2/10 agents, 1 planned, 1 template(s) disabled")
	assert.Contains(t, s, fmt.Sprintf("%-20s %d", "(any)", 1))
	assert.Contains(t, s, fmt.Sprintf("%-20s %d", "linux", 3))
	assert.Contains(t, s, "os-small-1")
	assert.Contains(t, s, "10.0.0.1")
	assert.Contains(t, s, "os-small-2")
	assert.Contains(t, s, "provisioning")
	assert.NotContains(t, s, "none")
}

func TestRenderStatusStoppedAgents(t *testing.T) {
	status := &api.Status{
		Server: api.Server{Commit: "n/a", StartedAt: now},
		Clouds: []api.Cloud{{Name: "os", MaxAgents: 10, Agents: 2, Stopped: 1}},
		Agents: []*cloud.Agent{
			{Name: "os-small-1", Cloud: "os", TemplateID: "small", Address: "10.0.0.1", Slots: 1, CreatedAt: now},
			{Name: "os-small-2", Cloud: "os", TemplateID: "small", Address: "10.0.0.2", Slots: 1, Stopped: true, CreatedAt: now},
		},
	}

	var out bytes.Buffer
	renderStatus(&out, status, now)
	s := out.String()

	assert.Contains(t, s, "2/10 agents, 0 planned, 1 stopped")
	assert.Contains(t, s, "10.0.0.1")
	assert.NotContains(t, s, "10.0.0.2")
	assert.Contains(t, s, "stopped")
}

func TestRenderEmptyStatus(t *testing.T) {
	var out bytes.Buffer
	renderStatus(&out, &api.Status{Server: api.Server{Commit: "n/a", StartedAt: now}}, now)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("  none\n")))
}

func TestRenderTemplates(t *testing.T) {
	var out bytes.Buffer
	renderTemplates(&out, []api.Cloud{{
		Name: "os",
		Templates: []api.Template{
			{ID: "small", Labels: []string{"linux", "docker"}, Mode: "normal", Slots: 2},
			{ID: "flaky", Mode: "normal", Slots: 1, MaxAgents: 3, Failures: 2},
			{ID: "gpu", Labels: []string{"gpu"}, Mode: "exclusive", Slots: 1, Disabled: true, DisableCause: "quota exceeded"},
		},
	}})
	s := out.String()

	assert.Contains(t, s, "CLOUD")
	assert.Contains(t, s, "linux,docker")
	assert.Contains(t, s, "enabled")
	assert.Contains(t, s, "2 failure(s)")
	assert.Contains(t, s, "disabled: quota exceeded")
	assert.Contains(t, s, "exclusive")
}

func TestEllipsize(t *testing.T) {
	assert.Equal(t, "quota exceeded", ellipsize("quota exceeded", 20))
	assert.Equal(t, "quota ex…", ellipsize("quota exceeded", 9))
	assert.Equal(t, "bad request: no capacity", ellipsize("bad request:\n  no capacity", 30))
	assert.Equal(t, "日本語…", ellipsize("日本語のエラー", 7), "wide characters take two cells")
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "n/a", shortCommit("n/a"))
	assert.Equal(t, "0123456", shortCommit("0123456789"))
}

func TestDescribeLabel(t *testing.T) {
	assert.Equal(t, "unlabeled work", describeLabel(""))
	assert.Equal(t, "label 'linux && docker'", describeLabel("linux && docker"))
}
