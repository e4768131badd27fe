package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/gammadia/nimbus/api"
	"github.com/gammadia/nimbus/cloud"
	schedulerpkg "github.com/gammadia/nimbus/scheduler"
	"github.com/gammadia/nimbus/server/log"
	"github.com/samber/lo"
)

func (h *handlers) buildStatus() api.Status {
	planned := lo.MapToSlice(h.registry.AllPlanned(), func(node *cloud.PlannedNode, label string) api.PlannedNode {
		return api.PlannedNode{
			Name:     node.DisplayName,
			Cloud:    node.Cloud,
			Template: node.TemplateID,
			Label:    label,
			Slots:    node.Slots,
		}
	})
	sort.Slice(planned, func(i, j int) bool { return planned[i].Name < planned[j].Name })

	return api.Status{
		Server: api.Server{
			Version:   version,
			Commit:    commit,
			StartedAt: h.startedAt,
		},
		Clouds:   lo.Map(h.clouds, func(c *cloud.Cloud, _ int) api.Cloud { return cloudStatus(c, h.registry) }),
		Agents:   h.registry.AllAgents(),
		Planned:  planned,
		Workload: h.scheduler.Workload(),
	}
}

func cloudStatus(c *cloud.Cloud, registry *schedulerpkg.Registry) api.Cloud {
	agents := registry.Agents(c.Name())
	return api.Cloud{
		Name:      c.Name(),
		MaxAgents: c.MaxAgents(),
		Agents:    len(agents),
		Stopped:   lo.CountBy(agents, func(a *cloud.Agent) bool { return a.Stopped }),
		Planned:   len(c.Planned()),
		Templates: lo.Map(c.Templates(), func(t cloud.Template, _ int) api.Template {
			breaker := c.Breaker(t.ID)
			return api.Template{
				ID:           t.ID,
				Description:  t.Description,
				Labels:       t.Labels,
				Mode:         t.Mode.String(),
				Slots:        t.Slots,
				MaxAgents:    t.MaxAgents,
				Reclaim:      string(t.Reclaim),
				Failures:     breaker.Failures(),
				Disabled:     breaker.Disabled(),
				DisableCause: breaker.DisableCause(),
			}
		}),
	}
}

// listenEvents logs scheduler events until ctx is done.
func listenEvents(ctx context.Context, events <-chan schedulerpkg.Event) {
	for {
		select {
		case event := <-events:
			log.Debug("Scheduler event", "type", fmt.Sprintf("%T", event), "event", event)
		case <-ctx.Done():
			return
		}
	}
}
