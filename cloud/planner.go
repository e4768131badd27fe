package cloud

import (
	"github.com/gammadia/nimbus/cloud/internal"
	"github.com/gammadia/nimbus/namegen"
	"github.com/gammadia/nimbus/pool"
	"github.com/samber/lo"
)

// CanProvision reports whether an enabled template of this cloud can serve
// work requiring label.
func (c *Cloud) CanProvision(label string) bool {
	_, ok := c.selectTemplate(label)
	return ok
}

// RequestCapacity plans as many agents as needed to absorb excessWorkload
// executors of work requiring label, within the cloud and template caps.
// Stopped agents of the selected template are restarted before new resources
// are created; they already count against the caps. Each planned agent is
// provisioned asynchronously; the call never blocks on provisioning and never
// fails, it plans fewer agents (possibly none) when a cap binds or no enabled
// template matches.
func (c *Cloud) RequestCapacity(label string, excessWorkload int) []*PlannedNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.With("label", label, "excess-workload", excessWorkload)

	template, ok := c.selectTemplate(label)
	if !ok {
		log.Debug("No enabled template matches label")
		return nil
	}

	agents := c.nodes.Agents(c.Name())
	planned := lo.Uniq(append(c.nodes.Planned(c.Name()), lo.Keys(c.inflight)...))

	// A stopped agent being restarted is counted once, as an agent
	restarting := make(map[string]bool)
	for _, node := range planned {
		if node.Restart != "" {
			restarting[node.Restart] = true
		}
	}
	byName := lo.KeyBy(agents, func(a *Agent) string { return a.Name })
	planned = lo.Reject(planned, func(node *PlannedNode, _ int) bool {
		_, ok := byName[node.Restart]
		return node.Restart != "" && ok
	})

	cloudCount := len(agents) + len(planned)
	templateCount := lo.CountBy(agents, func(a *Agent) bool { return a.TemplateID == template.ID }) +
		lo.CountBy(planned, func(p *PlannedNode) bool { return p.TemplateID == template.ID })

	stopped := lo.Filter(agents, func(a *Agent, _ int) bool {
		return a.Stopped && a.TemplateID == template.ID && !restarting[a.Name]
	})
	restarts := stopped[:min(len(stopped), internal.NbAgentsFor(excessWorkload, template.Slots))]

	remaining := excessWorkload - len(restarts)*template.Slots
	n := internal.NbAgentsToPlan(remaining, template.Slots, cloudCount, c.config.MaxAgents, templateCount, template.MaxAgents)
	if n == 0 && len(restarts) == 0 {
		log.Debug("Capacity request skipped", "template", template.ID, "agents", cloudCount, "template-agents", templateCount)
		return nil
	}

	log.Info("Planning agents", "template", template.ID, "count", n, "restarts", len(restarts), "agents", cloudCount, "template-agents", templateCount)

	nodes := make([]*PlannedNode, 0, len(restarts)+n)
	for _, agent := range restarts {
		nodes = append(nodes, c.plan(template, agent))
	}
	for i := 0; i < n; i++ {
		nodes = append(nodes, c.plan(template, nil))
	}
	return nodes
}

// plan must be called with c.mu held. A non-nil stopped agent is restarted
// instead of creating a new resource.
func (c *Cloud) plan(template Template, stopped *Agent) *PlannedNode {
	var node *PlannedNode
	var run func() (*Agent, error)

	if stopped != nil {
		node = NewPlannedNode(stopped.DisplayName, c.Name(), template.ID, template.Slots, nil)
		node.Restart = stopped.Name
		run = func() (*Agent, error) { return c.restart(c.ctx, template, stopped) }
	} else {
		names := namegen.Unique(template.namePrefix(c.Name()))
		node = NewPlannedNode(names.Display, c.Name(), template.ID, template.Slots, nil)
		run = func() (*Agent, error) { return c.provision(c.ctx, template, names) }
	}
	c.inflight[node] = struct{}{}

	node.agent = pool.Spawn(c.workers, func() (*Agent, error) {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, node)
			c.mu.Unlock()
		}()
		return run()
	})
	return node
}

// selectTemplate prefers normal templates over exclusive ones and skips
// disabled templates.
func (c *Cloud) selectTemplate(label string) (Template, bool) {
	for _, mode := range []Mode{ModeNormal, ModeExclusive} {
		for _, template := range c.config.Templates {
			if template.Mode != mode || !mode.Accepts(template.Labels, label) {
				continue
			}
			if c.breakers.Get(template.ID).Disabled() {
				c.log.Debug("Skipping disabled template", "template", template.ID)
				continue
			}
			return template, true
		}
	}
	return Template{}, false
}

// Planned returns the planned nodes this cloud is still provisioning.
func (c *Cloud) Planned() []*PlannedNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.inflight)
}
