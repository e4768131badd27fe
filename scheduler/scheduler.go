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

	"github.com/gammadia/nimbus/clock"
	"github.com/gammadia/nimbus/cloud"
	"github.com/gammadia/nimbus/scheduler/internal"
	"github.com/samber/lo"
)

var ErrShutdown = errors.New("scheduler is shut down")

// Cloud is what the scheduler needs from a *cloud.Cloud.
type Cloud interface {
	Name() string
	Template(id string) (cloud.Template, bool)
	CanProvision(label string) bool
	RequestCapacity(label string, excessWorkload int) []*cloud.PlannedNode
	Reclaim(ctx context.Context, agent *cloud.Agent, reason string) error
}

// Scheduler turns the workload reported per label into capacity requests
// against its clouds, in order, and reclaims agents left idle for longer
// than their template's idle retention.
type Scheduler struct {
	registry *Registry
	clouds   []Cloud
	byName   map[string]Cloud
	config   Config
	clock    clock.Clock
	log      *slog.Logger

	// Owned by the Run goroutine
	workload   map[string]int
	fresh      map[string]int
	cooldown   map[string]bool
	lastActive map[string]time.Time
	reclaiming map[string]bool

	demands      chan demand
	tickRequests chan any
	deferred     chan func()

	subscribers   map[chan Event]struct{}
	subscribersMu sync.Mutex

	stop     chan any
	stopOnce sync.Once
	done     chan any
	wg       sync.WaitGroup
}

type demand struct {
	label    string
	workload int
}

func New(registry *Registry, config Config, clouds ...Cloud) *Scheduler {
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Scheduler{
		registry: registry,
		clouds:   clouds,
		byName:   lo.KeyBy(clouds, func(c Cloud) string { return c.Name() }),
		config:   config,
		clock:    config.Clock,
		log:      config.Logger,

		workload:   make(map[string]int),
		fresh:      make(map[string]int),
		cooldown:   make(map[string]bool),
		lastActive: make(map[string]time.Time),
		reclaiming: make(map[string]bool),

		demands:      make(chan demand),
		tickRequests: make(chan any, 1),
		deferred:     make(chan func()),

		subscribers: make(map[chan Event]struct{}),

		stop: make(chan any),
		done: make(chan any),
	}

	registry.OnResolve(s.nodeResolved)
	return s
}

// Demand reports the workload, in slots, waiting for agents matching label.
// It replaces the previously reported workload of that label.
func (s *Scheduler) Demand(label string, workload int) error {
	select {
	case s.demands <- demand{label: label, workload: max(0, workload)}:
		return nil
	case <-s.stop:
		return ErrShutdown
	}
}

// Workload returns the outstanding workload per label.
func (s *Scheduler) Workload() map[string]int {
	result := make(chan map[string]int, 1)
	if !s.do(func() { result <- lo.Assign(s.workload) }) {
		return nil
	}
	select {
	case workload := <-result:
		return workload
	case <-s.done:
		return nil
	}
}

// Release terminates an agent on operator request, whatever its reclaim
// policy, and removes it. Stopped agents can be released too.
func (s *Scheduler) Release(ctx context.Context, name string) error {
	agent, ok := s.registry.Agent(name)
	if !ok {
		return fmt.Errorf("%w '%s'", ErrUnknownAgent, name)
	}
	c, ok := s.byName[agent.Cloud]
	if !ok {
		return fmt.Errorf("agent '%s' belongs to unknown cloud '%s'", name, agent.Cloud)
	}

	if err := c.Reclaim(ctx, agent.WithReclaim(cloud.ReclaimTerminate), "released"); err != nil {
		s.broadcast(EventReclaimFailed{Cloud: agent.Cloud, Agent: agent.Name, Reason: "released", Error: err.Error()})
		return err
	}
	if err := s.registry.RemoveAgent(name); err != nil {
		return err
	}
	s.broadcast(EventAgentReclaimed{Cloud: agent.Cloud, Agent: agent.Name, Reason: "released"})
	return nil
}

// Subscribe returns a channel receiving scheduler events. Events are dropped
// for subscribers that do not keep up.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 100)

	s.subscribersMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subscribersMu.Unlock()

	return ch, func() {
		s.subscribersMu.Lock()
		delete(s.subscribers, ch)
		s.subscribersMu.Unlock()
	}
}

func (s *Scheduler) broadcast(event Event) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.log.Warn("Dropping event for slow subscriber", "event", event)
		}
	}
}

func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until Run returned and pending reclaims are done.
func (s *Scheduler) Wait() {
	<-s.done
	s.wg.Wait()
}

func (s *Scheduler) Run() {
	defer close(s.done)
	s.log.Info("Scheduler is running", "tick-interval", s.config.TickInterval)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case d := <-s.demands:
			s.workload[d.label] = d.workload
			s.fresh[d.label] = 0
			if d.workload == 0 {
				delete(s.workload, d.label)
			}
			s.broadcast(EventDemandUpdated{Label: d.label, Workload: d.workload})
			s.requestTick()

		case <-ticker.C:
			s.requestTick()

		case <-s.tickRequests:
			s.tick()

		case f := <-s.deferred:
			f()

		case <-s.stop:
			s.log.Info("Scheduler is stopping")
			return
		}
	}
}

// requestTick requests a tick to be performed as soon as possible
// If a tick is already scheduled, this function does nothing
// This function is safe to call from multiple goroutines
func (s *Scheduler) requestTick() {
	select {
	case s.tickRequests <- nil:
	default:
	}
}

// do runs f on the scheduler goroutine. It reports false once the
// scheduler stopped.
func (s *Scheduler) do(f func()) bool {
	select {
	case s.deferred <- f:
		return true
	case <-s.stop:
		return false
	}
}

// after schedules f on the scheduler goroutine after a delay
func (s *Scheduler) after(d time.Duration, f func()) {
	time.AfterFunc(d, func() {
		s.do(f)
	})
}

func (s *Scheduler) tick() {
	now := s.clock.Now()

	labels := lo.Keys(s.workload)
	sort.Strings(labels)

	for _, label := range labels {
		s.markActive(label, now)
		if s.cooldown[label] {
			continue
		}
		s.provision(label, s.workload[label])
	}

	s.reclaimIdle(now)
}

func (s *Scheduler) provision(label string, workload int) {
	incoming := lo.SumBy(s.registry.PlannedFor(label), func(node *cloud.PlannedNode) int { return node.Slots })
	excess := internal.ExcessWorkload(workload, incoming, s.fresh[label])
	if excess == 0 {
		return
	}

	for _, c := range s.clouds {
		if excess <= 0 {
			break
		}
		if !c.CanProvision(label) {
			continue
		}

		planned := c.RequestCapacity(label, excess)
		if len(planned) == 0 {
			continue
		}
		s.registry.Enqueue(label, planned...)
		excess -= lo.SumBy(planned, func(node *cloud.PlannedNode) int { return node.Slots })

		names := lo.Map(planned, func(node *cloud.PlannedNode, _ int) string { return node.DisplayName })
		s.log.Info("Provisioning new agents", "cloud", c.Name(), "label", label, "nodes", names)
		s.broadcast(EventNodesPlanned{Cloud: c.Name(), Label: label, Nodes: names})
	}

	if excess > 0 {
		s.log.Debug("Workload cannot be fully covered", "label", label, "excess", excess)
	}
}

func (s *Scheduler) accepts(agent *cloud.Agent, label string) bool {
	if c, ok := s.byName[agent.Cloud]; ok {
		if template, ok := c.Template(agent.TemplateID); ok {
			return template.Mode.Accepts(template.Labels, label)
		}
	}
	return cloud.ModeNormal.Accepts(agent.Labels, label)
}

func (s *Scheduler) markActive(label string, now time.Time) {
	for _, agent := range s.registry.AllAgents() {
		if !agent.Stopped && s.accepts(agent, label) {
			s.lastActive[agent.Name] = now
		}
	}
}

func (s *Scheduler) idleRetention(agent *cloud.Agent) time.Duration {
	if c, ok := s.byName[agent.Cloud]; ok {
		if template, ok := c.Template(agent.TemplateID); ok {
			return template.IdleRetention
		}
	}
	return 0
}

func (s *Scheduler) reclaimIdle(now time.Time) {
	for _, agent := range s.registry.AllAgents() {
		retention := s.idleRetention(agent)
		if retention <= 0 || agent.Stopped || s.reclaiming[agent.Name] {
			continue
		}

		last, ok := s.lastActive[agent.Name]
		if !ok {
			last = lo.Ternary(agent.CreatedAt.IsZero(), now, agent.CreatedAt)
			s.lastActive[agent.Name] = last
		}
		if now.Sub(last) < retention {
			continue
		}

		s.log.Info("Agent is idle, reclaiming it", "cloud", agent.Cloud, "node", agent.Name, "idle", now.Sub(last))
		s.reclaiming[agent.Name] = true
		s.reclaim(agent, "idle")
	}
}

// reclaim tears agent down in the background, then retires it. The agent
// stays registered when teardown fails and is retried on a later tick.
func (s *Scheduler) reclaim(agent *cloud.Agent, reason string) {
	c := s.byName[agent.Cloud]

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := c.Reclaim(context.Background(), agent, reason)
		if err == nil {
			if rmErr := cloud.Retire(s.registry, agent); rmErr != nil && !errors.Is(rmErr, ErrUnknownAgent) {
				s.log.Error("Failed to retire reclaimed agent", "node", agent.Name, "error", rmErr)
			}
			s.broadcast(EventAgentReclaimed{Cloud: agent.Cloud, Agent: agent.Name, Reason: reason})
		} else {
			s.log.Error("Failed to reclaim agent", "node", agent.Name, "reason", reason, "error", err)
			s.broadcast(EventReclaimFailed{Cloud: agent.Cloud, Agent: agent.Name, Reason: reason, Error: err.Error()})
		}

		s.do(func() {
			delete(s.reclaiming, agent.Name)
			if err == nil {
				delete(s.lastActive, agent.Name)
			}
		})
	}()
}

func (s *Scheduler) nodeResolved(label string, node *cloud.PlannedNode, agent *cloud.Agent, err error) {
	if err != nil && agent != nil {
		// Provisioned but not registered, nobody will ever use it
		if _, ok := s.byName[agent.Cloud]; ok {
			s.reclaim(agent.WithReclaim(cloud.ReclaimTerminate), "registration-failed")
		}
	}

	s.do(func() {
		if err == nil {
			s.fresh[label] += agent.Slots
			s.lastActive[agent.Name] = s.clock.Now()
			s.broadcast(EventAgentOnline{Cloud: agent.Cloud, Agent: agent.Name})
		} else {
			if s.config.ProvisioningFailureCooldown > 0 && !s.cooldown[label] {
				s.cooldown[label] = true
				s.after(s.config.ProvisioningFailureCooldown, func() {
					delete(s.cooldown, label)
					s.requestTick()
				})
			}
			s.broadcast(EventProvisionFailed{Cloud: node.Cloud, Node: node.DisplayName, Error: err.Error()})
		}
		s.requestTick()
	})
}
