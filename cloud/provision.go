package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gammadia/nimbus/namegen"
	"github.com/gammadia/nimbus/timeout"
)

// Stage is a step of the provisioning workflow.
type Stage string

const (
	StageCreated             Stage = "created"
	StageResourceRequested   Stage = "resource-requested"
	StageResourceReady       Stage = "resource-ready"
	StageReachabilityProbing Stage = "reachability-probing"
	StageSucceeded           Stage = "succeeded"
	StageFailed              Stage = "failed"
	StageRollingBack         Stage = "rolling-back"
)

type workflow struct {
	cloud    *Cloud
	template Template
	names    namegen.Names
	// stopped is the agent being restarted, nil when creating a resource
	stopped    *Agent
	stage      Stage
	resourceID string
	log        *slog.Logger
}

func (c *Cloud) newWorkflow(template Template, names namegen.Names) *workflow {
	return &workflow{
		cloud:    c,
		template: template,
		names:    names,
		log:      c.log.With("template", template.ID, "node", names.Display),
	}
}

func (w *workflow) enter(stage Stage) {
	w.stage = stage
	w.log.Debug("Provisioning stage", "stage", stage)
}

// Provision creates a single agent from the given template, bypassing the
// capacity caps, and adds it to the scheduler's nodes. It is cancelled by ctx
// or by Shutdown, whichever comes first.
func (c *Cloud) Provision(ctx context.Context, templateID string) (*Agent, error) {
	template, ok := c.Template(templateID)
	if !ok {
		return nil, fmt.Errorf("%w '%s' in cloud '%s'", ErrUnknownTemplate, templateID, c.Name())
	}

	if cause := c.breakers.Get(templateID).DisableCause(); cause != "" {
		return nil, &TemplateDisabledError{Cloud: c.Name(), Template: templateID, Cause: cause}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	agent, err := c.provision(ctx, template, namegen.Unique(template.namePrefix(c.Name())))
	if err != nil {
		return nil, err
	}

	if err := c.nodes.AddAgent(agent); err != nil {
		// Nobody would ever reclaim an agent the scheduler does not know about
		discarded := agent.WithReclaim(ReclaimTerminate)
		if reclaimErr := c.Reclaim(context.WithoutCancel(ctx), discarded, "registration-failed"); reclaimErr != nil {
			c.log.Error("Failed to reclaim unregistered agent", "node", agent.Name, "error", reclaimErr)
		}
		return nil, fmt.Errorf("failed to register agent '%s': %w", agent.Name, err)
	}
	return agent, nil
}

// provision runs one workflow creating a new resource.
func (c *Cloud) provision(ctx context.Context, template Template, names namegen.Names) (*Agent, error) {
	w := c.newWorkflow(template, names)
	return w.run(ctx, w.create)
}

// restart runs one workflow bringing a stopped agent back under its own name.
// When the resource does not come back it is terminated and the agent removed.
func (c *Cloud) restart(ctx context.Context, template Template, stopped *Agent) (*Agent, error) {
	w := c.newWorkflow(template, namegen.Names{Internal: stopped.Name, Display: stopped.DisplayName})
	w.stopped = stopped
	w.resourceID = stopped.ResourceID
	return w.run(ctx, w.start)
}

// run drives the workflow once acquire got hold of a resource. On failure the
// template's breaker is increased and a resource that exists is rolled back.
// A workflow cancelled through ctx leaves the breaker untouched.
func (w *workflow) run(ctx context.Context, acquire func(ctx context.Context) error) (agent *Agent, err error) {
	c := w.cloud
	w.enter(StageCreated)

	start := c.clock.Now()
	c.metrics.ProvisionStarted(c.Name(), w.template.ID)

	defer func() {
		c.metrics.ProvisionFinished(c.Name(), w.template.ID, err, c.clock.Now().Sub(start))

		breaker := c.breakers.Get(w.template.ID)
		switch {
		case err == nil:
			breaker.ResetFailureCount()
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			w.log.Warn("Provisioning cancelled", "error", err)
		default:
			w.log.Error("Provisioning failed", "error", err)
			if breaker.IncreaseFailureCount(err.Error()) {
				w.log.Error("Template disabled after repeated failures", "failures", breaker.Failures())
				c.metrics.TemplateDisabled(c.Name(), w.template.ID)
			}
		}
	}()

	w.log.Info("Provisioning agent", "restart", w.stopped != nil)
	w.enter(StageResourceRequested)

	if err = acquire(ctx); err != nil {
		w.enter(StageFailed)
		if errors.Is(err, ErrResourceUnusable) {
			w.rollback(ctx)
		}
		return nil, err
	}
	w.log = w.log.With("resource", w.resourceID)

	if agent, err = w.bringUp(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrResourceUnusable, err)
		w.enter(StageFailed)
		w.rollback(ctx)
		return nil, err
	}

	w.enter(StageSucceeded)
	w.log.Info("Agent is online", "address", agent.Address, "duration", c.clock.Now().Sub(start))
	return agent, nil
}

func (w *workflow) create(ctx context.Context) error {
	id, err := w.cloud.provider.CreateResource(ctx, w.names.Internal, w.template.Spec)
	if err != nil {
		return fmt.Errorf("%w: failed to create resource '%s': %w", ErrResourceCreation, w.names.Internal, err)
	}
	w.resourceID = id
	return nil
}

func (w *workflow) start(ctx context.Context) error {
	if err := w.cloud.provider.StartResource(ctx, w.resourceID); err != nil {
		return fmt.Errorf("%w: failed to start stopped resource '%s': %w", ErrResourceUnusable, w.resourceID, err)
	}
	return nil
}

func (w *workflow) bringUp(ctx context.Context) (*Agent, error) {
	c := w.cloud

	w.log.Debug("Waiting for resource to become ready")
	if err := c.provider.WaitUntilReady(ctx, w.resourceID); err != nil {
		return nil, fmt.Errorf("failed while waiting for resource '%s' to become ready: %w", w.resourceID, err)
	}
	w.enter(StageResourceReady)

	address, err := c.provider.ResolveAddress(ctx, w.resourceID, w.template.PublicAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address of resource '%s': %w", w.resourceID, err)
	}

	w.enter(StageReachabilityProbing)
	if err := w.probe(ctx, address); err != nil {
		return nil, err
	}

	return &Agent{
		Name:        w.names.Internal,
		DisplayName: w.names.Display,
		Cloud:       c.Name(),
		TemplateID:  w.template.ID,
		ResourceID:  w.resourceID,
		Address:     address,
		Port:        w.template.ProbePort,
		Slots:       w.template.Slots,
		Labels:      w.template.Labels,
		Reclaim:     w.template.Reclaim,
		CreatedAt:   c.clock.Now(),
	}, nil
}

// probe tries to connect to the agent until it answers or the template's
// start timeout is exceeded. Probe errors are only logged.
func (w *workflow) probe(ctx context.Context, address string) error {
	c := w.cloud
	port := w.template.ProbePort
	gate := timeout.NewGate(c.clock, w.template.StartTimeout, c.config.ProbeInterval)

	for attempts := 1; ; attempts++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reachability probe of '%s:%d' aborted after %d attempts: %w", address, port, attempts-1, err)
		}

		err := c.prober.TryConnect(ctx, address, port, w.template.ProbeTimeout)
		if err == nil {
			w.log.Debug("Agent is reachable", "address", address, "attempts", attempts)
			return nil
		}

		w.log.Debug(fmt.Errorf("agent not reachable (attempt %d), retrying in %s: %w", attempts, c.config.ProbeInterval, err).Error())
		if !gate.Sleep() {
			return fmt.Errorf("%w: '%s:%d' still unreachable after %s and %d attempts: %w", ErrReachabilityTimeout, address, port, gate.Elapsed(), attempts, err)
		}
	}
}

// rollback terminates the resource of a failed workflow, and forgets the
// stopped agent it was restarting. A failed rollback is only logged: the
// caller gets the error that caused the rollback.
func (w *workflow) rollback(ctx context.Context) {
	w.enter(StageRollingBack)

	// The resource must go away even when provisioning was cancelled
	ctx = context.WithoutCancel(ctx)
	if err := w.cloud.teardown(ctx, w.resourceID, ReclaimTerminate); err != nil {
		w.log.Error("Failed to roll back resource", "error", fmt.Errorf("%w: %w", ErrRollbackFailed, err))
		return
	}
	w.log.Info("Resource rolled back")

	if w.stopped != nil {
		if err := w.cloud.nodes.RemoveAgent(w.stopped.Name); err != nil {
			w.log.Error("Failed to remove agent that could not restart", "error", err)
		}
	}
}
