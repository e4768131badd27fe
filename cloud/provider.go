package cloud

import (
	"context"
	"time"
)

// LifecycleState is the provider specific state of a remote resource.
type LifecycleState string

// ResourceProvider manages the remote resources backing agents.
type ResourceProvider interface {
	CreateResource(ctx context.Context, name string, spec Spec) (string, error)
	// WaitUntilReady blocks until the resource is running, within whatever
	// bound the provider enforces.
	WaitUntilReady(ctx context.Context, id string) error
	ResolveAddress(ctx context.Context, id string, public bool) (string, error)
	TerminateResource(ctx context.Context, id string) error
	WaitUntilTerminated(ctx context.Context, id string) error
	StopResource(ctx context.Context, id string) error
	WaitUntilStopped(ctx context.Context, id string) error
	// StartResource starts a stopped resource again. WaitUntilReady follows.
	StartResource(ctx context.Context, id string) error
	LifecycleState(ctx context.Context, id string) (LifecycleState, error)
	// AliveStates lists the lifecycle states of a healthy agent.
	AliveStates() []LifecycleState
}

// Prober checks that a freshly created resource accepts connections.
type Prober interface {
	TryConnect(ctx context.Context, address string, port int, timeout time.Duration) error
}

// Nodes is the scheduler's view of agents and in-flight provisioning.
type Nodes interface {
	Agents(cloud string) []*Agent
	Planned(cloud string) []*PlannedNode
	// AddAgent also replaces a stopped agent of the same name.
	AddAgent(agent *Agent) error
	RemoveAgent(name string) error
	// StopAgent marks an agent whose resource was stopped. It leaves the live
	// set but stays counted against the caps until restarted or removed.
	StopAgent(name string) error
}

// Recorder receives provisioning and reclaim outcomes, typically for metrics.
type Recorder interface {
	ProvisionStarted(cloud, template string)
	ProvisionFinished(cloud, template string, err error, duration time.Duration)
	TemplateDisabled(cloud, template string)
	AgentReclaimed(cloud, template, reason string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ProvisionStarted(string, string) {}
func (nopRecorder) ProvisionFinished(string, string, error, time.Duration) {}
func (nopRecorder) TemplateDisabled(string, string) {}
func (nopRecorder) AgentReclaimed(string, string, string, error) {}
