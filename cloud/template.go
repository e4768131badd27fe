package cloud

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Mode selects which work a template may serve.
type Mode int

const (
	// ModeNormal templates serve unlabeled work and work whose label they satisfy.
	ModeNormal Mode = iota
	// ModeExclusive templates only serve work whose label they satisfy.
	ModeExclusive
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return ModeNormal, nil
	case "exclusive":
		return ModeExclusive, nil
	default:
		return ModeNormal, fmt.Errorf("unknown template mode '%s'", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Accepts reports whether a template in mode m carrying labels may serve
// work requiring label. An empty label means the work has no constraint.
func (m Mode) Accepts(labels []string, label string) bool {
	switch m {
	case ModeNormal:
		return label == "" || satisfies(labels, label)
	case ModeExclusive:
		return label != "" && satisfies(labels, label)
	default:
		return false
	}
}

// satisfies evaluates a label expression, which is one or more atoms joined
// with "&&".
func satisfies(labels []string, expression string) bool {
	atoms := lo.Filter(
		lo.Map(strings.Split(expression, "&&"), func(atom string, _ int) string { return strings.TrimSpace(atom) }),
		func(atom string, _ int) bool { return atom != "" },
	)
	if len(atoms) == 0 {
		return false
	}
	return lo.Every(labels, atoms)
}

type ReclaimPolicy string

const (
	ReclaimTerminate ReclaimPolicy = "terminate"
	ReclaimStop      ReclaimPolicy = "stop"
)

func ParseReclaimPolicy(s string) (ReclaimPolicy, error) {
	switch ReclaimPolicy(strings.ToLower(s)) {
	case "", ReclaimTerminate:
		return ReclaimTerminate, nil
	case ReclaimStop:
		return ReclaimStop, nil
	default:
		return ReclaimTerminate, fmt.Errorf("unknown reclaim policy '%s'", s)
	}
}

// Spec is handed as is to the ResourceProvider; its keys are provider specific.
type Spec map[string]string

// Template is the immutable configuration agents are created from. Its runtime
// failure state lives in a Breaker, never here.
type Template struct {
	ID          string
	Description string
	NamePrefix  string
	Labels      []string
	Mode        Mode

	// MaxAgents caps the agents of this template. Zero, or a value at least as
	// large as the cloud cap, means only the cloud cap applies.
	MaxAgents int
	// Slots is the number of executors an agent of this template provides.
	Slots int

	// StartTimeout bounds the reachability probe. Zero means no bound.
	StartTimeout  time.Duration
	ProbeTimeout  time.Duration
	ProbePort     int
	PublicAddress bool

	Reclaim       ReclaimPolicy
	IdleRetention time.Duration

	Spec Spec
}

func (t Template) namePrefix(cloud string) string {
	if t.NamePrefix != "" {
		return t.NamePrefix
	}
	return fmt.Sprintf("%s-%s", cloud, t.ID)
}

func ValidateTemplate(t Template) error {
	if t.ID == "" {
		return fmt.Errorf("template id must not be empty")
	}
	if t.Slots < 1 {
		return fmt.Errorf("template '%s': slots must be greater than 0", t.ID)
	}
	if t.MaxAgents < 0 {
		return fmt.Errorf("template '%s': max-agents must not be negative", t.ID)
	}
	if t.StartTimeout < 0 || t.ProbeTimeout < 0 {
		return fmt.Errorf("template '%s': timeouts must not be negative", t.ID)
	}
	if t.ProbePort < 0 || t.ProbePort > 65535 {
		return fmt.Errorf("template '%s': probe-port must be a valid port", t.ID)
	}
	if t.Mode == ModeExclusive && len(t.Labels) == 0 {
		return fmt.Errorf("template '%s': exclusive templates need at least one label", t.ID)
	}
	return nil
}
