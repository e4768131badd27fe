package cloud

import (
	"sync"
)

// FailureLimit is the number of failed provisioning attempts after which a
// template is disabled.
const FailureLimit = 3

// Breaker is the circuit breaker of a single template. Its state is transient
// and lost on restart.
type Breaker struct {
	mu       sync.Mutex
	failures int
	cause    string
}

// IncreaseFailureCount records a failure and reports whether this call
// disabled the template. The first disabling cause is kept until Reset.
func (b *Breaker) IncreaseFailureCount(cause string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= FailureLimit && b.cause == "" {
		if cause == "" {
			cause = "unknown failure"
		}
		b.cause = cause
		return true
	}
	return false
}

func (b *Breaker) ResetFailureCount() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.cause = ""
}

// DisableCause is empty while the template is enabled.
func (b *Breaker) DisableCause() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

func (b *Breaker) Disabled() bool {
	return b.DisableCause() != ""
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Breakers holds one Breaker per template id.
type Breakers struct {
	mu    sync.Mutex
	cells map[string]*Breaker
}

func NewBreakers() *Breakers {
	return &Breakers{cells: make(map[string]*Breaker)}
}

func (b *Breakers) Get(templateID string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cell, ok := b.cells[templateID]
	if !ok {
		cell = &Breaker{}
		b.cells[templateID] = cell
	}
	return cell
}
