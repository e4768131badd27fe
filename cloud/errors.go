package cloud

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceCreation means the remote resource never came into existence.
	ErrResourceCreation = errors.New("resource creation failed")
	// ErrResourceUnusable means the resource exists but did not become ready
	// or reachable. It has been rolled back.
	ErrResourceUnusable = errors.New("resource not ready or unreachable")
	// ErrReachabilityTimeout is wrapped in ErrResourceUnusable when the
	// reachability probe ran out of time.
	ErrReachabilityTimeout = errors.New("reachability probe timed out")
	// ErrRollbackFailed is logged, never returned in place of the original error.
	ErrRollbackFailed   = errors.New("rollback failed")
	ErrTeardownFailed   = errors.New("teardown failed")
	ErrLivenessQuery    = errors.New("liveness query failed")
	ErrTemplateDisabled = errors.New("template disabled")
	ErrUnknownTemplate  = errors.New("unknown template")
)

// TemplateDisabledError is returned when provisioning is requested from a
// template whose breaker tripped.
type TemplateDisabledError struct {
	Cloud    string
	Template string
	Cause    string
}

func (e *TemplateDisabledError) Error() string {
	return fmt.Sprintf("template '%s' of cloud '%s' is disabled after repeated failures (%s), reset it once the problem is fixed",
		e.Template, e.Cloud, e.Cause)
}

func (e *TemplateDisabledError) Is(target error) bool {
	return target == ErrTemplateDisabled
}
