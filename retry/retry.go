package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammadia/nimbus/clock"
)

// ErrAttemptTimeout is returned for an attempt that did not complete within
// Policy.AttemptTimeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

type Policy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Delay          time.Duration
	Clock          clock.Clock
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		Delay:          30 * time.Second,
		Clock:          clock.System(),
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Clock == nil {
		p.Clock = clock.System()
	}
	return p
}

// Run calls fn up to p.MaxAttempts times, waiting p.Delay between attempts.
// Each attempt gets a context that is cancelled once p.AttemptTimeout
// expires; fn is expected to return promptly when that happens, and if it
// does not the attempt is abandoned and counted as failed. The error of the
// last attempt is returned as is.
// Returns ctx.Err() if ctx is cancelled before all attempts are exhausted.
func Run[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var result T
	var err error
	for i := 1; i <= p.MaxAttempts; i++ {
		if result, err = attempt(ctx, p.AttemptTimeout, i, fn); err == nil {
			return result, nil
		}
		if i < p.MaxAttempts {
			select {
			case <-p.Clock.After(p.Delay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}

// Do is like Run for functions that only return an error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type outcome[T any] struct {
	result T
	err    error
}

func attempt[T any](ctx context.Context, timeout time.Duration, n int, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned attempt can still complete without leaking
	done := make(chan outcome[T], 1)
	go func() {
		result, err := fn(ctx)
		done <- outcome[T]{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: attempt %d after %s", ErrAttemptTimeout, n, timeout)
		}
		return zero, ctx.Err()
	}
}
