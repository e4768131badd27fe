// Package pool runs provisioning work off the caller's goroutine.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Handle is returned for every submitted task and is closed once it finished.
type Handle interface {
	Done() <-chan struct{}
}

type Pool interface {
	Submit(task func()) Handle
}

type handle chan struct{}

func (h handle) Done() <-chan struct{} {
	return h
}

// Unbounded starts one goroutine per submitted task. Panicking tasks are
// logged and do not take the process down.
type Unbounded struct {
	log *slog.Logger
	wg  conc.WaitGroup
}

// Unbounded implements Pool
var _ Pool = (*Unbounded)(nil)

func New(logger *slog.Logger) *Unbounded {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Unbounded{log: logger}
}

func (p *Unbounded) Submit(task func()) Handle {
	h := make(handle)
	p.wg.Go(func() {
		defer close(h)

		var catcher panics.Catcher
		catcher.Try(task)
		if r := catcher.Recovered(); r != nil {
			p.log.Error("Worker task panicked", "error", r.AsError())
		}
	})
	return h
}

// Wait blocks until every submitted task has returned.
func (p *Unbounded) Wait() {
	p.wg.Wait()
}

// Future is the typed result of a task submitted with Spawn.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Spawn submits fn to p and returns a future of its result. A panic in fn is
// reported as the future's error.
func Spawn[T any](p Pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.Submit(func() {
		defer close(f.done)

		var catcher panics.Catcher
		catcher.Try(func() { f.value, f.err = fn() })
		if r := catcher.Recovered(); r != nil {
			f.err = fmt.Errorf("task panicked: %w", r.AsError())
		}
	})
	return f
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved reports whether the future completed, without blocking.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
