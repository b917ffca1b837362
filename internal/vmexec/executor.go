// Package vmexec provides the serialized "VM executor" spec.md §5 requires:
// a single goroutine that drains a channel of thunks, so every operation
// that touches a guest endpoint's vsock device runs strictly one at a time,
// matching the VM collaborator's "no concurrent access from other
// executors" contract. Modeled as an actor, following the teacher's own
// single-reader dispatch loop in internal/lifecycle/demuxer.go.
package vmexec

import (
	"context"
	"errors"
)

// ErrStopped is returned by Run when the executor has already been
// stopped and can no longer accept work.
var ErrStopped = errors.New("vmexec: executor stopped")

type job struct {
	fn   func(ctx context.Context) (interface{}, error)
	done chan jobResult
}

type jobResult struct {
	val interface{}
	err error
}

// Executor serializes access to a single guest endpoint's device. All
// calls that open a vsock connection to that endpoint must be submitted
// here, never invoked directly from multiple goroutines.
type Executor struct {
	jobs   chan job
	stop   chan struct{}
	stopped chan struct{}
}

// New starts the executor's single worker goroutine.
func New() *Executor {
	e := &Executor{
		jobs:    make(chan job),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer close(e.stopped)
	for {
		select {
		case j := <-e.jobs:
			val, err := j.fn(context.Background())
			j.done <- jobResult{val, err}
		case <-e.stop:
			return
		}
	}
}

// Run submits fn to the executor and blocks until it completes, ctx is
// canceled, or the executor is stopped. fn itself does not receive ctx
// cancellation once it has started running — the executor does not
// preempt in-flight work, matching a single serialized device.
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	j := job{fn: fn, done: make(chan jobResult, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopped:
		return nil, ErrStopped
	}

	select {
	case r := <-j.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop signals the executor to exit after any in-flight job finishes.
// Pending Run calls that haven't been accepted yet return ErrStopped.
func (e *Executor) Stop() {
	select {
	case <-e.stopped:
		return
	default:
	}
	close(e.stop)
	<-e.stopped
}
