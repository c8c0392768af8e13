package delivery

import (
	"context"
	"errors"

	"github.com/shandysiswandi/notifyd/internal/notification/dispatch"
)

// Status is the terminal state of a task.
type Status string

const (
	StatusDone   Status = "DONE"
	StatusFailed Status = "FAILED"
)

// Reason explains a FAILED result.
type Reason string

const (
	ReasonTransientExhausted Reason = "transient_exhausted"
	ReasonPermanent          Reason = "permanent"
	ReasonTimeout            Reason = "timeout"
	ReasonBackpressure       Reason = "backpressure"
	ReasonRender             Reason = "render"
)

// Result is the outcome of one task. Task.Attempts holds the number of
// gateway calls made.
type Result struct {
	Task   dispatch.Task
	Status Status
	Reason Reason
	Err    error
}

func (r Result) Done() bool { return r.Status == StatusDone }

func failed(task dispatch.Task, reason Reason, err error) Result {
	return Result{Task: task, Status: StatusFailed, Reason: reason, Err: err}
}

// Future resolves to the Result of a submitted task.
type Future struct {
	task   dispatch.Task
	done   chan struct{}
	result Result
}

func newFuture(task dispatch.Task) *Future {
	return &Future{task: task, done: make(chan struct{})}
}

func (f *Future) complete(r Result) {
	f.result = r
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends. A task still queued or
// running when ctx ends is reported FAILED(timeout); the worker observes the
// same deadline and abandons it.
func (f *Future) Wait(ctx context.Context) Result {
	select {
	case <-f.done:
		return f.result
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.result
		default:
			return failed(f.task, ReasonTimeout, ctx.Err())
		}
	}
}

// Rejected is the result for a task that Submit refused.
func Rejected(task dispatch.Task, err error) Result {
	if errors.Is(err, ErrBackpressure) {
		return failed(task, ReasonBackpressure, err)
	}
	return failed(task, ReasonTimeout, err)
}

// Unrendered is the result for a task whose templates failed. It is never
// submitted, so Attempts stays zero.
func Unrendered(task dispatch.Task) Result {
	return failed(task, ReasonRender, task.RenderErr)
}
