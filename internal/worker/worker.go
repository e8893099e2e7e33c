// ============================================================================
// AIGC Unit Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes dispatched AI operations; each Worker runs in its own
//           goroutine
//
// How it works:
//   1. Receive task from taskCh
//   2. Create a Context with the task timeout and register its cancel func
//      so the pool can interrupt it
//   3. Run the handler for the task's operation
//   4. Send result to resultCh
//
// Cancellation:
//   - Timeout: ctx.Err() is DeadlineExceeded, reported as a "timeout" failure
//   - Interrupt: Pool.Cancel cancels the task context, reported as interrupted
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// errNoHandler is returned for operations this unit does not serve.
var errNoHandler = &UnitError{Kind: "unsupported_operation", Message: "no handler for operation"}

// Worker represents a work execution unit
type Worker struct {
	id       int
	pool     *Pool
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		pool:     p,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		stopCh:   p.stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.runTask(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				// pool is shutting down, nobody reads results anymore
				return
			}
		}
	}
}

func (w *Worker) runTask(task Task) Result {
	start := time.Now()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.pool.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	interrupted := w.pool.track(task.Key(), task.Sequence(), cancel)

	output, err := w.execute(ctx, task)
	cancel()
	w.pool.untrack(task.Key(), task.Sequence())

	result := Result{
		Key:      task.Key(),
		Sequence: task.Sequence(),
		Output:   output,
		Err:      err,
		Duration: time.Since(start),
	}
	if err != nil {
		select {
		case <-interrupted:
			result.Interrupted = true
		default:
			if errors.Is(err, context.DeadlineExceeded) {
				result.Err = &UnitError{Kind: "timeout", Message: fmt.Sprintf("exceeded %s", timeout)}
			}
		}
	}
	return result
}

// execute runs the handler registered for the task's operation
func (w *Worker) execute(ctx context.Context, task Task) (out json.RawMessage, err error) {
	h, ok := w.pool.handlers[task.Dispatch.Envelope.Operation]
	if !ok {
		return nil, errNoHandler
	}
	defer func() {
		if r := recover(); r != nil {
			err = &UnitError{Kind: "panic", Message: fmt.Sprint(r)}
		}
	}()

	progress := task.Progress
	if progress == nil {
		progress = func(json.RawMessage) {}
	}
	return h(ctx, task.Dispatch, progress)
}
