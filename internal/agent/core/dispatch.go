package core

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Dispatcher admits subagent runners under the global concurrency
// semaphore and awaits them as a group. Results are collected
// out-of-order as runners finish but returned in dispatch order, so
// downstream prompting is deterministic.
type Dispatcher struct {
	sem              *semaphore.Weighted
	subagentDeadline time.Duration
}

// NewDispatcher bounds the run to maxConcurrent active subagents.
func NewDispatcher(maxConcurrent int, subagentDeadline time.Duration) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		sem:              semaphore.NewWeighted(int64(maxConcurrent)),
		subagentDeadline: subagentDeadline,
	}
}

// Dispatch runs one runner per task and blocks until all reach a
// terminal state. Cancellation of ctx propagates into every runner.
func (d *Dispatcher) Dispatch(ctx context.Context, session *Session, tasks []TaskSpec, newRunner func(TaskSpec) *Runner) []SubagentResult {
	results := make([]SubagentResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task TaskSpec) {
			defer wg.Done()
			if err := d.sem.Acquire(ctx, 1); err != nil {
				results[i] = SubagentResult{
					Task:   task.Prompt,
					Status: StatusCancelled,
				}
				return
			}
			defer d.sem.Release(1)

			r := newRunner(task)
			session.AttachTranscript(r.ID(), r.Transcript())

			runCtx := ctx
			if d.subagentDeadline > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, d.subagentDeadline)
				defer cancel()
			}
			results[i] = r.Run(runCtx)
		}(i, task)
	}
	wg.Wait()

	for _, res := range results {
		if res.Status != StatusOK {
			session.RecordFailedTask(res.Task)
		}
	}
	return results
}
