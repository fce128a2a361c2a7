package engine

import (
	"context"
	"sync"
)

// task is one unit of batch work, identified by its position in the
// batch.
type task struct {
	index int
	run   func(context.Context) error
}

// runTasks executes tasks with at most parallelism workers and blocks
// until every started task has returned. The result slice holds one
// entry per task, in task order; tasks never started because the
// context was cancelled report the context error. No worker goroutine
// outlives the call.
func runTasks(ctx context.Context, parallelism int, tasks []func(context.Context) error) []error {
	if parallelism <= 0 {
		parallelism = 1
	}
	if parallelism > len(tasks) {
		parallelism = len(tasks)
	}

	errs := make([]error, len(tasks))
	jobs := make(chan task)

	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				errs[t.index] = t.run(ctx)
			}
		}()
	}

feed:
	for i, fn := range tasks {
		select {
		case <-ctx.Done():
			// Mark everything not yet handed to a worker.
			for j := i; j < len(tasks); j++ {
				errs[j] = ctx.Err()
			}
			break feed
		case jobs <- task{index: i, run: fn}:
		}
	}
	close(jobs)
	wg.Wait()
	return errs
}
