package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunTasks_AllComplete(t *testing.T) {
	var ran atomic.Int32
	tasks := make([]func(context.Context) error, 20)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			ran.Add(1)
			return nil
		}
	}

	errs := runTasks(context.Background(), 4, tasks)
	if n := ran.Load(); n != 20 {
		t.Errorf("Expected 20 tasks run, got %d", n)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("Task %d: unexpected error %v", i, err)
		}
	}
}

func TestRunTasks_ErrorsKeepPosition(t *testing.T) {
	boom := errors.New("boom")
	tasks := []func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
		func(context.Context) error { return nil },
	}

	errs := runTasks(context.Background(), 2, tasks)
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("Expected successes at 0 and 2, got %v and %v", errs[0], errs[2])
	}
	if !errors.Is(errs[1], boom) {
		t.Errorf("Expected boom at 1, got %v", errs[1])
	}
}

func TestRunTasks_BoundedParallelism(t *testing.T) {
	var current, peak atomic.Int32
	var mu sync.Mutex

	tasks := make([]func(context.Context) error, 32)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			n := current.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			current.Add(-1)
			return nil
		}
	}

	runTasks(context.Background(), 3, tasks)
	if p := peak.Load(); p > 3 {
		t.Errorf("Expected at most 3 concurrent tasks, observed %d", p)
	}
}

func TestRunTasks_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	tasks := make([]func(context.Context) error, 8)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			ran.Add(1)
			return nil
		}
	}

	errs := runTasks(ctx, 2, tasks)
	cancelled := 0
	for _, err := range errs {
		if errors.Is(err, context.Canceled) {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Error("Expected unstarted tasks to report the context error")
	}
}

func TestRunTasks_Sequential(t *testing.T) {
	order := make([]int, 0, 5)
	tasks := make([]func(context.Context) error, 5)
	for i := range tasks {
		i := i
		tasks[i] = func(context.Context) error {
			order = append(order, i)
			return nil
		}
	}

	runTasks(context.Background(), 1, tasks)
	for i, got := range order {
		if got != i {
			t.Fatalf("Expected in-order execution with one worker, got %v", order)
		}
	}
}
