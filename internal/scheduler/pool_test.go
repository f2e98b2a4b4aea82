package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskloom/internal/registry"
)

func TestPoolRunsEveryQueuedTask(t *testing.T) {
	queue := NewWorkQueue()
	var mu sync.Mutex
	seen := map[registry.TaskId]bool{}
	var wg sync.WaitGroup
	wg.Add(5)

	run := func(ctx context.Context, id registry.TaskId) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		wg.Done()
	}

	pool := NewPool(queue, run, 2, Metrics{})
	pool.Start()
	for i := registry.TaskId(1); i <= 5; i++ {
		queue.Push(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks to run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := registry.TaskId(1); i <= 5; i++ {
		if !seen[i] {
			t.Errorf("task %d was never run", i)
		}
	}
	pool.Stop()
}

func TestWaitWorkerIdle(t *testing.T) {
	queue := NewWorkQueue()
	release := make(chan struct{})
	run := func(ctx context.Context, id registry.TaskId) {
		<-release
	}
	pool := NewPool(queue, run, 1, Metrics{})
	pool.Start()
	queue.Push(1)

	// give the worker a moment to pick up the task
	time.Sleep(20 * time.Millisecond)
	if pool.InProgress() != 1 {
		t.Fatalf("expected InProgress=1, got %d", pool.InProgress())
	}

	idleReached := make(chan struct{})
	go func() {
		pool.WaitWorkerIdle(nil)
		close(idleReached)
	}()

	select {
	case <-idleReached:
		t.Fatal("WaitWorkerIdle returned before the running task finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-idleReached:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitWorkerIdle did not return after task finished")
	}
	pool.Stop()
}
