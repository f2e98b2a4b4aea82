package scheduler

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"taskloom/internal/registry"
)

// TaskFunc is the per-TaskId execution closure the Pool invokes for every
// dequeued work item. internal/engine supplies this; it is responsible for
// the Dirty->InProgress CAS, running the registered function body, cell
// diffing, and the InProgress->Done transition. TaskFunc
// itself never returns an error to the Pool: task-body panics and errors
// are recorded on the task's own error cell and surfaced to
// readers, not to the scheduler.
type TaskFunc func(ctx context.Context, id registry.TaskId)

// Metrics is the set of OpenTelemetry instruments the pool reports
// through, all optional: a zero-value Metrics with nil instruments simply
// records nothing, so callers that don't want telemetry can pass one in
// uninitialized rather than go through NewMetrics.
type Metrics struct {
	duration       metric.Float64Histogram
	panics         metric.Int64Counter
	inProgress metric.Int64UpDownCounter
}

// NewMetrics builds a Metrics using meter, naming every instrument with a
// "taskloom_scheduler_" prefix.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	var m Metrics
	var err error
	m.duration, err = meter.Float64Histogram("taskloom_scheduler_task_duration_seconds")
	if err != nil {
		return Metrics{}, err
	}
	m.panics, err = meter.Int64Counter("taskloom_scheduler_task_panics_total")
	if err != nil {
		return Metrics{}, err
	}
	m.inProgress, err = meter.Int64UpDownCounter("taskloom_scheduler_in_progress")
	if err != nil {
		return Metrics{}, err
	}
	return m, nil
}

// Pool is a bounded parallel worker pool sized to available CPUs by
// default. Each worker pulls one TaskId from the
// queue at a time and runs it to completion; within a task body, nested
// suspension (waiting on a child cell, a flush barrier, or external I/O)
// happens inside TaskFunc itself, not here — the pool has no notion of
// suspension, only of "one goroutine busy running one task body".
type Pool struct {
	queue   *WorkQueue
	run     TaskFunc
	size    int
	metrics Metrics

	inProgress int64 // atomic

	wg      sync.WaitGroup
	stop    chan struct{}
	stopped bool
	mu      sync.Mutex

	idleMu   sync.Mutex
	idleCond *sync.Cond
}

// NewPool returns a pool of size workers (runtime.GOMAXPROCS(0) if size <=
// 0) draining queue by calling run for each TaskId.
func NewPool(queue *WorkQueue, run TaskFunc, size int, metrics Metrics) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{queue: queue, run: run, size: size, metrics: metrics, stop: make(chan struct{})}
	p.idleCond = sync.NewCond(&p.idleMu)
	return p
}

// Start launches the worker goroutines. Safe to call once.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(context.Background())
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		id, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.runOne(ctx, id)
	}
}

func (p *Pool) runOne(ctx context.Context, id registry.TaskId) {
	atomic.AddInt64(&p.inProgress, 1)
	if p.metrics.inProgress != nil {
		p.metrics.inProgress.Add(ctx, 1)
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			if p.metrics.panics != nil {
				p.metrics.panics.Add(ctx, 1)
			}
			// TaskFunc is required to catch task-body panics itself; a
			// panic reaching here means TaskFunc's own recover failed, a
			// scheduler-level bug, not a task error. Re-panicking would
			// take down the whole pool, so it is only counted in the
			// panics metric and otherwise dropped.
			_ = r
		}
		if p.metrics.duration != nil {
			p.metrics.duration.Record(ctx, time.Since(start).Seconds())
		}
		n := atomic.AddInt64(&p.inProgress, -1)
		if p.metrics.inProgress != nil {
			p.metrics.inProgress.Add(ctx, -1)
		}
		if n == 0 {
			p.idleMu.Lock()
			p.idleCond.Broadcast()
			p.idleMu.Unlock()
		}
	}()
	p.run(ctx, id)
}

// InProgress reports the number of task bodies currently executing.
func (p *Pool) InProgress() int64 {
	return atomic.LoadInt64(&p.inProgress)
}

// WaitWorkerIdle blocks until InProgress reaches zero at least once, or
// done is closed. It is the worker-pool half of the update barrier: the
// caller must separately confirm the aggregation tree's
// Unfinished count is also zero, since a worker going idle between two
// dependent tasks does not mean the whole root is settled.
func (p *Pool) WaitWorkerIdle(done <-chan struct{}) {
	if atomic.LoadInt64(&p.inProgress) == 0 {
		return
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-done:
			p.idleMu.Lock()
			p.idleCond.Broadcast()
			p.idleMu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	for atomic.LoadInt64(&p.inProgress) != 0 {
		select {
		case <-done:
			return
		default:
		}
		p.idleCond.Wait()
	}
}

// Stop closes the work queue and waits for in-flight workers to drain it.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.queue.Close()
	p.wg.Wait()
	close(p.stop)
}
