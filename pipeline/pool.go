package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of work the pool dequeues FIFO and runs on a free worker
// goroutine.
type Task func()

// TaskPool is the fixed-size worker pool (spec 4.D). Submission is bounded
// by a weighted semaphore sized to the pool so a bursty admission loop
// backpressures on RunTask instead of growing an unbounded internal queue;
// the channel itself is modestly buffered only to decouple submission order
// from which goroutine happens to be free first.
type TaskPool struct {
	tasks chan Task
	sem   *semaphore.Weighted
	done  chan struct{}
}

// NewTaskPool starts size worker goroutines. The pool must outlive every
// frame it serves.
func NewTaskPool(size int) *TaskPool {
	if size < 1 {
		size = 1
	}
	p := &TaskPool{
		tasks: make(chan Task, size*4),
		sem:   semaphore.NewWeighted(int64(size)),
		done:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *TaskPool) worker() {
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task()
		case <-p.done:
			return
		}
	}
}

// RunTask enqueues task, blocking until a submission slot is free or ctx is
// done. No priorities, no mid-task cancellation (spec 4.D).
func (p *TaskPool) RunTask(ctx context.Context, task Task) error {
	select {
	case <-p.done:
		return fmt.Errorf("task pool: closed")
	default:
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("task pool: acquire submission slot: %w", err)
	}
	select {
	case p.tasks <- func() {
		defer p.sem.Release(1)
		task()
	}:
		return nil
	case <-p.done:
		p.sem.Release(1)
		return fmt.Errorf("task pool: closed")
	}
}

// Close stops accepting new work. Existing in-flight tasks finish running.
func (p *TaskPool) Close() {
	close(p.done)
}
