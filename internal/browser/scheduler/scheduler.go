// Package scheduler provides the single owning goroutine that every frame,
// loader and script callback runs on.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"
)

// TaskRunner queues work onto the owning goroutine. Tasks run one at a time
// in the order they were posted.
type TaskRunner interface {
	PostTask(task func())
}

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("scheduler: loop is stopped")

// LoopRunner runs tasks on a goja event loop, so page scripts and loader
// callbacks share one goroutine. Each window still owns its own runtime; the
// loop's runtime is only handed to PostRuntimeTask and Do callers.
type LoopRunner struct {
	loop   *eventloop.EventLoop
	logger *zap.Logger

	mu      sync.Mutex
	stopped bool
}

// NewLoopRunner creates and starts an event loop.
func NewLoopRunner(logger *zap.Logger) *LoopRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()
	return &LoopRunner{loop: loop, logger: logger.Named("scheduler")}
}

// PostTask queues task. Tasks posted after Stop are dropped.
func (r *LoopRunner) PostTask(task func()) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		r.logger.Debug("Dropping task posted after stop")
		return
	}
	r.loop.RunOnLoop(func(*goja.Runtime) { task() })
}

// PostRuntimeTask queues a task that needs the loop's JS runtime.
func (r *LoopRunner) PostRuntimeTask(task func(vm *goja.Runtime)) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	r.loop.RunOnLoop(task)
}

// Do runs task on the loop and waits for it. It must not be called from the
// loop goroutine itself.
func (r *LoopRunner) Do(ctx context.Context, task func(vm *goja.Runtime)) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	done := make(chan struct{})
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(done)
		task(vm)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts the loop after the task currently running. Pending tasks are
// discarded. Must not be called from the loop goroutine.
func (r *LoopRunner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	r.loop.Stop()
}

// ManualRunner queues tasks until the test drains them. It is safe to post
// from any goroutine.
type ManualRunner struct {
	mu      sync.Mutex
	queue   []func()
	posted  chan struct{}
	running bool
}

// NewManualRunner returns an empty runner.
func NewManualRunner() *ManualRunner {
	return &ManualRunner{posted: make(chan struct{}, 1)}
}

func (r *ManualRunner) PostTask(task func()) {
	r.mu.Lock()
	r.queue = append(r.queue, task)
	r.mu.Unlock()
	select {
	case r.posted <- struct{}{}:
	default:
	}
}

// Pending reports how many tasks are queued.
func (r *ManualRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// RunUntilIdle runs queued tasks, including ones they post, until the queue
// is empty. A nested call from inside a task is a no-op.
func (r *ManualRunner) RunUntilIdle() int {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0
	}
	r.running = true
	r.mu.Unlock()

	ran := 0
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.running = false
			r.mu.Unlock()
			return ran
		}
		task := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		task()
		ran++
	}
}

// RunUntil drains the queue until cond holds, waiting for tasks posted from
// other goroutines in between.
func (r *ManualRunner) RunUntil(ctx context.Context, cond func() bool) error {
	for {
		r.RunUntilIdle()
		if cond() {
			return nil
		}
		select {
		case <-r.posted:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
