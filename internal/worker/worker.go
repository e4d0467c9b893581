// ============================================================================
// seakylib Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that pulls tasks from the pass queue and runs the job
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes:
//   1. Build per-worker resources (optional ResourceFactory)
//   2. Take one task from taskCh; exit when the queue is drained or the
//      pass context is cancelled
//   3. Record the task start time, call the job through Guard
//   4. Send the result to resultCh
//
// Cancellation:
//   The pass context is the only cancellation signal. A job that ignores ctx
//   keeps running, but the worker will not take another task afterwards and
//   the controller stops waiting for it.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sseaky/seakylib/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id   int   // Worker identifier (1-based), used for logging and outcomes
	pool *Pool // Owning pool (queue, result channel, options)
}

// newWorker creates a new Worker instance
func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	p := w.pool
	p.debug("worker start", "worker", w.id)
	defer p.debug("worker end", "worker", w.id)

	var resources types.Args
	if p.opts.Resources != nil {
		res, cleanup, err := p.opts.Resources(ctx, w.id)
		if err != nil {
			// Behaves like a crashed process: tasks stay queued for the other
			// workers, or become missing if nobody is left to take them.
			p.log.Error("worker resource setup failed", "worker", w.id, "error", err)
			return
		}
		if cleanup != nil {
			defer cleanup()
		}
		resources = res
		p.debug("worker resources ready", "worker", w.id)
	}

	for {
		var task types.Task
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.taskCh:
			if !ok {
				return
			}
			task = t
		}

		// A cancelled pass may still have queued tasks; leave them for the
		// missing-outcome synthesis.
		if ctx.Err() != nil {
			return
		}

		p.debug("worker got task", "worker", w.id, "order_in", task.InputOrder, "args", task.Args)
		w.pool.reportResult(w.execute(ctx, task, resources))
	}
}

// execute runs one task and returns its result
func (w *Worker) execute(ctx context.Context, task types.Task, resources types.Args) Result {
	p := w.pool
	start := time.Now()
	p.starts.set(task.Identity, start)

	args := task.Args.Clone()
	if p.opts.MarkStartTime {
		args[StartTimeKey] = float64(start.UnixNano()) / 1e9
	}

	var (
		ok    bool
		value any
		stack string
	)
	elapsed := Timed(func() {
		ok, value, stack = Guard(ctx, p.job, args.Merge(resources))
	})
	if stack != "" {
		p.log.Info("job panicked", "worker", w.id, "order_in", task.InputOrder, "panic", value, "stack", stack)
	}

	if p.opts.ShowJobResult {
		level := slog.LevelInfo
		if !ok {
			level = slog.LevelError
		}
		p.log.Log(ctx, level, "job result", "result", value, "time", elapsed.Round(10*time.Millisecond))
	}
	p.debug("worker task done", "worker", w.id, "order_in", task.InputOrder, "is_ok", ok, "result", value)

	return Result{
		Identity:   task.Identity,
		InputOrder: task.InputOrder,
		Args:       task.Args,
		Success:    ok,
		Value:      value,
		Duration:   elapsed,
		WorkerID:   w.id,
	}
}
