// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package allocator implements the WorkerAllocator (spec §4.6): the
// single long-lived loop that matches idle workers to builds waiting for
// them.
package allocator

import (
	"context"

	"github.com/clusterrunner/clusterrunner/internal/scheduler"
	"github.com/clusterrunner/clusterrunner/internal/worker"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// Allocator pulls schedulers off a Pool's waiting FIFO and assigns idle
// workers to them until each has enough, waiting for an idle worker
// whenever none is available.
type Allocator struct {
	pool  *scheduler.Pool
	idle  *idleWorkerQueue
	log   logging.Logger
}

// New constructs an Allocator bound to pool. Workers become available to
// it via AddIdleWorker.
func New(pool *scheduler.Pool, log logging.Logger) *Allocator {
	return &Allocator{
		pool: pool,
		idle: newIdleWorkerQueue(),
		log:  log,
	}
}

// AddIdleWorker marks w idle (clearing its current build) and enqueues it
// for the next scheduler that needs a worker. If marking w idle causes it
// to self-destruct (it was in shutdown mode), it is not enqueued.
func (a *Allocator) AddIdleWorker(w *worker.Worker) {
	if err := w.MarkAsIdle(); err != nil {
		a.log.Info("worker did not return to idle pool", "worker", w.String(), "error", err)
		return
	}
	a.idle.push(w)
}

// Run is the allocator's main loop: block for a prepared-and-waiting
// scheduler, then keep handing it idle workers until it has enough,
// blocking for the next idle worker when none is queued. It returns when
// ctx is canceled.
func (a *Allocator) Run(ctx context.Context) {
	for {
		s, ok := a.pool.NextPreparedScheduler(ctx.Done())
		if !ok {
			return
		}
		a.fillScheduler(ctx, s)
	}
}

func (a *Allocator) fillScheduler(ctx context.Context, s *scheduler.Scheduler) {
	for s.NeedsMoreWorkers() {
		w, ok := a.idle.pop(ctx.Done())
		if !ok {
			return
		}
		if w.IsShutdown() || !w.IsAliveCached() {
			continue
		}
		// Re-check under no lock, mirroring the original's acknowledged
		// race: the build may finish between the needs-more-workers test
		// above and this allocation, wasting one worker's setup call.
		if !s.NeedsMoreWorkers() {
			a.AddIdleWorker(w)
			continue
		}
		// AllocateWorker only kicks off setup; subjob execution starts
		// later when the worker reports setup complete (spec §4.8's
		// handle_worker_state_update(SETUP_COMPLETED)), not here.
		s.AllocateWorker(ctx, w)
	}
}
