// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the per-build BuildScheduler and the
// process-wide SchedulerPool (spec §4.5): deciding when a build needs
// more workers and driving subjob dispatch.
package scheduler

import (
	"context"
	"sync"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/worker"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// FailureHandler is notified when a worker fails setup for a build, so
// the caller (the manager facade) can bump the build's setup-failure
// counter and cancel it past the threshold.
type FailureHandler func(b *build.Build, w *worker.Worker)

// Scheduler drives subjob dispatch for exactly one Build. One instance
// per active build, 1:1 with Build, created lazily by the Pool on first
// access.
type Scheduler struct {
	build *build.Build
	pool  *Pool
	log   logging.Logger

	maxExecutors          int
	maxExecutorsPerWorker int

	onSetupFailure FailureHandler

	mu                    sync.Mutex
	workersAllocated      []*worker.Worker
	buildStarted          bool
	numExecutorsAllocated int
	numExecutorsInUse     int

	dispatchMu sync.Mutex // the per-scheduler subjob-assignment lock of §4.5/§5
}

func newScheduler(b *build.Build, pool *Pool, maxExecutors, maxExecutorsPerWorker int, onSetupFailure FailureHandler, log logging.Logger) *Scheduler {
	return &Scheduler{
		build:                 b,
		pool:                  pool,
		log:                   log,
		maxExecutors:          maxExecutors,
		maxExecutorsPerWorker: maxExecutorsPerWorker,
		onSetupFailure:        onSetupFailure,
	}
}

func (s *Scheduler) BuildID() int32 { return s.build.BuildID() }

// projectTypeParams reconstructs the project_type_params bag a worker
// needs to build its own ProjectType for this build: the original
// request params, the request's "type" and "job_name", and the manager
// side ProjectType's worker-specific overrides (e.g. a rewritten git URL).
func (s *Scheduler) projectTypeParams() map[string]string {
	req := s.build.Request()
	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	params["type"] = req.Type
	params["job_name"] = req.JobName
	if pt := s.build.ProjectType(); pt != nil {
		for k, v := range pt.WorkerParamOverrides() {
			params[k] = v
		}
	}
	return params
}

// NeedsMoreWorkers is true iff the build is not canceled, the unstarted
// queue is non-empty, num_executors_allocated < max_executors, and
// num_executors_allocated < len(subjobs).
func (s *Scheduler) NeedsMoreWorkers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.build.IsCanceled() {
		return false
	}
	if s.build.UnstartedCount() == 0 {
		return false
	}
	if s.numExecutorsAllocated >= s.maxExecutors {
		return false
	}
	if s.numExecutorsAllocated >= len(s.build.Subjobs()) {
		return false
	}
	return true
}

// AllocateWorker hands w to this build: marks the build started on first
// allocation, bumps the allocated-executor count, and triggers worker
// setup. On setup failure the FailureHandler is invoked.
func (s *Scheduler) AllocateWorker(ctx context.Context, w *worker.Worker) bool {
	s.mu.Lock()
	if !s.buildStarted {
		s.buildStarted = true
		s.build.MarkStarted()
	}

	nextExecutorIndex := s.numExecutorsAllocated
	claim := int(w.NumExecutors())
	if claim > s.maxExecutorsPerWorker {
		claim = s.maxExecutorsPerWorker
	}
	s.numExecutorsAllocated += claim
	s.workersAllocated = append(s.workersAllocated, w)
	s.mu.Unlock()

	ok := w.Setup(ctx, s.build.BuildID(), worker.SetupParams{
		ProjectTypeParams:       s.projectTypeParams(),
		BuildExecutorStartIndex: int32(nextExecutorIndex),
	})
	if !ok && s.onSetupFailure != nil {
		s.onSetupFailure(s.build, w)
	}
	return ok
}

// BeginSubjobExecutionsOnWorker is called once a worker reports setup
// complete. It claims up to min(worker.num_executors,
// max_executors_per_worker, max_executors - num_executors_in_use)
// executors and dispatches one subjob per claimed executor.
func (s *Scheduler) BeginSubjobExecutionsOnWorker(ctx context.Context, w *worker.Worker) {
	for i := int32(0); i < w.NumExecutors(); i++ {
		s.mu.Lock()
		if s.numExecutorsInUse >= s.maxExecutors || int(i) >= s.maxExecutorsPerWorker {
			s.mu.Unlock()
			break
		}
		s.numExecutorsInUse++
		s.mu.Unlock()

		if _, err := w.ClaimExecutor(); err != nil {
			s.log.Warn("failed to claim executor", "worker", w.String(), "error", err)
			continue
		}
		s.ExecuteNextSubjobOrFreeExecutor(ctx, w)
	}
}

// ExecuteNextSubjobOrFreeExecutor is the primary dispatch operation: pops
// a subjob from the build's unstarted queue and starts it on w, or frees
// w's executor if the queue is empty or the build is canceled. The
// per-scheduler mutex is held across the pop-then-dispatch round trip
// deliberately: without it, two concurrent callers could both observe an
// empty queue and tear down the last live worker while a subjob is still
// in flight (spec §4.5, §5).
func (s *Scheduler) ExecuteNextSubjobOrFreeExecutor(ctx context.Context, w *worker.Worker) {
	if s.build.IsCanceled() {
		s.freeWorkerExecutor(ctx, w)
		return
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	sj, ok := s.build.PopUnstartedSubjob()
	if !ok {
		s.freeWorkerExecutor(ctx, w)
		return
	}

	if err := w.StartSubjob(ctx, sj); err != nil {
		s.log.Warn("failed to start subjob, requeuing", "subjob", sj.SubjobID(), "worker", w.String(), "error", err)
		s.build.RequeueSubjob(sj)
		s.freeWorkerExecutor(ctx, w)
		return
	}

	sj.MarkInProgress(w)
	s.build.MarkInFlight()
}

func (s *Scheduler) freeWorkerExecutor(ctx context.Context, w *worker.Worker) {
	numInUse, err := w.FreeExecutor()
	if err != nil {
		s.log.Warn("free executor failed", "worker", w.String(), "error", err)
		return
	}
	if numInUse != 0 {
		return
	}

	s.mu.Lock()
	removed := s.removeAllocatedWorkerLocked(w)
	empty := len(s.workersAllocated) == 0
	s.mu.Unlock()

	if !removed {
		return
	}
	w.Teardown(ctx)

	if empty && s.NeedsMoreWorkers() {
		s.pool.AddBuildWaitingForWorkers(s)
	}
}

func (s *Scheduler) removeAllocatedWorkerLocked(w *worker.Worker) bool {
	for i, allocated := range s.workersAllocated {
		if allocated == w {
			s.workersAllocated = append(s.workersAllocated[:i], s.workersAllocated[i+1:]...)
			return true
		}
	}
	return false
}

// AllocatedWorkers returns a snapshot of workers currently allocated to
// this build's scheduler.
func (s *Scheduler) AllocatedWorkers() []*worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker.Worker, len(s.workersAllocated))
	copy(out, s.workersAllocated)
	return out
}
