// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sync"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// Pool owns one Scheduler per active build and a blocking FIFO of
// schedulers whose builds are prepared and still need workers (spec
// §4.5). The WorkerAllocator is the sole consumer of that FIFO.
type Pool struct {
	log logging.Logger

	mu         sync.Mutex
	schedulers map[int32]*Scheduler

	waitingCh chan *Scheduler
}

// NewPool creates an empty scheduler pool. capacity bounds how many
// prepared-and-waiting builds can be queued before AddBuildWaitingForWorkers
// blocks; it should comfortably exceed any realistic number of
// concurrently queued builds.
func NewPool(capacity int, log logging.Logger) *Pool {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Pool{
		log:        log,
		schedulers: make(map[int32]*Scheduler),
		waitingCh:  make(chan *Scheduler, capacity),
	}
}

// GetOrCreate returns the Scheduler for b, creating one on first access.
func (p *Pool) GetOrCreate(b *build.Build, maxExecutors, maxExecutorsPerWorker int, onSetupFailure FailureHandler) *Scheduler {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.schedulers[b.BuildID()]; ok {
		return s
	}
	s := newScheduler(b, p, maxExecutors, maxExecutorsPerWorker, onSetupFailure, p.log)
	p.schedulers[b.BuildID()] = s
	return s
}

// Get returns the existing scheduler for a build id, if any.
func (p *Pool) Get(buildID int32) (*Scheduler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.schedulers[buildID]
	return s, ok
}

// Remove drops a build's scheduler once the build has finished, errored,
// or been canceled.
func (p *Pool) Remove(buildID int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.schedulers, buildID)
}

// AddBuildWaitingForWorkers enqueues s on the prepared-and-waiting FIFO.
// Called once when a build is first prepared, and again any time a
// scheduler loses all its allocated workers while it still needs more
// (spec §4.5's _free_worker_executor re-enqueue path).
func (p *Pool) AddBuildWaitingForWorkers(s *Scheduler) {
	p.waitingCh <- s
}

// NextPreparedScheduler blocks until a scheduler is waiting for workers,
// or ctx is done.
func (p *Pool) NextPreparedScheduler(done <-chan struct{}) (*Scheduler, bool) {
	select {
	case s := <-p.waitingCh:
		return s, true
	case <-done:
		return nil, false
	}
}
