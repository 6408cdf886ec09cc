// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package requesthandler implements the BuildRequestHandler (spec §4.7):
// the pipeline that turns a queued Build into a prepared one (fetch
// project, parse job config, atomize, group, construct subjobs) and hands
// it off to the scheduler pool once ready.
package requesthandler

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/clusterrunner/clusterrunner/internal/atom"
	"github.com/clusterrunner/clusterrunner/internal/atomizer"
	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/grouper"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/scheduler"
	"github.com/clusterrunner/clusterrunner/internal/subjob"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/supervisor"
)

// Handler prepares queued builds concurrently, one project at a time per
// project id (so two builds of the same project never fetch/atomize in
// parallel and stomp on each other's checkout), and feeds prepared builds
// into the scheduler pool.
type Handler struct {
	pool *scheduler.Pool
	log  logging.Logger

	onSetupFailure scheduler.FailureHandler

	requestCh chan *build.Build

	supervisor *supervisor.Supervisor

	mu            sync.Mutex
	projectLocks  map[string]*sync.Mutex
}

// New constructs a Handler. onSetupFailure is forwarded to every
// scheduler it creates, so the manager facade learns about worker setup
// failures regardless of which build they happened on. sup supervises
// the per-build preparation goroutines Run spawns; a nil sup gets a
// default that logs a panic and exits the process, matching what an
// unrecovered panic in those goroutines would do anyway.
func New(pool *scheduler.Pool, onSetupFailure scheduler.FailureHandler, log logging.Logger, sup *supervisor.Supervisor) *Handler {
	if sup == nil {
		sup = supervisor.New(log, nil)
	}
	return &Handler{
		pool:           pool,
		log:            log,
		onSetupFailure: onSetupFailure,
		requestCh:      make(chan *build.Build, 4096),
		supervisor:     sup,
		projectLocks:   make(map[string]*sync.Mutex),
	}
}

// HandleBuildRequest enqueues a queued Build for preparation.
func (h *Handler) HandleBuildRequest(b *build.Build) {
	h.requestCh <- b
}

// Run is the preparation loop: pull a build off the request queue and
// spawn its own goroutine to prepare it, serialized per project id. It
// returns when ctx is canceled.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-h.requestCh:
			lock := h.projectLock(b.ProjectType().ProjectID())
			h.supervisor.Go("build_preparation", func() {
				h.prepareBuildAsync(ctx, b, lock)
			})
		}
	}
}

func (h *Handler) projectLock(projectID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.projectLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		h.projectLocks[projectID] = lock
	}
	return lock
}

func (h *Handler) prepareBuildAsync(ctx context.Context, b *build.Build, projectLock *sync.Mutex) {
	projectLock.Lock()
	defer projectLock.Unlock()

	if err := h.prepareBuild(ctx, b); err != nil {
		h.log.Error("build preparation failed", "build", b.BuildID(), "error", err)
		b.MarkFailed(err.Error())
		return
	}
	if b.State() != build.Prepared {
		return
	}

	jc := b.JobConfig()
	s := h.pool.GetOrCreate(b, jc.MaxExecutors, jc.MaxExecutorsPerWorker, h.onSetupFailure)
	h.pool.AddBuildWaitingForWorkers(s)
}

func (h *Handler) prepareBuild(ctx context.Context, b *build.Build) error {
	pt := b.ProjectType()

	h.log.Info("fetching project", "build", b.BuildID())
	if err := pt.FetchProject(ctx); err != nil {
		return err
	}

	jc, err := pt.JobConfig()
	if err != nil {
		return err
	}
	if jc == nil {
		b.MarkFailed("build failed while trying to parse clusterrunner.yaml")
		return nil
	}

	atoms, err := h.atomsForBuild(ctx, pt, jc)
	if err != nil {
		return err
	}

	groups := h.groupAtoms(atoms, jc, pt.TimingFilePath(jc.Name), pt.ProjectDirectory())

	subjobs := make([]*subjob.Subjob, 0, len(groups))
	for subjobID, group := range groups {
		subjobs = append(subjobs, subjob.New(b.BuildID(), int32(subjobID), jc, group))
	}

	return b.Prepare(subjobs, jc)
}

func (h *Handler) atomsForBuild(ctx context.Context, pt projecttype.ProjectType, jc *jobconfig.JobConfig) ([]*atom.Atom, error) {
	if override := pt.AtomsOverride(); override != nil {
		atoms := make([]*atom.Atom, 0, len(override))
		for _, v := range override {
			atoms = append(atoms, atom.NewLiteral(v))
		}
		return atoms, nil
	}
	return atomizer.Atomize(ctx, pt, jc.Atomizers)
}

func (h *Handler) groupAtoms(atoms []*atom.Atom, jc *jobconfig.JobConfig, timingFilePath, projectDirectory string) [][]*atom.Atom {
	timingMap := loadTimingMap(timingFilePath)
	if len(timingMap) == 0 {
		return grouper.Trivial(atoms)
	}
	return grouper.TimeBased(atoms, jc.MaxExecutors, timingMap, projectDirectory)
}

func loadTimingMap(path string) map[string]float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
