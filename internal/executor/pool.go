// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// ReportFunc is called with a subjob's completed results, once per subjob,
// so the caller can POST them back to the manager (spec §6's subjob result
// endpoint). It is invoked on its own goroutine.
type ReportFunc func(buildID, subjobID int32, payload build.ResultPayload)

// Pool owns a worker machine's fixed set of Executors (spec §4.9),
// mirroring the single ClusterSlave per worker process: it runs at most
// one build at a time, gating subjob execution on that build's setup
// completing first.
type Pool struct {
	log logging.Logger

	numExecutors int32
	idle         chan *Executor
	executors    []*Executor

	mu          sync.Mutex
	currentBuildID *int32
	jobConfig      *jobconfig.JobConfig
	projectType    projecttype.ProjectType

	setupGate *gate
	report    ReportFunc
}

// NewPool constructs a Pool with numExecutors idle executors.
func NewPool(numExecutors int32, report ReportFunc, log logging.Logger) *Pool {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if numExecutors <= 0 {
		numExecutors = 1
	}

	p := &Pool{
		log:          log,
		numExecutors: numExecutors,
		idle:         make(chan *Executor, numExecutors),
		executors:    make([]*Executor, numExecutors),
		setupGate:    newGate(),
		report:       report,
	}
	for i := int32(0); i < numExecutors; i++ {
		ex := New(i)
		p.executors[i] = ex
		p.idle <- ex
	}
	return p
}

func (p *Pool) NumExecutors() int32 { return p.numExecutors }

// CurrentBuildID returns the build this pool is currently set up for, if
// any.
func (p *Pool) CurrentBuildID() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentBuildID == nil {
		return 0, false
	}
	return *p.currentBuildID, true
}

// Snapshot returns the API-representation shape for this pool's executors
// (spec §6).
func (p *Pool) Snapshot() []Snapshot {
	out := make([]Snapshot, len(p.executors))
	for i, ex := range p.executors {
		out[i] = ex.Snapshot()
	}
	return out
}

// SetupBuild begins build-level setup: it records the new current build
// and kicks off the job's setup_build command (if any) asynchronously,
// unblocking any subjobs waiting on setupGate once that command finishes.
// It fails fast if any executor is still busy with a previous build.
func (p *Pool) SetupBuild(ctx context.Context, buildID int32, jc *jobconfig.JobConfig, pt projecttype.ProjectType) error {
	if int32(len(p.idle)) != p.numExecutors {
		return crerrors.New(crerrors.ErrorCodeServerInternal,
			fmt.Sprintf("tried to setup build but not all executors are idle (%d/%d idle)", len(p.idle), p.numExecutors))
	}

	p.setupGate.clear()

	p.mu.Lock()
	p.currentBuildID = &buildID
	p.jobConfig = jc
	p.projectType = pt
	p.mu.Unlock()

	for _, ex := range p.executors {
		ex.Configure(pt)
	}

	go p.asyncSetupBuild(ctx, buildID, jc, pt)
	return nil
}

func (p *Pool) asyncSetupBuild(ctx context.Context, buildID int32, jc *jobconfig.JobConfig, pt projecttype.ProjectType) {
	if jc.SetupBuild != "" {
		if _, err := pt.ExecuteCommand(ctx, jc.SetupBuild, nil, 0, nil); err != nil {
			p.log.Error("build setup command failed", "build_id", buildID, "error", err)
		}
	}
	p.log.Info("build setup complete", "build_id", buildID)
	p.setupGate.set()
}

// StartSubjob claims an idle executor and runs the subjob's atomic
// commands on it asynchronously, blocking only until an executor is
// claimed (or ctx is done). Refuses if buildID does not match the build
// this pool is currently set up for.
func (p *Pool) StartSubjob(ctx context.Context, buildID, subjobID int32, atomicCommands []string, baseExecutorIndex int32) (executorID int32, err error) {
	current, ok := p.CurrentBuildID()
	if !ok || current != buildID {
		return 0, crerrors.New(crerrors.ErrorCodeValidationFailed,
			fmt.Sprintf("attempted to start subjob %d for build %d, but current build is %v", subjobID, buildID, p.currentBuildID))
	}

	var ex *Executor
	select {
	case ex = <-p.idle:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	go p.runSubjob(ctx, ex, buildID, subjobID, atomicCommands, baseExecutorIndex)
	return ex.ID(), nil
}

func (p *Pool) runSubjob(ctx context.Context, ex *Executor, buildID, subjobID int32, atomicCommands []string, baseExecutorIndex int32) {
	if !p.setupGate.wait(ctx) {
		p.idle <- ex
		return
	}

	payload := ex.ExecuteSubjob(ctx, buildID, subjobID, atomicCommands, baseExecutorIndex)
	p.idle <- ex

	if p.report != nil {
		p.report(buildID, subjobID, payload)
	}
}

// TeardownBuild kills every executor's in-flight command, runs the job's
// teardown_build command if any, and clears the pool's current build so
// it is ready for the next SetupBuild call. buildID, if non-zero, is
// checked against the pool's current build for the caller's sanity.
func (p *Pool) TeardownBuild(ctx context.Context, buildID int32) error {
	current, ok := p.CurrentBuildID()
	if !ok {
		return crerrors.New(crerrors.ErrorCodeValidationFailed, "tried to teardown a build but no build is active on this worker")
	}
	if buildID != 0 && buildID != current {
		return crerrors.New(crerrors.ErrorCodeValidationFailed,
			fmt.Sprintf("tried to teardown build %d, but worker is running build %d", buildID, current))
	}

	for _, ex := range p.executors {
		ex.Kill()
	}

	p.mu.Lock()
	jc := p.jobConfig
	pt := p.projectType
	p.mu.Unlock()

	if pt != nil && jc != nil && jc.TeardownBuild != "" {
		if _, err := pt.ExecuteCommand(ctx, jc.TeardownBuild, nil, 0, nil); err != nil {
			p.log.Error("build teardown command failed", "build_id", current, "error", err)
		}
	}

	p.mu.Lock()
	p.currentBuildID = nil
	p.jobConfig = nil
	p.projectType = nil
	p.mu.Unlock()

	p.log.Info("build teardown complete", "build_id", current)
	return nil
}

// Kill terminates every executor's in-flight command, regardless of
// whether a build is currently set up (used on process shutdown).
func (p *Pool) Kill() {
	for _, ex := range p.executors {
		ex.Kill()
	}
}
